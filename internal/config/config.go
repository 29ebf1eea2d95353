// Package config defines the market engine configuration: built-in
// defaults, an optional TOML file, a .env file and ENGINE_* environment
// overrides, applied in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Trading  TradingConfig  `toml:"trading"`
	Payout   PayoutConfig   `toml:"payout"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL parameters. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the market cache parameters. An empty URL disables the
// cache.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL Duration `toml:"cache_ttl"`
}

// TradingConfig holds market defaults and bet limits. A zero exposure limit
// disables that limit. A market's fee rate applies to trades and to the
// winnings paid at resolution.
type TradingConfig struct {
	DefaultLiquidity decimal.Decimal `toml:"default_liquidity"`
	DefaultFeeRate   decimal.Decimal `toml:"default_fee_rate"`
	MaxPerMarket     decimal.Decimal `toml:"max_per_market"`
	MaxCorrelated    decimal.Decimal `toml:"max_correlated"`
	DuplicateWindow  Duration        `toml:"duplicate_window"`
}

// PayoutConfig holds the consolation rate and the external payout gateway.
// An empty gateway URL leaves external wallets without a provider.
type PayoutConfig struct {
	RefundRate     decimal.Decimal `toml:"refund_rate"`
	Concurrency    int             `toml:"concurrency"`
	GatewayURL     string          `toml:"gateway_url"`
	GatewaySecret  string          `toml:"gateway_secret"`
	GatewayTimeout Duration        `toml:"gateway_timeout"`
}

// Duration wraps time.Duration so TOML strings like "5s" decode.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with working development values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{10 * time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: Duration{30 * time.Second},
		},
		Trading: TradingConfig{
			DefaultLiquidity: decimal.NewFromInt(100),
			DefaultFeeRate:   decimal.RequireFromString("0.05"),
			MaxPerMarket:     decimal.NewFromInt(1000),
			MaxCorrelated:    decimal.NewFromInt(5000),
			DuplicateWindow:  Duration{5 * time.Second},
		},
		Payout: PayoutConfig{
			RefundRate:     decimal.RequireFromString("0.10"),
			Concurrency:    8,
			GatewayTimeout: Duration{15 * time.Second},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var one = decimal.NewFromInt(1)

// Validate checks Config for invalid values and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	fraction := func(name string, v decimal.Decimal) {
		if v.IsNegative() || v.GreaterThan(one) {
			add("%s must be within [0,1], got %s", name, v)
		}
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		add("server: shutdown_timeout must be positive")
	}

	if c.Database.MaxConns < 1 {
		add("database: max_conns must be >= 1")
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		add("redis: the cache needs database.url")
	}
	if c.Redis.CacheTTL.Duration < 0 {
		add("redis: cache_ttl must not be negative")
	}

	if c.Trading.DefaultLiquidity.IsNegative() {
		add("trading: default_liquidity must not be negative")
	}
	fraction("trading: default_fee_rate", c.Trading.DefaultFeeRate)
	if c.Trading.MaxPerMarket.IsNegative() || c.Trading.MaxCorrelated.IsNegative() {
		add("trading: exposure limits must not be negative")
	}
	if c.Trading.DuplicateWindow.Duration < 0 {
		add("trading: duplicate_window must not be negative")
	}

	fraction("payout: refund_rate", c.Payout.RefundRate)
	if c.Payout.Concurrency < 1 {
		add("payout: concurrency must be >= 1")
	}
	if c.Payout.GatewayURL != "" && c.Payout.GatewaySecret == "" {
		add("payout: gateway_secret is required when gateway_url is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}
