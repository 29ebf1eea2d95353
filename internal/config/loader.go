package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path, when path is not empty, on top of the
// defaults and then applies environment overrides. A .env file in the
// working directory is loaded into the environment first if present. The
// result has not been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads ENGINE_* variables. PORT, DATABASE_URL and
// REDIS_URL are honoured as well for platforms that inject them.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "ENGINE_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "ENGINE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "ENGINE_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "ENGINE_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "ENGINE_SERVER_CORS_ORIGINS")

	// ── Database ──
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.URL, "ENGINE_DATABASE_URL")
	setInt(&cfg.Database.MaxConns, "ENGINE_DATABASE_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "ENGINE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "ENGINE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "ENGINE_REDIS_CACHE_TTL")

	// ── Trading ──
	setDecimal(&cfg.Trading.DefaultLiquidity, "ENGINE_TRADING_DEFAULT_LIQUIDITY")
	setDecimal(&cfg.Trading.DefaultFeeRate, "ENGINE_TRADING_DEFAULT_FEE_RATE")
	setDecimal(&cfg.Trading.MaxPerMarket, "ENGINE_TRADING_MAX_PER_MARKET")
	setDecimal(&cfg.Trading.MaxCorrelated, "ENGINE_TRADING_MAX_CORRELATED")
	setDuration(&cfg.Trading.DuplicateWindow, "ENGINE_TRADING_DUPLICATE_WINDOW")

	// ── Payout ──
	setDecimal(&cfg.Payout.RefundRate, "ENGINE_PAYOUT_REFUND_RATE")
	setInt(&cfg.Payout.Concurrency, "ENGINE_PAYOUT_CONCURRENCY")
	setStr(&cfg.Payout.GatewayURL, "ENGINE_PAYOUT_GATEWAY_URL")
	setStr(&cfg.Payout.GatewaySecret, "ENGINE_PAYOUT_GATEWAY_SECRET")
	setDuration(&cfg.Payout.GatewayTimeout, "ENGINE_PAYOUT_GATEWAY_TIMEOUT")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "ENGINE_LOG_LEVEL")
}

// Each helper only mutates the target when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
