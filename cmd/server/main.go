package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/outcomex/market-engine/internal/api"
	"github.com/outcomex/market-engine/internal/config"
	"github.com/outcomex/market-engine/internal/correlation"
	"github.com/outcomex/market-engine/internal/ledger"
	"github.com/outcomex/market-engine/internal/market"
	"github.com/outcomex/market-engine/internal/metrics"
	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/notify"
	"github.com/outcomex/market-engine/internal/payment"
	"github.com/outcomex/market-engine/internal/payout"
	"github.com/outcomex/market-engine/internal/resolution"
	"github.com/outcomex/market-engine/internal/store"
	"github.com/outcomex/market-engine/internal/trade"
	"github.com/outcomex/market-engine/internal/txlog"
	"github.com/outcomex/market-engine/internal/wallet"
)

func main() {
	configPath := flag.String("config", os.Getenv("ENGINE_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			slog.Error("invalid database url", "err", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				slog.Error("migrations failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL", "max_conns", cfg.Database.MaxConns)

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration, logger)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Money plumbing ---
	l := ledger.New()
	txl := txlog.New()
	txl.Window = cfg.Trading.DuplicateWindow.Duration
	limiter := correlation.NewPositionLimiter(cfg.Trading.MaxPerMarket, cfg.Trading.MaxCorrelated)

	providers := payment.NewRegistry()
	if cfg.Payout.GatewayURL != "" {
		gw := payment.NewHTTPProvider(cfg.Payout.GatewayURL, []byte(cfg.Payout.GatewaySecret), cfg.Payout.GatewayTimeout.Duration)
		providers.Register(model.WalletTON, gw)
		providers.Register(model.WalletTelegram, gw)
		slog.Info("payout gateway configured", "url", cfg.Payout.GatewayURL)
	} else {
		slog.Warn("payout gateway not set, external wallets cannot be paid")
	}

	// --- WebSocket hub ---
	hub := notify.NewHub(logger)
	go hub.Run(ctx)
	notifier := notify.Multi{hub, notify.Logger{Log: logger}}

	// --- Services ---
	markets := market.NewService(st, market.Defaults{
		Liquidity: cfg.Trading.DefaultLiquidity,
		FeeRate:   cfg.Trading.DefaultFeeRate,
	}, notifier, logger)
	if n, err := markets.SyncActiveMarkets(ctx); err != nil {
		slog.Error("count active markets", "err", err)
	} else {
		slog.Info("active markets loaded", "count", n)
	}
	trades := trade.NewService(st, l, txl, limiter, notifier, logger)
	wallets := wallet.NewService(st, l, txl, logger)
	engine := payout.NewEngine(st, l, txl, providers, payout.Config{
		RefundRate:  cfg.Payout.RefundRate,
		Concurrency: cfg.Payout.Concurrency,
	}, notifier, logger)
	resolutions := resolution.NewService(st, engine, logger)

	srv := api.NewServer(api.Services{
		Markets:     markets,
		Trades:      trades,
		Wallets:     wallets,
		Payouts:     engine,
		Resolutions: resolutions,
		Hub:         hub,
	}, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	srv.Mount(r)

	// --- Server ---
	port := strconv.Itoa(cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

// cors allows cross-origin requests from the configured origins. "*" allows
// any origin.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
