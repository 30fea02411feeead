package main

import (
	"context"
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

	"github.com/sudhirig/ai-hedge-fund-full/internal/aggregator"
	"github.com/sudhirig/ai-hedge-fund-full/internal/analyst"
	"github.com/sudhirig/ai-hedge-fund-full/internal/api"
	"github.com/sudhirig/ai-hedge-fund-full/internal/backtest"
	"github.com/sudhirig/ai-hedge-fund-full/internal/config"
	"github.com/sudhirig/ai-hedge-fund-full/internal/market"
	"github.com/sudhirig/ai-hedge-fund-full/internal/metrics"
	"github.com/sudhirig/ai-hedge-fund-full/internal/scheduler"
	"github.com/sudhirig/ai-hedge-fund-full/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (shared by the run store cache and the price cache) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}

	// --- Initialize store ---
	var st store.Store
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		sq, err := store.OpenSQLite(context.Background(), cfg.SQLitePath)
		if err != nil {
			slog.Error("sqlite open failed", "path", cfg.SQLitePath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		slog.Info("using SQLite store", "path", cfg.SQLitePath)

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}
	if rdb != nil {
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
	}

	// --- Price data ---
	prices, err := openPrices(cfg, logger, rdb)
	if err != nil {
		slog.Error("price source unavailable", "source", cfg.PriceSource, "err", err)
		os.Exit(1)
	}

	// --- Analysts ---
	var completer analyst.Completer
	if cfg.OpenAIAPIKey != "" {
		completer = analyst.NewOpenAICompleter(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		slog.Info("LLM analysts enabled", "model", cfg.OpenAIModel)
	} else {
		slog.Warn("OPENAI_API_KEY not set, only the technical analyst is available")
	}
	registry := analyst.DefaultRegistry(prices, completer,
		analyst.WithRetries(cfg.LLMMaxRetries, time.Second),
		analyst.WithLLMLogger(logger),
	)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(logger)
	go wsHub.Run()

	// --- Backtest service ---
	svc := api.NewService(st, prices, registry, wsHub,
		api.WithLogger(logger),
		api.WithSignalConcurrency(cfg.SignalConcurrency),
	)

	// --- Scheduled trailing-window backtests ---
	var sched *scheduler.Scheduler
	if cfg.BacktestSchedule != "" {
		sched = scheduler.New(logger)
		job := &scheduler.TrailingBacktestJob{
			Submitter:         svc,
			Instruments:       cfg.ScheduledTickers,
			Analysts:          cfg.ScheduledAnalysts,
			LookbackDays:      cfg.ScheduledLookbackDays,
			InitialCash:       cfg.ScheduledInitialCash,
			MarginRequirement: backtest.DefaultMarginRequirement,
			Policy:            aggregator.DefaultPolicy(),
		}
		if err := sched.AddJob(cfg.BacktestSchedule, job); err != nil {
			slog.Error("invalid BACKTEST_SCHEDULE", "schedule", cfg.BacktestSchedule, "err", err)
			os.Exit(1)
		}
		sched.Start()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"hedge-backtester"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live run progress.
		r.Get("/ws", wsHub.HandleWS)

		r.Get("/analysts", svc.ListAnalysts)

		// Request handlers are bounded; runs themselves continue in the background.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/backtests", svc.ListBacktests)
			r.Post("/backtests", svc.SubmitBacktest)
			r.Get("/backtests/{runID}", svc.GetBacktest)
			r.Get("/backtests/{runID}/snapshots", svc.GetSnapshots)
			r.Get("/backtests/{runID}/trades", svc.GetTrades)
			r.Get("/backtests/{runID}/diagnostics", svc.GetDiagnostics)
			r.Get("/backtests/{runID}/analysis", svc.GetAnalysis)
			r.Post("/backtests/{runID}/cancel", svc.CancelBacktest)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("backtester listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down backtester...")
	if sched != nil {
		sched.Stop()
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := svc.Shutdown(ctx); err != nil {
		slog.Error("runs did not finish before shutdown", "err", err)
	}
	wsHub.Close()
	fmt.Println("backtester stopped")
}

// openPrices builds the configured price source, optionally behind the
// Redis cache.
func openPrices(cfg *config.Config, logger *slog.Logger, rdb *redis.Client) (market.HistorySource, error) {
	var src market.HistorySource
	switch cfg.PriceSource {
	case config.PriceSourceCSV:
		csv, err := market.LoadCSVDir(cfg.PriceCSVDir)
		if err != nil {
			return nil, err
		}
		slog.Info("loaded CSV prices", "dir", cfg.PriceCSVDir, "instruments", csv.Instruments())
		src = csv

	default:
		yahoo := market.NewYahooSource(market.WithYahooLogger(logger))
		src = yahoo
		if cfg.CSVFallback {
			csv, err := market.LoadCSVDir(cfg.PriceCSVDir)
			if err != nil {
				return nil, err
			}
			src = market.Chain{yahoo, csv}
			slog.Info("CSV prices chained behind Yahoo", "dir", cfg.PriceCSVDir)
		}
	}

	if rdb != nil {
		// Historical bars are immutable; a day is plenty.
		src = market.NewCachedSource(src, rdb, 24*time.Hour)
	}
	return src, nil
}
