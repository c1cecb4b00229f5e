package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/mexc-bracket/internal/config"
	"github.com/amirphl/mexc-bracket/internal/db"
	"github.com/amirphl/mexc-bracket/internal/exchange"
	"github.com/amirphl/mexc-bracket/internal/market"
	"github.com/amirphl/mexc-bracket/internal/metrics"
	"github.com/amirphl/mexc-bracket/internal/notifier"
	"github.com/amirphl/mexc-bracket/internal/position"
	"github.com/amirphl/mexc-bracket/internal/schedule"
	"github.com/amirphl/mexc-bracket/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// app carries everything an action handler needs.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	out      io.Writer
	client   *exchange.Client
	rules    *market.RuleCache
	storage  db.Storage
	notifier notifier.Notifier
	metrics  *metrics.Metrics
	gate     *schedule.Gate
	limiter  *position.DailyLimiter
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger := utils.NewLogger(cfg.LogLevel, os.Stderr)
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		return 2
	}
	action, err := ParseAction(cfg.Action)
	if err != nil {
		logger.Error("Invalid action", "error", err)
		return 2
	}
	if action.needsCredentials(cfg.DryRun) && !cfg.HasCredentials() {
		logger.Error("MEXC_API_KEY and MEXC_SECRET_KEY are required", "action", action)
		return 2
	}
	logger.Info("Starting MEXC bracket", "action", action, "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Startup failed", "error", err)
		return 1
	}
	defer cleanup()

	if cfg.At != "" && action.trades() {
		clock, _ := schedule.ParseClock(cfg.At)
		at := schedule.NextOccurrence(time.Now(), clock, cfg.Location())
		logger.Info("Waiting for scheduled time", "at", at.Format(time.RFC3339))
		if err := schedule.WaitUntil(ctx, at); err != nil {
			logger.Info("Interrupted before scheduled time")
			return 130
		}
	}

	if err := handlers[action](ctx, a); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, position.ErrCancelled) {
			logger.Info("Stopped", "action", action, "reason", err)
			return 130
		}
		logger.Error("Action failed", "action", action, "error", err)
		return 1
	}
	return 0
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, logger)
		closers = append(closers, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		})
	}

	storage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, func() { _ = storage.Close() })

	var notify notifier.Notifier = notifier.Nop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		notify = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	}

	client := exchange.NewClient(exchange.NewSigner(cfg.APIKey, cfg.SecretKey), exchange.Options{
		BaseURL:  cfg.BaseURL,
		DryRun:   cfg.DryRun,
		Budget:   exchange.NewRateBudget(cfg.RateLimitWeight, cfg.RateLimitWindow, 30*time.Second),
		Observer: m,
		Logger:   logger,
	})
	closers = append(closers, client.Close)

	gate, err := cfg.Gate()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		out:      os.Stdout,
		client:   client,
		rules:    market.NewRuleCache(client),
		storage:  storage,
		notifier: notify,
		metrics:  m,
		gate:     gate,
		limiter:  position.NewDailyLimiter(cfg.MaxOrdersPerDay, cfg.Location()),
	}, cleanup, nil
}

func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (db.Storage, error) {
	if cfg.DBConnStr == "" {
		logger.Info("No DB_CONN_STR, using in-memory storage")
		return db.NewMemory(), nil
	}
	if cfg.RunMigration {
		if err := db.Migrate(ctx, cfg.DBConnStr, "schema.sql", logger); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	store, err := db.Open(ctx, cfg.DBConnStr)
	if err != nil {
		return nil, err
	}
	store.GetDB().SetMaxOpenConns(cfg.DBMaxOpen)
	store.GetDB().SetMaxIdleConns(cfg.DBMaxIdle)
	logger.Info("Connected to Postgres")
	return store, nil
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()
	return srv
}

func (a *app) now() time.Time { return time.Now() }
