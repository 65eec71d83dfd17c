// Command notifier is the Scoracle notification daemon. It listens for
// document changes, runs the reminder, sweep and cleanup tickers and serves
// the operational and moderator HTTP endpoints.
//
// Usage:
//
//	scoracle-notifier
//	OPS_PORT=8090 LEDGER_BACKEND=redis REDIS_URL=redis://localhost:6379/0 scoracle-notifier
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/albapepper/scoracle-notify/internal/api"
	"github.com/albapepper/scoracle-notify/internal/api/handler"
	"github.com/albapepper/scoracle-notify/internal/config"
	"github.com/albapepper/scoracle-notify/internal/db"
	"github.com/albapepper/scoracle-notify/internal/engine"
	"github.com/albapepper/scoracle-notify/internal/listener"
	"github.com/albapepper/scoracle-notify/internal/maintenance"
	"github.com/albapepper/scoracle-notify/internal/store"
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	logger := engine.NewLogger(os.Stdout, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = engine.NewLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Connect to database
	logger.Info("Connecting to database...")
	pool, err := db.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("Database connected",
		"min_conns", cfg.DBPoolMinConns,
		"max_conns", cfg.DBPoolMaxConns)

	pg := store.NewPostgres(pool.Pool)

	// Idempotency ledger
	l, closeLedger, err := engine.OpenLedger(ctx, cfg, pg)
	if err != nil {
		logger.Error("Failed to open ledger", "backend", cfg.LedgerBackend, "error", err)
		os.Exit(1)
	}
	defer closeLedger()
	logger.Info("Ledger ready", "backend", cfg.LedgerBackend)

	// Push sender
	sender, err := engine.NewSender(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize push sender", "error", err)
		os.Exit(1)
	}

	eng := engine.New(pg, l, sender, cfg, time.Now, logger)

	// Trigger sources
	go listener.Start(ctx, cfg.DatabaseURL, eng.Dispatcher, logger)

	if cfg.KafkaEnabled() {
		src := listener.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, eng.Dispatcher, logger)
		defer src.Close()
		go func() {
			if err := src.Run(ctx); err != nil {
				logger.Error("Kafka change source failed", "error", err)
			}
		}()
	}

	// Reminder polling, sanction expiry sweep, cleanup
	go maintenance.Start(ctx, eng.Tasks, maintenance.FromConfig(cfg))

	// Ops + moderator HTTP server
	ledgerCheck, _ := l.(handler.LedgerPinger)
	router := api.NewRouter(pool, ledgerCheck, eng.Moderation, cfg, logger)
	addr := fmt.Sprintf("%s:%d", cfg.OpsHost, cfg.OpsPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting Scoracle notifier",
			"addr", addr,
			"environment", cfg.Environment,
			"kafka", cfg.KafkaEnabled())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			cancel()
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Notifier stopped")
}
