// Package engine assembles the notification engine from its components.
// Both binaries build the same graph: the daemon drives it from triggers
// and tickers, notifyctl drives single passes by hand.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/albapepper/scoracle-notify/internal/config"
	"github.com/albapepper/scoracle-notify/internal/delivery"
	"github.com/albapepper/scoracle-notify/internal/eligibility"
	"github.com/albapepper/scoracle-notify/internal/ledger"
	"github.com/albapepper/scoracle-notify/internal/maintenance"
	"github.com/albapepper/scoracle-notify/internal/moderation"
	"github.com/albapepper/scoracle-notify/internal/notifications"
	"github.com/albapepper/scoracle-notify/internal/push"
	"github.com/albapepper/scoracle-notify/internal/tokens"
)

// Store is everything the engine reads and writes. store.Postgres and
// store.Memory implement it.
type Store interface {
	eligibility.UserStore
	delivery.NotificationStore
	tokens.TokenStore
	moderation.Store
	notifications.Store
	maintenance.Purger
}

// Engine is the assembled component graph.
type Engine struct {
	Dispatcher *notifications.Dispatcher
	Moderation *moderation.Machine
	Tasks      maintenance.Tasks
}

// New wires the components. The ledger may be the store itself or a
// separate backend. A store that can reload documents is used for
// truncated change payloads.
func New(st Store, l ledger.Ledger, sender push.Sender, cfg *config.Config, now func() time.Time, logger *slog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}

	filter := eligibility.New(l, st, now, logger)
	pipeline := delivery.New(sender, st, l, tokens.NewManager(st, logger), delivery.Options{
		PushTimeout:  cfg.PushTimeout,
		StoreTimeout: cfg.StoreTimeout,
		Workers:      cfg.FanoutWorkers,
		Now:          now,
	}, logger)
	fanout := delivery.NewFanout(l, filter, pipeline)
	policy := moderation.DefaultPolicy()
	policy.StoreTimeout = cfg.StoreTimeout
	machine := moderation.New(st, l, fanout, policy, now, logger)

	snapshots, _ := st.(notifications.Snapshotter)
	dispatcher := notifications.New(fanout, machine, st, snapshots, notifications.Options{
		ReminderSlack: cfg.ReminderSlack,
		BatchSize:     cfg.ReminderBatchSize,
		Workers:       cfg.FanoutWorkers,
		StoreTimeout:  cfg.StoreTimeout,
		Now:           now,
	}, logger)

	return &Engine{
		Dispatcher: dispatcher,
		Moderation: machine,
		Tasks: maintenance.Tasks{
			Dispatcher: dispatcher,
			Purger:     st,
			Now:        now,
			Logger:     logger,
		},
	}
}

// --------------------------------------------------------------------------
// Backends
// --------------------------------------------------------------------------

// OpenLedger returns the configured ledger backend. fallback is used for
// LEDGER_BACKEND=postgres. The returned close func is never nil.
func OpenLedger(ctx context.Context, cfg *config.Config, fallback ledger.Ledger) (ledger.Ledger, func() error, error) {
	if cfg.LedgerBackend != config.LedgerRedis {
		return fallback, func() error { return nil }, nil
	}
	r, err := ledger.DialRedis(ctx, cfg.RedisURL, cfg.LedgerTTL)
	if err != nil {
		return nil, nil, err
	}
	return r, r.Close, nil
}

// NewSender returns the FCM sender when credentials are configured, else a
// sender that only logs. Either is throttled to PUSH_RATE_PER_SECOND.
func NewSender(ctx context.Context, cfg *config.Config, logger *slog.Logger) (push.Sender, error) {
	var s push.Sender
	if cfg.FCMCredentialsFile == "" {
		logger.Info("Push delivery disabled (no FIREBASE_CREDENTIALS_FILE), logging only")
		s = push.NewLogSender(logger)
	} else {
		fcm, err := push.NewFCMSender(ctx, cfg.FCMCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("init FCM: %w", err)
		}
		logger.Info("FCM push sender initialized")
		s = fcm
	}
	return push.NewRateLimited(s, cfg.PushRatePerSecond), nil
}

// NewLogger builds the process logger from LOG_FORMAT and LOG_LEVEL.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
