// Package maintenance runs the time-based triggers as Go tickers: the
// due-reminder poll, the sanction-expiry sweep and record cleanup. All
// scheduled work is driven from the daemon since it is already a
// persistent, long-running service (required for LISTEN/NOTIFY).
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/scoracle-notify/internal/config"
	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/metrics"
	"github.com/albapepper/scoracle-notify/internal/notifications"
)

// Config controls task intervals. Zero duration disables a task.
type Config struct {
	ReminderInterval time.Duration // Due-reminder polling
	SweepInterval    time.Duration // Sanction expiry sweep
	CleanupInterval  time.Duration // Ledger + read notification purge
	Retention        time.Duration
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ReminderInterval: time.Minute,
		SweepInterval:    time.Hour,
		CleanupInterval:  24 * time.Hour,
		Retention:        30 * 24 * time.Hour,
	}
}

// FromConfig maps the environment configuration.
func FromConfig(cfg *config.Config) Config {
	return Config{
		ReminderInterval: cfg.ReminderInterval,
		SweepInterval:    cfg.SweepInterval,
		CleanupInterval:  cfg.CleanupInterval,
		Retention:        cfg.Retention(),
	}
}

// Dispatcher is the part of notifications.Dispatcher the tasks drive.
type Dispatcher interface {
	PollReminders(ctx context.Context) (*notifications.ReminderResult, error)
	Handle(ctx context.Context, e event.Event) (*notifications.Outcome, error)
}

// Purger deletes records past retention.
type Purger interface {
	PurgeLedger(ctx context.Context, before time.Time) (int64, error)
	PurgeReadNotifications(ctx context.Context, before time.Time) (int64, error)
}

// Tasks bundles the collaborators of every scheduled task.
type Tasks struct {
	Dispatcher Dispatcher
	Purger     Purger
	Now        func() time.Time
	Logger     *slog.Logger
}

// Start runs one reminder pass immediately to catch up after a restart,
// then launches all configured tickers. Blocks until ctx is cancelled.
// Intended to be called with `go`.
func Start(ctx context.Context, t Tasks, cfg Config) {
	logger := t.Logger
	logger.Info("Maintenance tickers started",
		"reminders", cfg.ReminderInterval,
		"sweep", cfg.SweepInterval,
		"cleanup", cfg.CleanupInterval)

	tickers := make([]*time.Ticker, 0, 3)
	defer func() {
		for _, tk := range tickers {
			tk.Stop()
		}
	}()

	// Reminders: deliver reminders whose remind-at entered the window
	if cfg.ReminderInterval > 0 {
		run("reminders", logger, func() error { return t.Reminders(ctx) })
		tk := time.NewTicker(cfg.ReminderInterval)
		tickers = append(tickers, tk)
		go runLoop(ctx, tk.C, "reminders", logger, func() error { return t.Reminders(ctx) })
	}

	// Sweep: lift expired mutes and suspensions
	if cfg.SweepInterval > 0 {
		tk := time.NewTicker(cfg.SweepInterval)
		tickers = append(tickers, tk)
		go runLoop(ctx, tk.C, "sweep", logger, func() error { return t.Sweep(ctx) })
	}

	// Cleanup: purge ledger entries and read notifications past retention
	if cfg.CleanupInterval > 0 {
		tk := time.NewTicker(cfg.CleanupInterval)
		tickers = append(tickers, tk)
		go runLoop(ctx, tk.C, "cleanup", logger, func() error {
			_, err := t.Cleanup(ctx, cfg.Retention)
			return err
		})
	}

	<-ctx.Done()
	logger.Info("Maintenance tickers stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, name string, logger *slog.Logger, fn func() error) {
	for {
		select {
		case <-ch:
			run(name, logger, fn)
		case <-ctx.Done():
			return
		}
	}
}

func run(name string, logger *slog.Logger, fn func() error) {
	if err := fn(); err != nil {
		metrics.TaskRuns.WithLabelValues(name, "failed").Inc()
		logger.Warn("Scheduled task failed", "task", name, "error", err)
		return
	}
	metrics.TaskRuns.WithLabelValues(name, "ok").Inc()
}

// --------------------------------------------------------------------------
// Task implementations
// --------------------------------------------------------------------------

// Reminders runs one due-reminder polling pass.
func (t Tasks) Reminders(ctx context.Context) error {
	res, err := t.Dispatcher.PollReminders(ctx)
	if res != nil && res.Due > 0 {
		t.Logger.Info("Reminder pass complete", "summary", res.Summary())
	}
	return err
}

// Sweep runs one sanction expiry sweep.
func (t Tasks) Sweep(ctx context.Context) error {
	_, err := t.Dispatcher.Handle(ctx, event.SanctionExpirySweep{At: t.now()})
	return err
}

// CleanupResult counts purged records.
type CleanupResult struct {
	Ledger        int64
	Notifications int64
}

// Summary returns a human-readable summary.
func (r *CleanupResult) Summary() string {
	return fmt.Sprintf("cleanup: %d ledger entries, %d read notifications purged", r.Ledger, r.Notifications)
}

// Cleanup removes ledger entries and read in-app notifications older than
// retention. Sanctions are kept indefinitely.
func (t Tasks) Cleanup(ctx context.Context, retention time.Duration) (*CleanupResult, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("cleanup: retention must be positive, got %s", retention)
	}
	before := t.now().Add(-retention)
	res := &CleanupResult{}

	n, err := t.Purger.PurgeLedger(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("purge ledger: %w", err)
	}
	res.Ledger = n

	n, err = t.Purger.PurgeReadNotifications(ctx, before)
	if err != nil {
		return res, fmt.Errorf("purge notifications: %w", err)
	}
	res.Notifications = n

	if res.Ledger+res.Notifications > 0 {
		t.Logger.Info("Cleanup complete", "summary", res.Summary())
	}
	return res, nil
}

func (t Tasks) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}
