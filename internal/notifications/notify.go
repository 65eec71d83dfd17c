// Package notifications is the trigger dispatcher. It turns validated events
// into notices and routes them: notification events go through the fan-out
// chain (dedup → eligibility → delivery), report and sweep events go to the
// moderation state machine.
//
// Triggers are at-least-once. Every handler is idempotent through the
// ledger, so the same event may be handed in any number of times.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/scoracle-notify/internal/delivery"
	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/model"
	"github.com/albapepper/scoracle-notify/internal/moderation"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultSlack        = 10 * time.Minute
	defaultBatchSize    = 200
	defaultStoreTimeout = 5 * time.Second
	defaultWorkers      = 8
	previewRunes        = 100
)

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Runner delivers a notice to recipients; delivery.Fanout implements it.
type Runner interface {
	Run(ctx context.Context, n delivery.Notice, recipientIDs []string) (*delivery.Report, error)
}

// Moderator is the moderation state machine.
type Moderator interface {
	OnReport(ctx context.Context, e event.ReportCreated) (*moderation.Evaluation, error)
	Sweep(ctx context.Context) (*moderation.SweepResult, error)
}

// Store is the slice of the document store the dispatcher reads.
type Store interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	DueReminders(ctx context.Context, from, to time.Time, limit int) ([]model.Reminder, error)
	MarkReminderSent(ctx context.Context, id string, at time.Time) error
}

// Snapshotter reloads a document whose change payload was truncated.
type Snapshotter interface {
	Snapshot(ctx context.Context, collection, id string) (json.RawMessage, error)
}

// Options tune polling. Zero values fall back to defaults.
type Options struct {
	ReminderSlack time.Duration
	BatchSize     int
	Workers       int
	StoreTimeout  time.Duration // per store call
	Now           func() time.Time
}

// Dispatcher routes events. Safe for concurrent use.
type Dispatcher struct {
	runner    Runner
	moderator Moderator
	store     Store
	snapshots Snapshotter
	opts      Options
	logger    *slog.Logger
}

// New builds a dispatcher. snapshots may be nil when the trigger source never
// truncates payloads.
func New(runner Runner, moderator Moderator, st Store, snapshots Snapshotter, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.ReminderSlack <= 0 {
		opts.ReminderSlack = defaultSlack
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		runner:    runner,
		moderator: moderator,
		store:     st,
		snapshots: snapshots,
		opts:      opts,
		logger:    logger,
	}
}

// --------------------------------------------------------------------------
// Outcome
// --------------------------------------------------------------------------

// Outcome of handling one event. Exactly one of Delivery, Evaluation and
// Sweep is set unless Duplicate is true.
type Outcome struct {
	Kind       event.Kind
	SourceID   string
	Duplicate  bool
	Delivery   *delivery.Report
	Evaluation *moderation.Evaluation
	Sweep      *moderation.SweepResult
}

// Summary returns a human-readable summary.
func (o *Outcome) Summary() string {
	switch {
	case o.Duplicate:
		return fmt.Sprintf("%s %s: already processed", o.Kind, o.SourceID)
	case o.Delivery != nil:
		return o.Delivery.Summary()
	case o.Evaluation != nil:
		return o.Evaluation.Summary()
	case o.Sweep != nil:
		return o.Sweep.Summary()
	default:
		return fmt.Sprintf("%s %s: no-op", o.Kind, o.SourceID)
	}
}
