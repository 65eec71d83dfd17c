package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/albapepper/scoracle-notify/internal/delivery"
	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/metrics"
	"github.com/albapepper/scoracle-notify/internal/store"
)

// Handle processes one event. The returned error is non-nil only when the
// invocation as a whole failed and should be retried by the caller.
func (d *Dispatcher) Handle(ctx context.Context, e event.Event) (*Outcome, error) {
	if err := e.Validate(); err != nil {
		d.count(e.Kind(), "invalid")
		return nil, err
	}

	out := &Outcome{Kind: e.Kind(), SourceID: e.SourceID()}
	var err error
	switch ev := e.(type) {
	case event.ReminderDue:
		err = d.deliver(ctx, out, reminderNotice(ev, d.location(ctx, ev.Reminder.UserID)), []string{ev.Reminder.UserID})
	case event.InviteCreated:
		err = d.deliver(ctx, out, inviteNotice(ev), ev.Recipients())
	case event.MessageCreated:
		err = d.deliver(ctx, out, messageNotice(ev), ev.Recipients())
	case event.FriendRequestCreated:
		err = d.deliver(ctx, out, friendRequestNotice(ev), []string{ev.RecipientID})
	case event.ReportCreated:
		out.Evaluation, err = d.moderator.OnReport(ctx, ev)
		if out.Evaluation != nil && out.Evaluation.Duplicate {
			out.Duplicate = true
		}
	case event.SanctionExpirySweep:
		out.Sweep, err = d.moderator.Sweep(ctx)
	default:
		err = fmt.Errorf("%w: unhandled kind %s", event.ErrInvalidEvent, e.Kind())
	}

	if err != nil {
		d.count(e.Kind(), "failed")
		return out, fmt.Errorf("handle %s %s: %w", e.Kind(), e.SourceID(), err)
	}
	if out.Duplicate {
		d.count(e.Kind(), "duplicate")
	} else {
		d.count(e.Kind(), "handled")
	}
	d.logger.Info("Event handled", "kind", e.Kind(), "source_id", e.SourceID(), "summary", out.Summary())
	return out, nil
}

func (d *Dispatcher) deliver(ctx context.Context, out *Outcome, n delivery.Notice, recipients []string) error {
	report, err := d.runner.Run(ctx, n, recipients)
	if report == nil && err == nil {
		out.Duplicate = true
	}
	out.Delivery = report
	return err
}

// location resolves a recipient's timezone for message text. Lookup
// failures fall back to UTC; the eligibility filter reports them properly.
func (d *Dispatcher) location(ctx context.Context, userID string) *time.Location {
	ctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	defer cancel()
	u, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return time.UTC
	}
	return u.Location()
}

// HandleChange converts a trigger-source change into an event and handles
// it. Ignored and malformed changes are logged and dropped, since retrying
// them cannot succeed.
func (d *Dispatcher) HandleChange(ctx context.Context, c event.Change) (*Outcome, error) {
	if c.Truncated && c.Op == event.OpInsert {
		if d.snapshots == nil {
			d.logger.Warn("Truncated change without snapshot source", "collection", c.Collection, "id", c.ID)
			return nil, nil
		}
		sctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
		after, err := d.snapshots.Snapshot(sctx, c.Collection, c.ID)
		cancel()
		switch {
		case errors.Is(err, store.ErrNotFound):
			d.logger.Warn("Changed document no longer exists", "collection", c.Collection, "id", c.ID)
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("reload %s %s: %w", c.Collection, c.ID, err)
		}
		c.After = after
	}

	e, err := event.FromChange(c)
	switch {
	case errors.Is(err, event.ErrIgnored):
		return nil, nil
	case errors.Is(err, event.ErrInvalidEvent):
		d.count(event.Kind(c.Collection), "invalid")
		d.logger.Warn("Dropping invalid change", "collection", c.Collection, "id", c.ID, "error", err)
		return nil, nil
	case err != nil:
		return nil, err
	}
	return d.Handle(ctx, e)
}

// --------------------------------------------------------------------------
// Batches
// --------------------------------------------------------------------------

// BatchResult summarises a batch. Errors holds one entry per failed event.
type BatchResult struct {
	Handled    int
	Duplicates int
	Failed     int
	Errors     []error
}

// Summary returns a human-readable summary.
func (r *BatchResult) Summary() string {
	return fmt.Sprintf("%d handled, %d duplicates, %d failed", r.Handled, r.Duplicates, r.Failed)
}

// Err joins the per-event errors.
func (r *BatchResult) Err() error {
	return errors.Join(r.Errors...)
}

// HandleBatch handles events concurrently with all-settled semantics: a
// failing event never stops the others.
func (d *Dispatcher) HandleBatch(ctx context.Context, events []event.Event) *BatchResult {
	var (
		mu  sync.Mutex
		res BatchResult
		g   errgroup.Group
	)
	g.SetLimit(d.opts.Workers)

	for _, e := range events {
		g.Go(func() error {
			out, err := d.Handle(ctx, e)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed++
				res.Errors = append(res.Errors, err)
				d.logger.Warn("Event failed", "kind", e.Kind(), "source_id", e.SourceID(), "error", err)
			case out.Duplicate:
				res.Duplicates++
			default:
				res.Handled++
			}
			return nil
		})
	}
	_ = g.Wait()
	return &res
}

func (d *Dispatcher) count(kind event.Kind, outcome string) {
	metrics.EventsTotal.WithLabelValues(string(kind), outcome).Inc()
}
