package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/store"
)

// ReminderResult summarises one polling pass.
type ReminderResult struct {
	Due        int
	Sent       int
	Duplicates int
	Retrying   int // push failed transiently; left unsent for the next pass
	Failed     int
	Window     [2]time.Time
	Duration   time.Duration
}

// Summary returns a human-readable summary.
func (r *ReminderResult) Summary() string {
	return fmt.Sprintf("reminders %s..%s: %d due, %d sent, %d duplicates, %d retrying, %d failed in %s",
		r.Window[0].Format(time.RFC3339), r.Window[1].Format(time.RFC3339),
		r.Due, r.Sent, r.Duplicates, r.Retrying, r.Failed, r.Duration.Round(time.Millisecond))
}

// PollReminders delivers every unsent reminder whose remind-at instant lies
// in [now-slack, now] and marks it sent. The lower bound keeps a restart
// from replaying reminders that are long past; anything missed for less
// than the slack is still caught up.
//
// A reminder that fails, or whose push failed transiently, stays unsent and
// is retried on the next pass while it is inside the window. Store unavailability on the initial query fails
// the pass.
func (d *Dispatcher) PollReminders(ctx context.Context) (*ReminderResult, error) {
	start := time.Now()
	now := d.opts.Now().UTC()
	from := now.Add(-d.opts.ReminderSlack)
	res := &ReminderResult{Window: [2]time.Time{from, now}}

	qctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	due, err := d.store.DueReminders(qctx, from, now, d.opts.BatchSize)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	res.Due = len(due)

	var (
		mu          sync.Mutex
		g           errgroup.Group
		unavailable error
	)
	g.SetLimit(d.opts.Workers)

	for _, r := range due {
		g.Go(func() error {
			out, err := d.Handle(ctx, event.ReminderDue{Reminder: r})
			retry := err == nil && out.Delivery != nil && out.Delivery.Transient > 0
			if err == nil && !retry {
				err = d.markSent(ctx, r.ID)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed++
				d.logger.Warn("Reminder failed", "reminder_id", r.ID, "user_id", r.UserID, "error", err)
				if errors.Is(err, store.ErrUnavailable) && unavailable == nil {
					unavailable = err
				}
			case retry:
				res.Retrying++
			case out.Duplicate:
				res.Duplicates++
			default:
				res.Sent++
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	return res, unavailable
}

func (d *Dispatcher) markSent(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	defer cancel()
	if err := d.store.MarkReminderSent(ctx, id, d.opts.Now().UTC()); err != nil {
		return fmt.Errorf("mark reminder %s sent: %w", id, err)
	}
	return nil
}
