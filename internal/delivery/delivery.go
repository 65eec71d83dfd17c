// Package delivery is the delivery pipeline: for each eligible recipient it
// sends a push (when allowed), always writes the in-app record, clears
// tokens the provider rejects, and finally records the event in the
// idempotency ledger. Recipients are processed in parallel and a failure
// for one never affects another.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/albapepper/scoracle-notify/internal/eligibility"
	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/ledger"
	"github.com/albapepper/scoracle-notify/internal/metrics"
	"github.com/albapepper/scoracle-notify/internal/model"
	"github.com/albapepper/scoracle-notify/internal/push"
	"github.com/albapepper/scoracle-notify/internal/store"
)

// Notice is the content delivered for one event. Every recipient gets the
// same text.
type Notice struct {
	Kind      event.Kind
	SourceID  string
	Category  model.Category
	Title     string
	Body      string
	ActionRef string
	Data      map[string]string
	// RetryTransient leaves the dedup keys unwritten for a recipient whose
	// push failed transiently, and then the event key too, so a later pass
	// resends. The in-app record may be written again on that pass.
	RetryTransient bool
}

// NotificationStore persists in-app records.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n model.InAppNotification) error
}

// TokenClearer is the token health manager.
type TokenClearer interface {
	ClearToken(ctx context.Context, userID string) error
}

// Options tune the pipeline. Zero values fall back to defaults.
type Options struct {
	PushTimeout  time.Duration
	StoreTimeout time.Duration
	Workers      int
	Now          func() time.Time
}

// Pipeline is safe for concurrent use by independent invocations.
type Pipeline struct {
	sender push.Sender
	store  NotificationStore
	ledger ledger.Ledger
	tokens TokenClearer
	opts   Options
	logger *slog.Logger
}

func New(sender push.Sender, st NotificationStore, l ledger.Ledger, tokens TokenClearer, opts Options, logger *slog.Logger) *Pipeline {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 10 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{sender: sender, store: st, ledger: l, tokens: tokens, opts: opts, logger: logger}
}

// --------------------------------------------------------------------------
// Report
// --------------------------------------------------------------------------

// Report summarises one Deliver call.
type Report struct {
	Kind          event.Kind
	SourceID      string
	Recipients    int
	Skipped       int
	Pushed        int
	PushSkipped   int
	InvalidTokens int
	Transient     int
	InAppWritten  int
	InAppFailed   int
	LedgerFailed  int
	Duration      time.Duration
}

// Summary returns a human-readable summary.
func (r *Report) Summary() string {
	return fmt.Sprintf("%s %s: %d recipients (%d skipped), %d pushed, %d push skipped, %d invalid tokens, %d transient, %d in-app (%d failed) in %s",
		r.Kind, r.SourceID, r.Recipients, r.Skipped, r.Pushed, r.PushSkipped, r.InvalidTokens,
		r.Transient, r.InAppWritten, r.InAppFailed, r.Duration.Round(time.Millisecond))
}

func (r *Report) add(o outcome) {
	switch {
	case !o.pushed:
		r.PushSkipped++
	case o.push == push.Success:
		r.Pushed++
	case o.push == push.InvalidToken:
		r.InvalidTokens++
	default:
		r.Transient++
	}
	if o.inApp {
		r.InAppWritten++
	} else {
		r.InAppFailed++
	}
	if o.ledgerErr != nil {
		r.LedgerFailed++
	}
}

// outcome of one recipient.
type outcome struct {
	pushed    bool
	push      push.Outcome
	inApp     bool
	inAppErr  error
	ledgerErr error
}

// --------------------------------------------------------------------------
// Deliver
// --------------------------------------------------------------------------

// Deliver fans n out to recipients and then records the event key with the
// number of recipients reached. An empty recipient list only records the
// event as processed.
//
// Per-recipient failures are logged and counted, never returned. The one
// exception is an in-app write that failed with store.ErrUnavailable: the
// event key is then left unwritten and the error returned so the caller's
// infrastructure retries. Recipients already reached are protected from a
// resend by their own ledger keys.
func (p *Pipeline) Deliver(ctx context.Context, n Notice, recipients []eligibility.Recipient) (*Report, error) {
	start := time.Now()
	report := &Report{Kind: n.Kind, SourceID: n.SourceID, Recipients: len(recipients)}

	outcomes := make([]outcome, len(recipients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, r := range recipients {
		g.Go(func() error {
			outcomes[i] = p.deliverOne(gctx, n, r)
			return nil
		})
	}
	_ = g.Wait()

	var unavailable error
	for i, o := range outcomes {
		report.add(o)
		if errors.Is(o.inAppErr, store.ErrUnavailable) && unavailable == nil {
			unavailable = fmt.Errorf("deliver %s %s to %s: %w", n.Kind, n.SourceID, recipients[i].User.ID, o.inAppErr)
		}
	}
	report.Duration = time.Since(start)

	if unavailable != nil {
		return report, unavailable
	}
	if n.RetryTransient && report.Transient > 0 {
		p.logger.Info("Leaving event open for retry", "kind", n.Kind, "source_id", n.SourceID,
			"transient", report.Transient)
		return report, nil
	}

	key := ledger.EventKey(n.Kind, n.SourceID)
	if err := p.record(ctx, key, report.InAppWritten); err != nil {
		report.LedgerFailed++
		p.logger.Warn("Ledger write failed", "key", key, "error", err)
	}
	return report, nil
}

func (p *Pipeline) deliverOne(ctx context.Context, n Notice, r eligibility.Recipient) outcome {
	var o outcome
	userID := r.User.ID

	if r.PushAllowed {
		o.pushed = true
		begin := time.Now()
		res := push.WithTimeout(ctx, p.sender, p.opts.PushTimeout, r.User.PushToken, p.message(n))
		o.push = res.Outcome
		metrics.PushDuration.WithLabelValues(res.Outcome.String()).Observe(time.Since(begin).Seconds())
		metrics.PushTotal.WithLabelValues(string(n.Category), res.Outcome.String()).Inc()

		switch res.Outcome {
		case push.InvalidToken:
			if err := p.clearToken(ctx, userID); err != nil {
				p.logger.Warn("Token cleanup failed", "user_id", userID, "error", err)
			}
		case push.Transient:
			p.logger.Warn("Push failed", "kind", n.Kind, "source_id", n.SourceID,
				"user_id", userID, "error", res.Err)
		}
	}

	o.inAppErr = p.insert(ctx, n, userID)
	o.inApp = o.inAppErr == nil
	if !o.inApp {
		metrics.InAppTotal.WithLabelValues(string(n.Category), "failed").Inc()
		p.logger.Warn("In-app write failed", "kind", n.Kind, "source_id", n.SourceID,
			"user_id", userID, "error", o.inAppErr)
		return o
	}
	metrics.InAppTotal.WithLabelValues(string(n.Category), "written").Inc()

	if n.RetryTransient && o.pushed && o.push == push.Transient {
		return o
	}
	if err := p.record(ctx, r.Key, 1); err != nil {
		o.ledgerErr = err
		p.logger.Warn("Ledger write failed", "key", r.Key, "error", err)
	}
	return o
}

func (p *Pipeline) message(n Notice) push.Message {
	data := make(map[string]string, len(n.Data)+2)
	for k, v := range n.Data {
		data[k] = v
	}
	data["category"] = string(n.Category)
	if n.ActionRef != "" {
		data["action_ref"] = n.ActionRef
	}
	return push.Message{Title: n.Title, Body: n.Body, Data: data}
}

func (p *Pipeline) insert(ctx context.Context, n Notice, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()
	return p.store.InsertNotification(ctx, model.InAppNotification{
		ID:          uuid.NewString(),
		RecipientID: userID,
		Title:       n.Title,
		Body:        n.Body,
		Category:    n.Category,
		ActionRef:   n.ActionRef,
		CreatedAt:   p.opts.Now().UTC(),
	})
}

func (p *Pipeline) clearToken(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()
	return p.tokens.ClearToken(ctx, userID)
}

func (p *Pipeline) record(ctx context.Context, key string, count int) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()
	return p.ledger.Record(ctx, ledger.NewRecord(key, count, p.opts.Now()))
}
