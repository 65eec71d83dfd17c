// Package eligibility decides, per recipient, whether a notification may be
// delivered. Checks run in a fixed order: dedup, then preference, then quiet
// hours. Only the last one is partial: a recipient inside quiet hours still
// gets the in-app record, just no push.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/ledger"
	"github.com/albapepper/scoracle-notify/internal/metrics"
	"github.com/albapepper/scoracle-notify/internal/model"
	"github.com/albapepper/scoracle-notify/internal/store"
)

// Skip reasons.
const (
	SkipDuplicate   = "duplicate"
	SkipDisabled    = "disabled"
	SkipUnknownUser = "unknown_user"
)

// UserStore is the slice of the document store the filter reads.
type UserStore interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	GetPreference(ctx context.Context, userID string) (model.Preference, error)
}

// Recipient is an eligible recipient. PushAllowed is false inside quiet
// hours or when the user has no token.
type Recipient struct {
	User        model.User
	Key         string
	PushAllowed bool
	Quiet       bool
}

// Result of filtering one event's recipients.
type Result struct {
	Eligible []Recipient
	Skipped  map[string]string // recipient id -> reason
}

// Filter is the eligibility filter.
type Filter struct {
	ledger ledger.Ledger
	users  UserStore
	now    func() time.Time
	logger *slog.Logger
}

func New(l ledger.Ledger, users UserStore, now func() time.Time, logger *slog.Logger) *Filter {
	if now == nil {
		now = time.Now
	}
	return &Filter{ledger: l, users: users, now: now, logger: logger}
}

// Apply returns the recipients of (kind, sourceID) that may receive a
// notification of category. Duplicate recipient ids are collapsed. Ledger
// and store errors, other than a missing user, abort the whole call.
func (f *Filter) Apply(ctx context.Context, kind event.Kind, sourceID string, category model.Category, recipientIDs []string) (Result, error) {
	res := Result{Skipped: make(map[string]string)}
	now := f.now()
	seen := make(map[string]bool, len(recipientIDs))

	for _, id := range recipientIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		r, reason, err := f.check(ctx, kind, sourceID, category, id, now)
		if err != nil {
			return Result{}, err
		}
		if reason != "" {
			res.Skipped[id] = reason
			metrics.SkippedTotal.WithLabelValues(reason).Inc()
			f.logger.Debug("Recipient skipped",
				"kind", kind, "source_id", sourceID, "user_id", id, "reason", reason)
			continue
		}
		res.Eligible = append(res.Eligible, r)
	}
	return res, nil
}

func (f *Filter) check(ctx context.Context, kind event.Kind, sourceID string, category model.Category, userID string, now time.Time) (Recipient, string, error) {
	key := ledger.RecipientKey(kind, sourceID, userID)
	done, err := f.ledger.Exists(ctx, key)
	if err != nil {
		return Recipient{}, "", fmt.Errorf("dedup check %s: %w", key, err)
	}
	if done {
		return Recipient{}, SkipDuplicate, nil
	}

	user, err := f.users.GetUser(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Recipient{}, SkipUnknownUser, nil
	case err != nil:
		return Recipient{}, "", fmt.Errorf("load recipient %s: %w", userID, err)
	}

	pref, err := f.users.GetPreference(ctx, userID)
	if err != nil {
		return Recipient{}, "", fmt.Errorf("load preference %s: %w", userID, err)
	}
	if !pref.Enabled(category) {
		return Recipient{}, SkipDisabled, nil
	}

	quiet := InQuietHours(pref, user, now)
	return Recipient{
		User:        user,
		Key:         key,
		PushAllowed: !quiet && user.PushToken != "",
		Quiet:       quiet,
	}, "", nil
}

// InQuietHours reports whether now, in the user's timezone, falls inside the
// user's quiet-hours window.
func InQuietHours(pref model.Preference, user model.User, now time.Time) bool {
	if pref.QuietHours == nil {
		return false
	}
	return pref.QuietHours.Contains(model.ClockOf(now.In(user.Location())))
}
