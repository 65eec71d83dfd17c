// Package moderation drives the automatic sanction state machine:
//
//	CLEAN -> MUTED (24h) -> SUSPENDED (7d)
//
// BANNED is applied and lifted by moderators only. Every transition is a
// conditional write on the status row, so duplicate or concurrent report
// triggers apply a transition at most once. The order is always status,
// then sanction, then notice: a failed status write leaves no sanction
// behind.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/scoracle-notify/internal/config"
	"github.com/albapepper/scoracle-notify/internal/delivery"
	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/ledger"
	"github.com/albapepper/scoracle-notify/internal/metrics"
	"github.com/albapepper/scoracle-notify/internal/model"
	"github.com/albapepper/scoracle-notify/internal/store"
)

// Store is the slice of the document store the state machine uses.
type Store interface {
	CountReportsAgainst(ctx context.Context, userID string) (int, error)
	GetModerationStatus(ctx context.Context, userID string) (model.ModerationStatus, error)
	SetReportCount(ctx context.Context, userID string, count int, now time.Time) error
	ApplyMute(ctx context.Context, u store.MuteUpdate) (bool, error)
	ApplySuspend(ctx context.Context, u store.SuspendUpdate) (bool, error)
	ApplyBan(ctx context.Context, userID string, now time.Time) (bool, error)
	LiftBan(ctx context.Context, userID string, now time.Time) (bool, error)
	InsertSanction(ctx context.Context, s model.Sanction) error
	ListSanctions(ctx context.Context, userID string) ([]model.Sanction, error)
	DeactivateSanctions(ctx context.Context, userID string, typ model.SanctionType) (int64, error)
	ClearExpiredMutes(ctx context.Context, now time.Time) (int64, error)
	ClearExpiredSuspensions(ctx context.Context, now time.Time) (int64, error)
	DeactivateExpiredSanctions(ctx context.Context, now time.Time) (int64, error)
}

// Notifier delivers a notice to users. delivery.Fanout implements it.
type Notifier interface {
	Run(ctx context.Context, n delivery.Notice, recipientIDs []string) (*delivery.Report, error)
}

// Policy holds the thresholds and durations.
type Policy struct {
	MuteThreshold    int
	SuspendThreshold int
	MuteDuration     time.Duration
	SuspendDuration  time.Duration
	StoreTimeout     time.Duration // per store or ledger call
}

// DefaultPolicy is 5 reports for a 24h mute and 10 for a 7 day suspension.
func DefaultPolicy() Policy {
	return Policy{
		MuteThreshold:    config.MuteThreshold,
		SuspendThreshold: config.SuspendThreshold,
		MuteDuration:     config.MuteDuration,
		SuspendDuration:  config.SuspendDuration,
		StoreTimeout:     5 * time.Second,
	}
}

// Machine is the moderation state machine.
type Machine struct {
	store    Store
	ledger   ledger.Ledger
	notifier Notifier
	policy   Policy
	now      func() time.Time
	logger   *slog.Logger
}

func New(st Store, l ledger.Ledger, notifier Notifier, policy Policy, now func() time.Time, logger *slog.Logger) *Machine {
	if now == nil {
		now = time.Now
	}
	if policy.StoreTimeout <= 0 {
		policy.StoreTimeout = 5 * time.Second
	}
	return &Machine{store: st, ledger: l, notifier: notifier, policy: policy, now: now, logger: logger}
}

// --------------------------------------------------------------------------
// Report evaluation
// --------------------------------------------------------------------------

// Evaluation is the outcome of one report.
type Evaluation struct {
	UserID      string
	ReportCount int
	Duplicate   bool
	Sanctions   []model.Sanction // issued by this evaluation
}

// Summary returns a human-readable summary.
func (e *Evaluation) Summary() string {
	if e.Duplicate {
		return fmt.Sprintf("report against %s already evaluated", e.UserID)
	}
	return fmt.Sprintf("user %s: %d reports, %d sanctions issued", e.UserID, e.ReportCount, len(e.Sanctions))
}

// OnReport re-evaluates the content owner's status after a report. The
// report count is recomputed from the reports collection rather than
// incremented, so a duplicate trigger cannot inflate it.
//
// Suspension is checked before mute. A single report that lifts the count
// from 9 to 10 therefore suspends directly instead of muting first and
// leaving an orphan mute sanction. The mute check still runs and is a
// no-op on a suspended user. The final status matches running mute first;
// the sanction history does not, as it holds no mute for such a jump.
func (m *Machine) OnReport(ctx context.Context, e event.ReportCreated) (*Evaluation, error) {
	owner := e.ContentOwnerID
	eval := &Evaluation{UserID: owner}

	key := ledger.EventKey(e.Kind(), e.SourceID())
	cctx, cancel := m.call(ctx)
	done, err := m.ledger.Exists(cctx, key)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dedup check %s: %w", key, err)
	}
	if done {
		eval.Duplicate = true
		return eval, nil
	}

	cctx, cancel = m.call(ctx)
	count, err := m.store.CountReportsAgainst(cctx, owner)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("count reports against %s: %w", owner, err)
	}
	eval.ReportCount = count

	now := m.now().UTC()
	cctx, cancel = m.call(ctx)
	err = m.store.SetReportCount(cctx, owner, count, now)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("set report count %s: %w", owner, err)
	}

	if count >= m.policy.SuspendThreshold {
		s, err := m.suspend(ctx, owner, count, now)
		if err != nil {
			return eval, err
		}
		if s != nil {
			eval.Sanctions = append(eval.Sanctions, *s)
		}
	}
	if count >= m.policy.MuteThreshold {
		s, err := m.mute(ctx, owner, count, now)
		if err != nil {
			return eval, err
		}
		if s != nil {
			eval.Sanctions = append(eval.Sanctions, *s)
		}
	}

	cctx, cancel = m.call(ctx)
	err = m.ledger.Record(cctx, ledger.NewRecord(key, len(eval.Sanctions), now))
	cancel()
	if err != nil {
		m.logger.Warn("Ledger write failed", "key", key, "error", err)
	}
	return eval, nil
}

func (m *Machine) mute(ctx context.Context, userID string, count int, now time.Time) (*model.Sanction, error) {
	until := now.Add(m.policy.MuteDuration)
	cctx, cancel := m.call(ctx)
	applied, err := m.store.ApplyMute(cctx, store.MuteUpdate{UserID: userID, ReportCount: count, Until: until, Now: now})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("apply mute %s: %w", userID, err)
	}
	if !applied {
		return nil, nil
	}
	return m.issue(ctx, model.Sanction{
		UserID:    userID,
		Type:      model.SanctionMute,
		Reason:    fmt.Sprintf("%d reports against content", count),
		IssuedAt:  now,
		ExpiresAt: &until,
	}, delivery.Notice{
		Title: "Account Muted",
		Body:  fmt.Sprintf("You have been muted for %s after multiple reports on your content.", humanize(m.policy.MuteDuration)),
	})
}

func (m *Machine) suspend(ctx context.Context, userID string, count int, now time.Time) (*model.Sanction, error) {
	until := now.Add(m.policy.SuspendDuration)
	cctx, cancel := m.call(ctx)
	applied, err := m.store.ApplySuspend(cctx, store.SuspendUpdate{UserID: userID, ReportCount: count, Until: until, Now: now})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("apply suspend %s: %w", userID, err)
	}
	if !applied {
		return nil, nil
	}
	return m.issue(ctx, model.Sanction{
		UserID:    userID,
		Type:      model.SanctionSuspend,
		Reason:    fmt.Sprintf("%d reports against content", count),
		IssuedAt:  now,
		ExpiresAt: &until,
	}, delivery.Notice{
		Title: "Account Suspended",
		Body:  fmt.Sprintf("Your account has been suspended for %s after repeated reports on your content.", humanize(m.policy.SuspendDuration)),
	})
}

// issue records the sanction and notifies its user. It runs only after the
// status write succeeded.
func (m *Machine) issue(ctx context.Context, s model.Sanction, n delivery.Notice) (*model.Sanction, error) {
	s.ID = uuid.NewString()
	s.IsActive = true
	cctx, cancel := m.call(ctx)
	err := m.store.InsertSanction(cctx, s)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("insert %s sanction %s: %w", s.Type, s.UserID, err)
	}
	metrics.Transitions.WithLabelValues(string(s.Type)).Inc()
	m.logger.Info("Sanction issued", "user_id", s.UserID, "type", s.Type, "sanction_id", s.ID, "expires_at", s.ExpiresAt)

	n.Kind = event.KindSanctionNotice
	n.SourceID = "sanction:" + s.ID
	n.Category = model.CategoryModeration
	n.ActionRef = "moderation/" + s.UserID
	n.Data = map[string]string{"sanction_id": s.ID, "sanction_type": string(s.Type)}
	if _, err := m.notifier.Run(ctx, n, []string{s.UserID}); err != nil {
		return &s, fmt.Errorf("notify %s sanction %s: %w", s.Type, s.UserID, err)
	}
	return &s, nil
}

// --------------------------------------------------------------------------
// Expiry sweep
// --------------------------------------------------------------------------

// SweepResult counts what one sweep cleared.
type SweepResult struct {
	Mutes       int64
	Suspensions int64
	Sanctions   int64
	Duration    time.Duration
}

// Summary returns a human-readable summary.
func (r *SweepResult) Summary() string {
	return fmt.Sprintf("sweep: %d mutes, %d suspensions lifted, %d sanctions deactivated in %s",
		r.Mutes, r.Suspensions, r.Sanctions, r.Duration.Round(time.Millisecond))
}

// Sweep lifts every mute and suspension whose end is at or before now and
// deactivates the matching sanctions. Each step is an independent
// idempotent update; a failed step does not stop the others.
func (m *Machine) Sweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	now := m.now().UTC()
	res := &SweepResult{}

	var errs []error
	steps := []struct {
		what string
		run  func(context.Context, time.Time) (int64, error)
		dst  *int64
	}{
		{"mutes", m.store.ClearExpiredMutes, &res.Mutes},
		{"suspensions", m.store.ClearExpiredSuspensions, &res.Suspensions},
		{"sanctions", m.store.DeactivateExpiredSanctions, &res.Sanctions},
	}
	for _, s := range steps {
		cctx, cancel := m.call(ctx)
		n, err := s.run(cctx, now)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", s.what, err))
			continue
		}
		*s.dst = n
		metrics.Expired.WithLabelValues(s.what).Add(float64(n))
	}

	res.Duration = time.Since(start)
	return res, errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Manual actions
// --------------------------------------------------------------------------

// Ban applies a permanent ban. Active mute and suspend sanctions are
// superseded and deactivated. Banning a banned user is a no-op.
func (m *Machine) Ban(ctx context.Context, userID, reason string) (*model.Sanction, error) {
	now := m.now().UTC()
	cctx, cancel := m.call(ctx)
	applied, err := m.store.ApplyBan(cctx, userID, now)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("apply ban %s: %w", userID, err)
	}
	if !applied {
		return nil, nil
	}
	for _, typ := range []model.SanctionType{model.SanctionMute, model.SanctionSuspend} {
		cctx, cancel := m.call(ctx)
		_, err := m.store.DeactivateSanctions(cctx, userID, typ)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("deactivate %s sanctions %s: %w", typ, userID, err)
		}
	}
	if reason == "" {
		reason = "manual ban"
	}
	return m.issue(ctx, model.Sanction{
		UserID:   userID,
		Type:     model.SanctionBan,
		Reason:   reason,
		IssuedAt: now,
	}, delivery.Notice{
		Title: "Account Banned",
		Body:  "Your account has been banned by a moderator.",
	})
}

// Unban lifts a ban and deactivates ban sanctions. It reports whether the
// user was banned.
func (m *Machine) Unban(ctx context.Context, userID string) (bool, error) {
	cctx, cancel := m.call(ctx)
	lifted, err := m.store.LiftBan(cctx, userID, m.now().UTC())
	cancel()
	if err != nil {
		return false, fmt.Errorf("lift ban %s: %w", userID, err)
	}
	if !lifted {
		return false, nil
	}
	cctx, cancel = m.call(ctx)
	_, err = m.store.DeactivateSanctions(cctx, userID, model.SanctionBan)
	cancel()
	if err != nil {
		return true, fmt.Errorf("deactivate ban sanctions %s: %w", userID, err)
	}
	metrics.Transitions.WithLabelValues("clean").Inc()
	m.logger.Info("Ban lifted", "user_id", userID)
	return true, nil
}

// Status returns a user's status and sanction history.
func (m *Machine) Status(ctx context.Context, userID string) (model.ModerationStatus, []model.Sanction, error) {
	cctx, cancel := m.call(ctx)
	defer cancel()
	st, err := m.store.GetModerationStatus(cctx, userID)
	if err != nil {
		return model.ModerationStatus{}, nil, fmt.Errorf("get moderation status %s: %w", userID, err)
	}
	sanctions, err := m.store.ListSanctions(cctx, userID)
	if err != nil {
		return model.ModerationStatus{}, nil, fmt.Errorf("list sanctions %s: %w", userID, err)
	}
	return st, sanctions, nil
}

// call bounds one store or ledger call.
func (m *Machine) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.policy.StoreTimeout)
}

func humanize(d time.Duration) string {
	if d%(24*time.Hour) == 0 && d >= 48*time.Hour {
		return fmt.Sprintf("%d days", int(d/(24*time.Hour)))
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	}
	return d.String()
}
