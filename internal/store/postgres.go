package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/model"
)

// Postgres implements the document store on the notifier schema. The pool
// must come from db.New so the named statements are prepared.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a prepared pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return classify("ping", p.pool.Ping(ctx))
}

// --------------------------------------------------------------------------
// Users and preferences
// --------------------------------------------------------------------------

func (p *Postgres) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := p.pool.QueryRow(ctx, "get_user", id).Scan(&u.ID, &u.PushToken, &u.Timezone)
	if err != nil {
		return model.User{}, classify("get user "+id, err)
	}
	return u, nil
}

// GetPreference returns the user's preference row, or an all-enabled
// preference when none exists.
func (p *Postgres) GetPreference(ctx context.Context, userID string) (model.Preference, error) {
	var (
		disabled   []string
		start, end *string
	)
	err := p.pool.QueryRow(ctx, "get_preference", userID).Scan(&disabled, &start, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Preference{UserID: userID}, nil
	}
	if err != nil {
		return model.Preference{}, classify("get preference "+userID, err)
	}

	pref := model.Preference{UserID: userID, Disabled: make(map[model.Category]bool, len(disabled))}
	for _, c := range disabled {
		pref.Disabled[model.Category(c)] = true
	}
	if start != nil && end != nil {
		q, err := model.ParseQuietHours(*start, *end)
		if err != nil {
			return model.Preference{}, fmt.Errorf("preference %s: %w", userID, err)
		}
		pref.QuietHours = q
	}
	return pref, nil
}

func (p *Postgres) ClearPushToken(ctx context.Context, userID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, "clear_push_token", userID)
	if err != nil {
		return false, classify("clear push token", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --------------------------------------------------------------------------
// In-app notifications
// --------------------------------------------------------------------------

func (p *Postgres) InsertNotification(ctx context.Context, n model.InAppNotification) error {
	_, err := p.pool.Exec(ctx, "insert_notification",
		n.ID, n.RecipientID, n.Title, n.Body, string(n.Category), n.ActionRef, n.IsRead, n.CreatedAt)
	return classify("insert notification", err)
}

func (p *Postgres) PurgeReadNotifications(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM notifications
		WHERE is_read AND created_at < $1`, before)
	if err != nil {
		return 0, classify("purge notifications", err)
	}
	return tag.RowsAffected(), nil
}

// --------------------------------------------------------------------------
// Ledger
// --------------------------------------------------------------------------

func (p *Postgres) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	if err := p.pool.QueryRow(ctx, "ledger_exists", key).Scan(&ok); err != nil {
		return false, classify("ledger exists", err)
	}
	return ok, nil
}

func (p *Postgres) Record(ctx context.Context, rec model.DeliveryRecord) error {
	_, err := p.pool.Exec(ctx, "ledger_record", rec.Key, rec.RecipientCount, rec.ProcessedAt)
	return classify("ledger record", err)
}

func (p *Postgres) PurgeLedger(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM delivery_ledger WHERE processed_at < $1`, before)
	if err != nil {
		return 0, classify("purge ledger", err)
	}
	return tag.RowsAffected(), nil
}

// --------------------------------------------------------------------------
// Reminders
// --------------------------------------------------------------------------

// DueReminders returns unsent reminders whose remind_at lies in [from, to].
func (p *Postgres) DueReminders(ctx context.Context, from, to time.Time, limit int) ([]model.Reminder, error) {
	if limit <= 0 {
		limit = DefaultReminderBatch
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, match_id, match_name, match_time, remind_at, is_sent
		FROM reminders
		WHERE NOT is_sent AND remind_at >= $1 AND remind_at <= $2
		ORDER BY remind_at
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, classify("due reminders", err)
	}
	defer rows.Close()

	var due []model.Reminder
	for rows.Next() {
		var r model.Reminder
		if err := rows.Scan(&r.ID, &r.UserID, &r.MatchID, &r.MatchName, &r.MatchTime, &r.RemindAt, &r.IsSent); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		due = append(due, r)
	}
	return due, classify("due reminders", rows.Err())
}

func (p *Postgres) MarkReminderSent(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE reminders SET is_sent = true, sent_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return classify("mark reminder sent", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	return nil
}

// --------------------------------------------------------------------------
// Moderation
// --------------------------------------------------------------------------

func (p *Postgres) CountReportsAgainst(ctx context.Context, userID string) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, "count_reports_against", userID).Scan(&n); err != nil {
		return 0, classify("count reports", err)
	}
	return n, nil
}

// GetModerationStatus returns a clean status when the user has no document.
func (p *Postgres) GetModerationStatus(ctx context.Context, userID string) (model.ModerationStatus, error) {
	var s model.ModerationStatus
	err := p.pool.QueryRow(ctx, "get_moderation_status", userID).Scan(
		&s.UserID, &s.ReportCount, &s.IsMuted, &s.MutedUntil,
		&s.IsSuspended, &s.SuspendedUntil, &s.IsBanned, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ModerationStatus{UserID: userID}, nil
	}
	if err != nil {
		return model.ModerationStatus{}, classify("get moderation status", err)
	}
	return s, nil
}

func (p *Postgres) SetReportCount(ctx context.Context, userID string, count int, now time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO moderation_status (user_id, report_count, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET report_count = EXCLUDED.report_count, updated_at = EXCLUDED.updated_at`,
		userID, count, now)
	return classify("set report count", err)
}

// ApplyMute mutes the user unless they are already muted, suspended or banned.
func (p *Postgres) ApplyMute(ctx context.Context, u MuteUpdate) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO moderation_status (user_id, report_count, is_muted, muted_until, updated_at)
		VALUES ($1, $2, true, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET report_count = EXCLUDED.report_count,
			is_muted = true,
			muted_until = EXCLUDED.muted_until,
			updated_at = EXCLUDED.updated_at
		WHERE NOT moderation_status.is_muted
		  AND NOT moderation_status.is_suspended
		  AND NOT moderation_status.is_banned`,
		u.UserID, u.ReportCount, u.Until, u.Now)
	if err != nil {
		return false, classify("apply mute", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplySuspend suspends the user and clears any mute, unless they are
// already suspended or banned.
func (p *Postgres) ApplySuspend(ctx context.Context, u SuspendUpdate) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO moderation_status (user_id, report_count, is_suspended, suspended_until, updated_at)
		VALUES ($1, $2, true, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET report_count = EXCLUDED.report_count,
			is_muted = false,
			muted_until = NULL,
			is_suspended = true,
			suspended_until = EXCLUDED.suspended_until,
			updated_at = EXCLUDED.updated_at
		WHERE NOT moderation_status.is_suspended
		  AND NOT moderation_status.is_banned`,
		u.UserID, u.ReportCount, u.Until, u.Now)
	if err != nil {
		return false, classify("apply suspend", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ApplyBan(ctx context.Context, userID string, now time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO moderation_status (user_id, is_banned, updated_at)
		VALUES ($1, true, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET is_muted = false, muted_until = NULL,
			is_suspended = false, suspended_until = NULL,
			is_banned = true,
			updated_at = EXCLUDED.updated_at
		WHERE NOT moderation_status.is_banned`,
		userID, now)
	if err != nil {
		return false, classify("apply ban", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) LiftBan(ctx context.Context, userID string, now time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE moderation_status SET is_banned = false, updated_at = $2
		WHERE user_id = $1 AND is_banned`, userID, now)
	if err != nil {
		return false, classify("lift ban", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) InsertSanction(ctx context.Context, s model.Sanction) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sanctions (id, user_id, type, reason, issued_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.UserID, string(s.Type), s.Reason, s.IssuedAt, s.ExpiresAt, s.IsActive)
	return classify("insert sanction", err)
}

func (p *Postgres) ListSanctions(ctx context.Context, userID string) ([]model.Sanction, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id::text, user_id, type, reason, issued_at, expires_at, is_active
		FROM sanctions WHERE user_id = $1
		ORDER BY issued_at`, userID)
	if err != nil {
		return nil, classify("list sanctions", err)
	}
	defer rows.Close()

	var out []model.Sanction
	for rows.Next() {
		var (
			s   model.Sanction
			typ string
		)
		if err := rows.Scan(&s.ID, &s.UserID, &typ, &s.Reason, &s.IssuedAt, &s.ExpiresAt, &s.IsActive); err != nil {
			return nil, fmt.Errorf("scan sanction: %w", err)
		}
		s.Type = model.SanctionType(typ)
		out = append(out, s)
	}
	return out, classify("list sanctions", rows.Err())
}

func (p *Postgres) DeactivateSanctions(ctx context.Context, userID string, typ model.SanctionType) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sanctions SET is_active = false
		WHERE user_id = $1 AND type = $2 AND is_active`, userID, string(typ))
	if err != nil {
		return 0, classify("deactivate sanctions", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) ClearExpiredMutes(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE moderation_status
		SET is_muted = false, muted_until = NULL, updated_at = $1
		WHERE is_muted AND muted_until <= $1`, now)
	if err != nil {
		return 0, classify("clear expired mutes", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) ClearExpiredSuspensions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE moderation_status
		SET is_suspended = false, suspended_until = NULL, updated_at = $1
		WHERE is_suspended AND suspended_until <= $1`, now)
	if err != nil {
		return 0, classify("clear expired suspensions", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) DeactivateExpiredSanctions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sanctions SET is_active = false
		WHERE is_active AND expires_at <= $1`, now)
	if err != nil {
		return 0, classify("deactivate expired sanctions", err)
	}
	return tag.RowsAffected(), nil
}

// --------------------------------------------------------------------------
// Change snapshots
// --------------------------------------------------------------------------

var snapshotQueries = map[string]string{
	event.CollectionInvites:        "SELECT row_to_json(t) FROM invites t WHERE id = $1",
	event.CollectionMessages:       "SELECT row_to_json(t) FROM messages t WHERE id = $1",
	event.CollectionFriendRequests: "SELECT row_to_json(t) FROM friend_requests t WHERE id = $1",
	event.CollectionReports:        "SELECT row_to_json(t) FROM reports t WHERE id = $1",
}

// Snapshot reloads a watched document as JSON, for changes whose payload was
// too large for pg_notify.
func (p *Postgres) Snapshot(ctx context.Context, collection, id string) (json.RawMessage, error) {
	q, ok := snapshotQueries[collection]
	if !ok {
		return nil, fmt.Errorf("snapshot: unknown collection %q", collection)
	}
	var raw []byte
	if err := p.pool.QueryRow(ctx, q, id).Scan(&raw); err != nil {
		return nil, classify("snapshot "+collection, err)
	}
	return raw, nil
}

// --------------------------------------------------------------------------
// Error classification
// --------------------------------------------------------------------------

// classify maps driver errors onto ErrNotFound and ErrUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
