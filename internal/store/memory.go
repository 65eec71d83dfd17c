package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/albapepper/scoracle-notify/internal/model"
)

// Memory is an in-process store. Safe for concurrent use.
type Memory struct {
	mu            sync.Mutex
	users         map[string]model.User
	prefs         map[string]model.Preference
	reminders     map[string]model.Reminder
	reports       map[string]map[string]struct{} // owner -> report ids
	notifications []model.InAppNotification
	ledger        map[string]model.DeliveryRecord
	status        map[string]model.ModerationStatus
	sanctions     []model.Sanction
	failures      map[string]error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]model.User),
		prefs:     make(map[string]model.Preference),
		reminders: make(map[string]model.Reminder),
		reports:   make(map[string]map[string]struct{}),
		ledger:    make(map[string]model.DeliveryRecord),
		status:    make(map[string]model.ModerationStatus),
		failures:  make(map[string]error),
	}
}

// Fail makes every later call of the named method return err. A nil err
// clears the failure.
func (m *Memory) Fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

func (m *Memory) fail(method string) error {
	return m.failures[method]
}

// --------------------------------------------------------------------------
// Seeding
// --------------------------------------------------------------------------

func (m *Memory) PutUser(u model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) PutPreference(p model.Preference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[p.UserID] = p
}

func (m *Memory) PutReminder(r model.Reminder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders[r.ID] = r
}

// AddReport records a report document against owner.
func (m *Memory) AddReport(reportID, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reports[owner] == nil {
		m.reports[owner] = make(map[string]struct{})
	}
	m.reports[owner][reportID] = struct{}{}
}

func (m *Memory) PutModerationStatus(s model.ModerationStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[s.UserID] = s
}

// --------------------------------------------------------------------------
// Users and preferences
// --------------------------------------------------------------------------

func (m *Memory) GetUser(ctx context.Context, id string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetUser"); err != nil {
		return model.User{}, err
	}
	u, ok := m.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (m *Memory) GetPreference(ctx context.Context, userID string) (model.Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPreference"); err != nil {
		return model.Preference{}, err
	}
	p, ok := m.prefs[userID]
	if !ok {
		return model.Preference{UserID: userID}, nil
	}
	return p, nil
}

func (m *Memory) ClearPushToken(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ClearPushToken"); err != nil {
		return false, err
	}
	u, ok := m.users[userID]
	if !ok || u.PushToken == "" {
		return false, nil
	}
	u.PushToken = ""
	m.users[userID] = u
	return true, nil
}

// --------------------------------------------------------------------------
// In-app notifications
// --------------------------------------------------------------------------

func (m *Memory) InsertNotification(ctx context.Context, n model.InAppNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertNotification"); err != nil {
		return err
	}
	m.notifications = append(m.notifications, n)
	return nil
}

// Notifications returns the in-app history of a user, oldest first.
func (m *Memory) Notifications(userID string) []model.InAppNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.InAppNotification
	for _, n := range m.notifications {
		if n.RecipientID == userID {
			out = append(out, n)
		}
	}
	return out
}

// MarkRead flips IsRead on one notification.
func (m *Memory) MarkRead(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		if m.notifications[i].ID == id {
			m.notifications[i].IsRead = true
		}
	}
}

func (m *Memory) PurgeReadNotifications(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PurgeReadNotifications"); err != nil {
		return 0, err
	}
	kept := m.notifications[:0]
	var purged int64
	for _, n := range m.notifications {
		if n.IsRead && n.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, n)
	}
	m.notifications = kept
	return purged, nil
}

// --------------------------------------------------------------------------
// Ledger
// --------------------------------------------------------------------------

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Exists"); err != nil {
		return false, err
	}
	_, ok := m.ledger[key]
	return ok, nil
}

func (m *Memory) Record(ctx context.Context, rec model.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Record"); err != nil {
		return err
	}
	if _, ok := m.ledger[rec.Key]; !ok {
		m.ledger[rec.Key] = rec
	}
	return nil
}

// LedgerEntry returns a ledger entry for assertions.
func (m *Memory) LedgerEntry(key string) (model.DeliveryRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.ledger[key]
	return rec, ok
}

func (m *Memory) PurgeLedger(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PurgeLedger"); err != nil {
		return 0, err
	}
	var purged int64
	for k, rec := range m.ledger {
		if rec.ProcessedAt.Before(before) {
			delete(m.ledger, k)
			purged++
		}
	}
	return purged, nil
}

// --------------------------------------------------------------------------
// Reminders
// --------------------------------------------------------------------------

func (m *Memory) DueReminders(ctx context.Context, from, to time.Time, limit int) ([]model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DueReminders"); err != nil {
		return nil, err
	}
	var due []model.Reminder
	for _, r := range m.reminders {
		if r.IsSent || r.RemindAt.Before(from) || r.RemindAt.After(to) {
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RemindAt.Before(due[j].RemindAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) MarkReminderSent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkReminderSent"); err != nil {
		return err
	}
	r, ok := m.reminders[id]
	if !ok {
		return fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	r.IsSent = true
	m.reminders[id] = r
	return nil
}

// Reminder returns a reminder for assertions.
func (m *Memory) Reminder(id string) (model.Reminder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	return r, ok
}

// --------------------------------------------------------------------------
// Moderation
// --------------------------------------------------------------------------

func (m *Memory) CountReportsAgainst(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CountReportsAgainst"); err != nil {
		return 0, err
	}
	return len(m.reports[userID]), nil
}

func (m *Memory) GetModerationStatus(ctx context.Context, userID string) (model.ModerationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetModerationStatus"); err != nil {
		return model.ModerationStatus{}, err
	}
	s, ok := m.status[userID]
	if !ok {
		return model.ModerationStatus{UserID: userID}, nil
	}
	return s, nil
}

func (m *Memory) SetReportCount(ctx context.Context, userID string, count int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetReportCount"); err != nil {
		return err
	}
	s := m.statusLocked(userID)
	s.ReportCount = count
	s.UpdatedAt = now
	m.status[userID] = s
	return nil
}

func (m *Memory) ApplyMute(ctx context.Context, u MuteUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ApplyMute"); err != nil {
		return false, err
	}
	s := m.statusLocked(u.UserID)
	if s.IsMuted || s.IsSuspended || s.IsBanned {
		return false, nil
	}
	until := u.Until
	s.ReportCount = u.ReportCount
	s.IsMuted = true
	s.MutedUntil = &until
	s.UpdatedAt = u.Now
	m.status[u.UserID] = s
	return true, nil
}

func (m *Memory) ApplySuspend(ctx context.Context, u SuspendUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ApplySuspend"); err != nil {
		return false, err
	}
	s := m.statusLocked(u.UserID)
	if s.IsSuspended || s.IsBanned {
		return false, nil
	}
	until := u.Until
	s.ReportCount = u.ReportCount
	s.IsMuted = false
	s.MutedUntil = nil
	s.IsSuspended = true
	s.SuspendedUntil = &until
	s.UpdatedAt = u.Now
	m.status[u.UserID] = s
	return true, nil
}

func (m *Memory) ApplyBan(ctx context.Context, userID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ApplyBan"); err != nil {
		return false, err
	}
	s := m.statusLocked(userID)
	if s.IsBanned {
		return false, nil
	}
	s.IsMuted, s.MutedUntil = false, nil
	s.IsSuspended, s.SuspendedUntil = false, nil
	s.IsBanned = true
	s.UpdatedAt = now
	m.status[userID] = s
	return true, nil
}

func (m *Memory) LiftBan(ctx context.Context, userID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LiftBan"); err != nil {
		return false, err
	}
	s, ok := m.status[userID]
	if !ok || !s.IsBanned {
		return false, nil
	}
	s.IsBanned = false
	s.UpdatedAt = now
	m.status[userID] = s
	return true, nil
}

func (m *Memory) InsertSanction(ctx context.Context, s model.Sanction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertSanction"); err != nil {
		return err
	}
	m.sanctions = append(m.sanctions, s)
	return nil
}

func (m *Memory) ListSanctions(ctx context.Context, userID string) ([]model.Sanction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListSanctions"); err != nil {
		return nil, err
	}
	var out []model.Sanction
	for _, s := range m.sanctions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) DeactivateSanctions(ctx context.Context, userID string, typ model.SanctionType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DeactivateSanctions"); err != nil {
		return 0, err
	}
	var n int64
	for i := range m.sanctions {
		s := &m.sanctions[i]
		if s.UserID == userID && s.Type == typ && s.IsActive {
			s.IsActive = false
			n++
		}
	}
	return n, nil
}

func (m *Memory) ClearExpiredMutes(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ClearExpiredMutes"); err != nil {
		return 0, err
	}
	var n int64
	for id, s := range m.status {
		if s.IsMuted && s.MutedUntil != nil && !s.MutedUntil.After(now) {
			s.IsMuted, s.MutedUntil = false, nil
			s.UpdatedAt = now
			m.status[id] = s
			n++
		}
	}
	return n, nil
}

func (m *Memory) ClearExpiredSuspensions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ClearExpiredSuspensions"); err != nil {
		return 0, err
	}
	var n int64
	for id, s := range m.status {
		if s.IsSuspended && s.SuspendedUntil != nil && !s.SuspendedUntil.After(now) {
			s.IsSuspended, s.SuspendedUntil = false, nil
			s.UpdatedAt = now
			m.status[id] = s
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeactivateExpiredSanctions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DeactivateExpiredSanctions"); err != nil {
		return 0, err
	}
	var n int64
	for i := range m.sanctions {
		s := &m.sanctions[i]
		if s.IsActive && s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
			s.IsActive = false
			n++
		}
	}
	return n, nil
}

func (m *Memory) statusLocked(userID string) model.ModerationStatus {
	s, ok := m.status[userID]
	if !ok {
		s = model.ModerationStatus{UserID: userID}
	}
	return s
}
