package maintenance

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/model"
	"github.com/albapepper/scoracle-notify/internal/notifications"
	"github.com/albapepper/scoracle-notify/internal/store"
)

var t0 = time.Date(2026, 7, 1, 4, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	polls  atomic.Int32
	sweeps atomic.Int32
	lastAt atomic.Value
}

func (d *fakeDispatcher) PollReminders(context.Context) (*notifications.ReminderResult, error) {
	d.polls.Add(1)
	return &notifications.ReminderResult{}, nil
}

func (d *fakeDispatcher) Handle(_ context.Context, e event.Event) (*notifications.Outcome, error) {
	if s, ok := e.(event.SanctionExpirySweep); ok {
		d.sweeps.Add(1)
		d.lastAt.Store(s.At)
	}
	return &notifications.Outcome{}, nil
}

func tasks(d Dispatcher, p Purger) Tasks {
	return Tasks{
		Dispatcher: d,
		Purger:     p,
		Now:        func() time.Time { return t0 },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestSweepPassesClock(t *testing.T) {
	d := &fakeDispatcher{}
	require.NoError(t, tasks(d, nil).Sweep(context.Background()))
	assert.EqualValues(t, 1, d.sweeps.Load())
	assert.Equal(t, t0, d.lastAt.Load())
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	old := t0.Add(-31 * 24 * time.Hour)
	require.NoError(t, mem.Record(ctx, model.DeliveryRecord{Key: "old", ProcessedAt: old}))
	require.NoError(t, mem.Record(ctx, model.DeliveryRecord{Key: "new", ProcessedAt: t0}))
	require.NoError(t, mem.InsertNotification(ctx, model.InAppNotification{ID: "n1", RecipientID: "u", CreatedAt: old}))
	require.NoError(t, mem.InsertNotification(ctx, model.InAppNotification{ID: "n2", RecipientID: "u", CreatedAt: old}))
	mem.MarkRead("n1")

	res, err := tasks(nil, mem).Cleanup(ctx, DefaultConfig().Retention)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Ledger)
	assert.EqualValues(t, 1, res.Notifications)

	_, ok := mem.LedgerEntry("new")
	assert.True(t, ok)
	assert.Len(t, mem.Notifications("u"), 1, "unread notifications are kept")
}

func TestCleanupRejectsZeroRetention(t *testing.T) {
	_, err := tasks(nil, store.NewMemory()).Cleanup(context.Background(), 0)
	assert.Error(t, err)
}

func TestStartRunsTickers(t *testing.T) {
	d := &fakeDispatcher{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Start(ctx, tasks(d, store.NewMemory()), Config{
			ReminderInterval: 5 * time.Millisecond,
			SweepInterval:    5 * time.Millisecond,
			Retention:        time.Hour,
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		return d.polls.Load() >= 3 && d.sweeps.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
