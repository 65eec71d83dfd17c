package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/scoracle-notify/internal/config"
	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/model"
	"github.com/albapepper/scoracle-notify/internal/push"
	"github.com/albapepper/scoracle-notify/internal/push/pushtest"
	"github.com/albapepper/scoracle-notify/internal/store"
)

var t0 = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		PushTimeout:       time.Second,
		StoreTimeout:      time.Second,
		FanoutWorkers:     4,
		ReminderSlack:     10 * time.Minute,
		ReminderBatchSize: 50,
		LedgerBackend:     config.LedgerPostgres,
	}
}

func build(t *testing.T) (*Engine, *store.Memory, *pushtest.Recorder) {
	t.Helper()
	mem := store.NewMemory()
	rec := pushtest.NewRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(mem, mem, rec, testConfig(), func() time.Time { return t0 }, logger)
	return e, mem, rec
}

func change(t *testing.T, collection, id string, doc map[string]any) event.Change {
	t.Helper()
	after, err := json.Marshal(doc)
	require.NoError(t, err)
	return event.Change{Collection: collection, Op: event.OpInsert, ID: id, After: after}
}

func TestMessageEndToEnd(t *testing.T) {
	ctx := context.Background()
	e, mem, rec := build(t)
	mem.PutUser(model.User{ID: "alice", PushToken: "tok-alice"})
	mem.PutUser(model.User{ID: "bob", PushToken: "tok-bob"})
	mem.PutUser(model.User{ID: "cara", PushToken: "tok-cara"})
	rec.Respond("tok-cara", push.InvalidToken)

	c := change(t, event.CollectionMessages, "m1", map[string]any{
		"conversation_id": "c1",
		"sender_id":       "alice",
		"sender_name":     "Alice",
		"text":            "kickoff in 5",
		"participant_ids": []string{"alice", "bob", "cara"},
	})
	out, err := e.Dispatcher.HandleChange(ctx, c)
	require.NoError(t, err)
	require.NotNil(t, out.Delivery)
	assert.Equal(t, 2, out.Delivery.Recipients)
	assert.Equal(t, 1, out.Delivery.InvalidTokens)

	assert.Equal(t, 1, rec.SentTo("tok-bob"))
	assert.Len(t, mem.Notifications("cara"), 1, "in-app record survives a dead token")
	u, err := mem.GetUser(ctx, "cara")
	require.NoError(t, err)
	assert.Empty(t, u.PushToken)

	// Redelivery of the same trigger sends nothing new.
	out, err = e.Dispatcher.HandleChange(ctx, c)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, 1, rec.SentTo("tok-bob"))
}

func TestReportsEscalateToMute(t *testing.T) {
	ctx := context.Background()
	e, mem, rec := build(t)
	mem.PutUser(model.User{ID: "troll", PushToken: "tok-troll"})

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("r%d", i)
		mem.AddReport(id, "troll")
		_, err := e.Dispatcher.HandleChange(ctx, change(t, event.CollectionReports, id, map[string]any{
			"reporter_id":      fmt.Sprintf("u%d", i),
			"content_owner_id": "troll",
			"content_ref":      "messages/m1",
			"reason":           "spam",
		}))
		require.NoError(t, err)
	}

	st, sanctions, err := e.Moderation.Status(ctx, "troll")
	require.NoError(t, err)
	assert.Equal(t, "muted", st.State())
	require.Len(t, sanctions, 1)
	assert.Equal(t, t0.Add(24*time.Hour), *sanctions[0].ExpiresAt)
	assert.Equal(t, 1, rec.SentTo("tok-troll"))

	notes := mem.Notifications("troll")
	require.Len(t, notes, 1)
	assert.Equal(t, model.CategoryModeration, notes[0].Category)
}

func TestTasksUseEngineClock(t *testing.T) {
	ctx := context.Background()
	e, mem, rec := build(t)
	mem.PutUser(model.User{ID: "u1", PushToken: "tok-u1"})
	mem.PutReminder(model.Reminder{
		ID: "rem1", UserID: "u1", MatchID: "m1", MatchName: "Arsenal vs Chelsea",
		MatchTime: t0.Add(time.Hour), RemindAt: t0.Add(-time.Minute),
	})

	require.NoError(t, e.Tasks.Reminders(ctx))
	assert.Equal(t, 1, rec.SentTo("tok-u1"))
	r, ok := mem.Reminder("rem1")
	require.True(t, ok)
	assert.True(t, r.IsSent)

	require.NoError(t, e.Tasks.Sweep(ctx))
}

func TestOpenLedgerFallsBackToStore(t *testing.T) {
	mem := store.NewMemory()
	l, closeFn, err := OpenLedger(context.Background(), testConfig(), mem)
	require.NoError(t, err)
	assert.Same(t, mem, l)
	assert.NoError(t, closeFn())
}

func TestNewSenderWithoutCredentialsLogs(t *testing.T) {
	cfg := testConfig()
	cfg.PushRatePerSecond = 0
	s, err := NewSender(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.IsType(t, &push.LogSender{}, s)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "warn")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])
}
