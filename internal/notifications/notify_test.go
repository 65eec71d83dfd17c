package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/scoracle-notify/internal/delivery"
	"github.com/albapepper/scoracle-notify/internal/eligibility"
	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/model"
	"github.com/albapepper/scoracle-notify/internal/moderation"
	"github.com/albapepper/scoracle-notify/internal/push"
	"github.com/albapepper/scoracle-notify/internal/push/pushtest"
	"github.com/albapepper/scoracle-notify/internal/store"
	"github.com/albapepper/scoracle-notify/internal/tokens"
)

var kickoff = time.Date(2026, 6, 14, 19, 0, 0, 0, time.UTC)

type env struct {
	mem    *store.Memory
	sender *pushtest.Recorder
	d      *Dispatcher
	now    time.Time
	snaps  map[string]json.RawMessage
}

func (e *env) Snapshot(_ context.Context, collection, id string) (json.RawMessage, error) {
	raw, ok := e.snaps[collection+"/"+id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s/%s: %w", collection, id, store.ErrNotFound)
	}
	return raw, nil
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		mem:    store.NewMemory(),
		sender: pushtest.NewRecorder(),
		now:    kickoff.Add(-30 * time.Minute),
		snaps:  make(map[string]json.RawMessage),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return e.now }

	filter := eligibility.New(e.mem, e.mem, clock, logger)
	pipeline := delivery.New(e.sender, e.mem, e.mem, tokens.NewManager(e.mem, logger), delivery.Options{Now: clock}, logger)
	fan := delivery.NewFanout(e.mem, filter, pipeline)
	machine := moderation.New(e.mem, e.mem, fan, moderation.DefaultPolicy(), clock, logger)
	e.d = New(fan, machine, e.mem, e, Options{ReminderSlack: 10 * time.Minute, Now: clock}, logger)
	return e
}

func (e *env) reminder(id, userID string, remindAt time.Time) {
	e.mem.PutReminder(model.Reminder{
		ID:        id,
		UserID:    userID,
		MatchID:   "m-" + id,
		MatchName: "Arsenal vs Chelsea",
		MatchTime: kickoff,
		RemindAt:  remindAt,
	})
}

func TestPollRemindersDelivers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mem.PutUser(model.User{ID: "u1", PushToken: "tok1", Timezone: "America/New_York"})
	e.reminder("r1", "u1", e.now)

	res, err := e.d.PollReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)
	assert.Equal(t, 1, res.Sent)

	sent := e.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Match Reminder", sent[0].Message.Title)
	assert.Equal(t, "Arsenal vs Chelsea starts on Sun Jun 14 at 3:00 PM EDT", sent[0].Message.Body)

	notes := e.mem.Notifications("u1")
	require.Len(t, notes, 1)
	assert.Equal(t, model.CategoryMatchReminders, notes[0].Category)

	r, _ := e.mem.Reminder("r1")
	assert.True(t, r.IsSent)

	// A minute later the pass is a no-op.
	e.now = e.now.Add(time.Minute)
	res, err = e.d.PollReminders(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)
	assert.Len(t, e.sender.Sent(), 1)
}

func TestPollRemindersWindow(t *testing.T) {
	e := newEnv(t)
	e.mem.PutUser(model.User{ID: "u1", PushToken: "tok1"})
	e.reminder("stale", "u1", e.now.Add(-11*time.Minute))
	e.reminder("catchup", "u1", e.now.Add(-9*time.Minute))
	e.reminder("future", "u1", e.now.Add(time.Second))

	res, err := e.d.PollReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	for id, want := range map[string]bool{"stale": false, "catchup": true, "future": false} {
		r, _ := e.mem.Reminder(id)
		assert.Equal(t, want, r.IsSent, id)
	}
}

func TestPollRemindersMarksDuplicateSent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mem.PutUser(model.User{ID: "u1", PushToken: "tok1"})
	e.reminder("r1", "u1", e.now)

	// Delivered, but the sent flag failed to stick.
	e.mem.Fail("MarkReminderSent", store.ErrUnavailable)
	res, err := e.d.PollReminders(ctx)
	require.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 1, res.Failed)

	e.mem.Fail("MarkReminderSent", nil)
	res, err = e.d.PollReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Len(t, e.sender.Sent(), 1, "the ledger prevents a second push")

	r, _ := e.mem.Reminder("r1")
	assert.True(t, r.IsSent)
}

func TestPollRemindersQueryUnavailable(t *testing.T) {
	e := newEnv(t)
	e.mem.Fail("DueReminders", store.ErrUnavailable)
	_, err := e.d.PollReminders(context.Background())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestPollRemindersQuietHoursKeepsInApp(t *testing.T) {
	e := newEnv(t)
	e.now = time.Date(2026, 6, 14, 23, 30, 0, 0, time.UTC)
	q, err := model.ParseQuietHours("22:00", "07:00")
	require.NoError(t, err)
	e.mem.PutUser(model.User{ID: "u1", PushToken: "tok1"})
	e.mem.PutPreference(model.Preference{UserID: "u1", QuietHours: q})
	e.reminder("r1", "u1", e.now)

	res, err := e.d.PollReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Empty(t, e.sender.Sent())
	assert.Len(t, e.mem.Notifications("u1"), 1)
}

func TestHandleMessageDuplicateDispatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	for _, id := range []string{"alice", "bob", "carol"} {
		e.mem.PutUser(model.User{ID: id, PushToken: "tok-" + id})
	}
	e.mem.PutPreference(model.Preference{UserID: "carol", Disabled: map[model.Category]bool{model.CategoryMessages: true}})

	msg := event.MessageCreated{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		SenderName:     "Alice",
		Text:           "see you at the pub",
		ParticipantIDs: []string{"alice", "bob", "carol"},
	}

	out, err := e.d.Handle(ctx, msg)
	require.NoError(t, err)
	require.NotNil(t, out.Delivery)
	assert.Equal(t, 1, out.Delivery.Pushed)

	out, err = e.d.Handle(ctx, msg)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)

	assert.Equal(t, 1, e.sender.SentTo("tok-bob"))
	assert.Zero(t, e.sender.SentTo("tok-alice"), "sender is never notified")
	assert.Zero(t, e.sender.SentTo("tok-carol"))
	assert.Empty(t, e.mem.Notifications("carol"))

	notes := e.mem.Notifications("bob")
	require.Len(t, notes, 1)
	assert.Equal(t, "Alice", notes[0].Title)
	assert.Equal(t, "conversations/c1", notes[0].ActionRef)
}

func TestHandleChange(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mem.PutUser(model.User{ID: "bob", PushToken: "tok-bob"})

	after, _ := json.Marshal(map[string]any{
		"sender_id": "alice", "sender_name": "Alice", "recipient_id": "bob", "status": "pending",
	})
	out, err := e.d.HandleChange(ctx, event.Change{
		Collection: event.CollectionFriendRequests, Op: event.OpInsert, ID: "fr1", After: after,
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	notes := e.mem.Notifications("bob")
	require.Len(t, notes, 1)
	assert.Equal(t, "Alice sent you a friend request", notes[0].Body)

	// Updates are ignored.
	out, err = e.d.HandleChange(ctx, event.Change{
		Collection: event.CollectionFriendRequests, Op: event.OpUpdate, ID: "fr1", After: after,
	})
	require.NoError(t, err)
	assert.Nil(t, out)

	// Malformed payloads are dropped, not retried.
	out, err = e.d.HandleChange(ctx, event.Change{
		Collection: event.CollectionInvites, Op: event.OpInsert, ID: "i1", After: json.RawMessage(`{"sender_id":""}`),
	})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHandleTruncatedChange(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mem.PutUser(model.User{ID: "bob", PushToken: "tok-bob"})
	e.snaps["invites/i1"] = json.RawMessage(`{"sender_id":"alice","sender_name":"Alice","recipient_ids":["bob"],"match_name":"Final","venue_name":"The Crown"}`)

	out, err := e.d.HandleChange(ctx, event.Change{Collection: event.CollectionInvites, Op: event.OpInsert, ID: "i1", Truncated: true})
	require.NoError(t, err)
	require.NotNil(t, out)
	notes := e.mem.Notifications("bob")
	require.Len(t, notes, 1)
	assert.Equal(t, "Alice invited you to watch Final at The Crown", notes[0].Body)

	out, err = e.d.HandleChange(ctx, event.Change{Collection: event.CollectionInvites, Op: event.OpInsert, ID: "gone", Truncated: true})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHandleReportsAndSweep(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mem.PutUser(model.User{ID: "owner", PushToken: "tok-owner"})

	var events []event.Event
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("rep%d", i)
		e.mem.AddReport(id, "owner")
		events = append(events, event.ReportCreated{ID: id, ReporterID: "x", ContentOwnerID: "owner"})
	}
	res := e.d.HandleBatch(ctx, events)
	require.NoError(t, res.Err())
	assert.Equal(t, 5, res.Handled)

	s, err := e.mem.GetModerationStatus(ctx, "owner")
	require.NoError(t, err)
	assert.True(t, s.IsMuted)

	e.now = e.now.Add(25 * time.Hour)
	out, err := e.d.Handle(ctx, event.SanctionExpirySweep{At: e.now})
	require.NoError(t, err)
	require.NotNil(t, out.Sweep)
	assert.EqualValues(t, 1, out.Sweep.Mutes)

	s, _ = e.mem.GetModerationStatus(ctx, "owner")
	assert.False(t, s.IsMuted)
}

func TestHandleBatchIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mem.PutUser(model.User{ID: "bob", PushToken: "tok-bob"})

	res := e.d.HandleBatch(ctx, []event.Event{
		event.FriendRequestCreated{ID: "ok", SenderID: "alice", RecipientID: "bob"},
		event.FriendRequestCreated{ID: "bad", SenderID: "alice"},
	})
	assert.Equal(t, 1, res.Handled)
	assert.Equal(t, 1, res.Failed)
	assert.ErrorIs(t, res.Err(), event.ErrInvalidEvent)
	assert.Len(t, e.mem.Notifications("bob"), 1)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hi there", preview("  hi\n there ", 10))
	assert.Equal(t, "abcd…", preview("abcdefgh", 5))
	assert.Equal(t, "ééé…", preview("éééééé", 4))
}

func TestPollRemindersRetriesTransientPush(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mem.PutUser(model.User{ID: "u1", PushToken: "tok1"})
	e.reminder("r1", "u1", e.now)
	e.sender.Respond("tok1", push.Transient)

	res, err := e.d.PollReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)
	assert.Zero(t, res.Sent)
	assert.Equal(t, 1, res.Retrying)
	r, _ := e.mem.Reminder("r1")
	assert.False(t, r.IsSent)

	// The provider recovers; the next pass resends and marks it sent.
	e.sender.Respond("tok1", push.Success)
	e.now = e.now.Add(time.Minute)
	res, err = e.d.PollReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, e.sender.SentTo("tok1"))
	r, _ = e.mem.Reminder("r1")
	assert.True(t, r.IsSent)
}

// stuckMarks blocks MarkReminderSent until the call's context ends.
type stuckMarks struct {
	*store.Memory
}

func (s stuckMarks) MarkReminderSent(ctx context.Context, _ string, _ time.Time) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPollRemindersBoundsStoreCalls(t *testing.T) {
	e := newEnv(t)
	e.mem.PutUser(model.User{ID: "u1", PushToken: "tok1"})
	e.reminder("r1", "u1", e.now)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(e.d.runner, e.d.moderator, stuckMarks{e.mem}, e, Options{
		StoreTimeout: 20 * time.Millisecond,
		Now:          func() time.Time { return e.now },
	}, logger)

	done := make(chan *ReminderResult, 1)
	go func() {
		res, _ := d.PollReminders(context.Background())
		done <- res
	}()

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, 1, res.Failed)
	case <-time.After(2 * time.Second):
		t.Fatal("reminder pass blocked on a hung store call")
	}
	r, _ := e.mem.Reminder("r1")
	assert.False(t, r.IsSent)
}
