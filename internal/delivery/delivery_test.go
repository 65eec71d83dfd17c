package delivery

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/scoracle-notify/internal/eligibility"
	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/ledger"
	"github.com/albapepper/scoracle-notify/internal/model"
	"github.com/albapepper/scoracle-notify/internal/push"
	"github.com/albapepper/scoracle-notify/internal/push/pushtest"
	"github.com/albapepper/scoracle-notify/internal/store"
	"github.com/albapepper/scoracle-notify/internal/tokens"
)

var now = time.Date(2026, 6, 14, 18, 0, 0, 0, time.UTC)

type fixture struct {
	mem      *store.Memory
	sender   *pushtest.Recorder
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := store.NewMemory()
	sender := pushtest.NewRecorder()
	p := New(sender, mem, mem, tokens.NewManager(mem, logger), Options{
		PushTimeout:  50 * time.Millisecond,
		StoreTimeout: time.Second,
		Workers:      4,
		Now:          func() time.Time { return now },
	}, logger)
	return &fixture{mem: mem, sender: sender, pipeline: p}
}

func (f *fixture) recipient(id, token string, pushAllowed bool) eligibility.Recipient {
	u := model.User{ID: id, PushToken: token}
	f.mem.PutUser(u)
	return eligibility.Recipient{
		User:        u,
		Key:         ledger.RecipientKey(event.KindInviteCreated, "i1", id),
		PushAllowed: pushAllowed,
	}
}

var invite = Notice{
	Kind:      event.KindInviteCreated,
	SourceID:  "i1",
	Category:  model.CategoryInvites,
	Title:     "New Invite",
	Body:      "Sam invited you to watch Final",
	ActionRef: "invites/i1",
}

func TestDeliverFailureIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sender.Respond("bad", push.InvalidToken)
	f.sender.Respond("flaky", push.Transient)
	f.sender.Hang("stuck")

	rs := []eligibility.Recipient{
		f.recipient("ok", "good", true),
		f.recipient("invalid", "bad", true),
		f.recipient("transient", "flaky", true),
		f.recipient("slow", "stuck", true),
		f.recipient("quiet", "good2", false),
	}

	report, err := f.pipeline.Deliver(ctx, invite, rs)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Recipients)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, 1, report.InvalidTokens)
	assert.Equal(t, 2, report.Transient, "a timed out push counts as transient")
	assert.Equal(t, 1, report.PushSkipped)
	assert.Equal(t, 5, report.InAppWritten)
	assert.Zero(t, report.InAppFailed)
	assert.Equal(t, 0, f.sender.SentTo("good2"))

	for _, id := range []string{"ok", "invalid", "transient", "slow", "quiet"} {
		notes := f.mem.Notifications(id)
		require.Len(t, notes, 1, id)
		assert.Equal(t, "New Invite", notes[0].Title)
		assert.False(t, notes[0].IsRead)
		assert.Equal(t, model.CategoryInvites, notes[0].Category)

		_, ok := f.mem.LedgerEntry(ledger.RecipientKey(event.KindInviteCreated, "i1", id))
		assert.True(t, ok, id)
	}

	rec, ok := f.mem.LedgerEntry(ledger.EventKey(event.KindInviteCreated, "i1"))
	require.True(t, ok)
	assert.Equal(t, 5, rec.RecipientCount)
	assert.Equal(t, now, rec.ProcessedAt)
}

func TestDeliverInvalidTokenClearsToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sender.Respond("bad", push.InvalidToken)

	_, err := f.pipeline.Deliver(ctx, invite, []eligibility.Recipient{f.recipient("r", "bad", true)})
	require.NoError(t, err)

	u, err := f.mem.GetUser(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, u.PushToken)
	assert.Len(t, f.mem.Notifications("r"), 1)
}

func TestDeliverPushPayload(t *testing.T) {
	f := newFixture(t)
	n := invite
	n.Data = map[string]string{"invite_id": "i1"}

	_, err := f.pipeline.Deliver(context.Background(), n, []eligibility.Recipient{f.recipient("r", "tok", true)})
	require.NoError(t, err)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "New Invite", sent[0].Message.Title)
	assert.Equal(t, map[string]string{
		"invite_id":  "i1",
		"category":   "invites",
		"action_ref": "invites/i1",
	}, sent[0].Message.Data)
}

func TestDeliverEmptyRecordsNoop(t *testing.T) {
	f := newFixture(t)
	report, err := f.pipeline.Deliver(context.Background(), invite, nil)
	require.NoError(t, err)
	assert.Zero(t, report.Recipients)

	rec, ok := f.mem.LedgerEntry(ledger.EventKey(event.KindInviteCreated, "i1"))
	require.True(t, ok)
	assert.Zero(t, rec.RecipientCount)
}

func TestDeliverStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	r := f.recipient("r", "tok", true)
	f.mem.Fail("InsertNotification", store.ErrUnavailable)

	report, err := f.pipeline.Deliver(context.Background(), invite, []eligibility.Recipient{r})
	require.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 1, report.InAppFailed)

	_, ok := f.mem.LedgerEntry(ledger.EventKey(event.KindInviteCreated, "i1"))
	assert.False(t, ok, "event stays unrecorded so a retry reprocesses it")
	_, ok = f.mem.LedgerEntry(r.Key)
	assert.False(t, ok)
}

func TestDeliverLedgerFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	r := f.recipient("r", "tok", true)
	f.mem.Fail("Record", store.ErrUnavailable)

	report, err := f.pipeline.Deliver(context.Background(), invite, []eligibility.Recipient{r})
	require.NoError(t, err)
	assert.Equal(t, 2, report.LedgerFailed)
	assert.Len(t, f.mem.Notifications("r"), 1)
}

func TestReportSummary(t *testing.T) {
	r := &Report{Kind: event.KindInviteCreated, SourceID: "i1", Recipients: 2, Pushed: 1, PushSkipped: 1, InAppWritten: 2}
	assert.Contains(t, r.Summary(), "invite_created i1: 2 recipients (0 skipped), 1 pushed")
}

func TestDeliverRetryTransientLeavesKeysOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sender.Respond("flaky", push.Transient)

	n := invite
	n.RetryTransient = true
	rs := []eligibility.Recipient{
		f.recipient("ok", "good", true),
		f.recipient("transient", "flaky", true),
	}

	report, err := f.pipeline.Deliver(ctx, n, rs)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transient)
	assert.Equal(t, 2, report.InAppWritten)

	_, ok := f.mem.LedgerEntry(rs[0].Key)
	assert.True(t, ok, "reached recipient is protected")
	_, ok = f.mem.LedgerEntry(rs[1].Key)
	assert.False(t, ok, "transient recipient stays open")
	_, ok = f.mem.LedgerEntry(ledger.EventKey(n.Kind, n.SourceID))
	assert.False(t, ok, "event stays open for the next pass")
}
