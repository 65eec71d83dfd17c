package listener

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/notifications"
	"github.com/albapepper/scoracle-notify/internal/store"
)

// fakeReader serves queued messages, then blocks until cancelled.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

// fakeHandler fails the first failures calls with err.
type fakeHandler struct {
	mu       sync.Mutex
	seen     []string
	failures int
	err      error
}

func (h *fakeHandler) HandleChange(_ context.Context, c event.Change) (*notifications.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, c.ID)
	if h.failures > 0 {
		h.failures--
		return nil, h.err
	}
	return &notifications.Outcome{}, nil
}

func (h *fakeHandler) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func runSource(t *testing.T, r *fakeReader, h *fakeHandler, wantCommits int) {
	t.Helper()
	src := NewKafkaSourceFromReader(r, h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	src.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool { return len(r.commits()) == wantCommits }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestKafkaSourceCommitsAfterHandling(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Offset: 1, Value: []byte(`{"collection":"invites","op":"insert","id":"i1","after":{}}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"collection":"messages","op":"insert","id":"m1","after":{}}`)},
	}}
	h := &fakeHandler{}

	runSource(t, r, h, 3)

	assert.Equal(t, []int64{1, 2, 3}, r.commits(), "malformed payloads are skipped and committed")
	assert.Equal(t, []string{"i1", "m1"}, h.calls())
}

func TestKafkaSourceRetriesUnavailable(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Offset: 7, Value: []byte(`{"collection":"reports","op":"insert","id":"r1","after":{}}`)},
	}}
	h := &fakeHandler{failures: 2, err: store.ErrUnavailable}

	runSource(t, r, h, 1)
	assert.Equal(t, []string{"r1", "r1", "r1"}, h.calls())
}

func TestKafkaSourceDoesNotRetryOtherErrors(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Offset: 9, Value: []byte(`{"collection":"reports","op":"insert","id":"r1","after":{}}`)},
	}}
	h := &fakeHandler{failures: 1, err: errors.New("boom")}

	runSource(t, r, h, 1)
	assert.Equal(t, []string{"r1"}, h.calls())
}
