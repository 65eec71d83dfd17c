package push_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/albapepper/scoracle-notify/internal/push"
	"github.com/albapepper/scoracle-notify/internal/push/pushtest"
)

func TestWithTimeoutReportsTransient(t *testing.T) {
	rec := pushtest.NewRecorder()
	rec.Hang("slow")

	start := time.Now()
	res := push.WithTimeout(context.Background(), rec, 20*time.Millisecond, "slow", push.Message{Title: "x"})

	assert.Equal(t, push.Transient, res.Outcome)
	assert.True(t, errors.Is(res.Err, push.ErrTransient))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithTimeoutPassesThrough(t *testing.T) {
	rec := pushtest.NewRecorder()
	rec.Respond("bad", push.InvalidToken)

	res := push.WithTimeout(context.Background(), rec, time.Second, "bad", push.Message{})
	assert.Equal(t, push.InvalidToken, res.Outcome)
	assert.True(t, errors.Is(res.Err, push.ErrInvalidToken))

	res = push.WithTimeout(context.Background(), rec, time.Second, "good", push.Message{})
	assert.Equal(t, push.Success, res.Outcome)
	assert.NoError(t, res.Err)
}

func TestRateLimitedCancelledWait(t *testing.T) {
	rec := pushtest.NewRecorder()
	s := push.NewRateLimited(rec, 1)

	// First send consumes the burst.
	assert.Equal(t, push.Success, s.Send(context.Background(), "a", push.Message{}).Outcome)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := s.Send(ctx, "b", push.Message{})
	assert.Equal(t, push.Transient, res.Outcome)
	assert.Equal(t, 0, rec.SentTo("b"))
}

func TestRateLimitedDisabled(t *testing.T) {
	rec := pushtest.NewRecorder()
	assert.Same(t, push.Sender(rec), push.NewRateLimited(rec, 0))
}

func TestLogSender(t *testing.T) {
	s := push.NewLogSender(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, push.Success, s.Send(context.Background(), "token-123456", push.Message{Title: "hi"}).Outcome)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", push.Success.String())
	assert.Equal(t, "invalid_token", push.InvalidToken.String())
	assert.Equal(t, "transient", push.Transient.String())
}
