// Package push is the push notification channel. Senders never return a Go
// error for a failed send; they classify the outcome instead so the
// delivery pipeline can decide between token cleanup and a logged retry.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrInvalidToken = errors.New("invalid push token")
	ErrTransient    = errors.New("transient push failure")
)

// Outcome classifies a single send.
type Outcome int

const (
	Success Outcome = iota
	InvalidToken
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case InvalidToken:
		return "invalid_token"
	default:
		return "transient"
	}
}

// Message is what a device shows, plus the data payload the app uses to
// route the tap.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Result of one send. Err wraps ErrInvalidToken or ErrTransient when the
// outcome is not Success.
type Result struct {
	Outcome   Outcome
	MessageID string
	Err       error
}

// Sender delivers one message to one device token.
type Sender interface {
	Send(ctx context.Context, token string, msg Message) Result
}

// Invalid builds an InvalidToken result.
func Invalid(cause error) Result {
	return Result{Outcome: InvalidToken, Err: fmt.Errorf("%w: %v", ErrInvalidToken, cause)}
}

// Failed builds a Transient result.
func Failed(cause error) Result {
	return Result{Outcome: Transient, Err: fmt.Errorf("%w: %v", ErrTransient, cause)}
}

// --------------------------------------------------------------------------
// LogSender
// --------------------------------------------------------------------------

// LogSender logs instead of sending. Used when no provider credentials are
// configured so local runs still exercise the full pipeline.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, token string, msg Message) Result {
	s.logger.Debug("Push (log only)", "token_suffix", suffix(token), "title", msg.Title)
	return Result{Outcome: Success, MessageID: "log"}
}

// --------------------------------------------------------------------------
// RateLimited
// --------------------------------------------------------------------------

// RateLimited throttles an underlying sender to a steady rate. Waiting past
// the caller's deadline counts as a transient failure.
type RateLimited struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond sends with a burst of the same size. A
// non-positive rate disables throttling.
func NewRateLimited(next Sender, perSecond int) Sender {
	if perSecond <= 0 {
		return next
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

func (r *RateLimited) Send(ctx context.Context, token string, msg Message) Result {
	if err := r.limiter.Wait(ctx); err != nil {
		return Failed(fmt.Errorf("rate limit wait: %w", err))
	}
	return r.next.Send(ctx, token, msg)
}

// --------------------------------------------------------------------------
// Timed
// --------------------------------------------------------------------------

// WithTimeout bounds a single send. A send that overruns is reported as
// Transient even if the sender ignores its context.
func WithTimeout(ctx context.Context, s Sender, timeout time.Duration, token string, msg Message) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- s.Send(ctx, token, msg) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return Failed(ctx.Err())
	}
}

func suffix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[len(token)-6:]
}
