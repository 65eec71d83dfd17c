// Package pushtest provides a recording push sender for tests.
package pushtest

import (
	"context"
	"errors"
	"sync"

	"github.com/albapepper/scoracle-notify/internal/push"
)

// Sent is one recorded send.
type Sent struct {
	Token   string
	Message push.Message
}

// Recorder records every send and answers with a per-token outcome
// (Success by default). Tokens listed in Hang block until the context ends.
type Recorder struct {
	mu       sync.Mutex
	sent     []Sent
	outcomes map[string]push.Outcome
	hang     map[string]bool
}

func NewRecorder() *Recorder {
	return &Recorder{outcomes: make(map[string]push.Outcome), hang: make(map[string]bool)}
}

// Respond sets the outcome for token.
func (r *Recorder) Respond(token string, o push.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[token] = o
}

// Hang makes sends to token block until their context is done.
func (r *Recorder) Hang(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hang[token] = true
}

func (r *Recorder) Send(ctx context.Context, token string, msg push.Message) push.Result {
	r.mu.Lock()
	r.sent = append(r.sent, Sent{Token: token, Message: msg})
	outcome := r.outcomes[token]
	hang := r.hang[token]
	r.mu.Unlock()

	if hang {
		<-ctx.Done()
		return push.Failed(ctx.Err())
	}
	switch outcome {
	case push.InvalidToken:
		return push.Invalid(errors.New("registration-token-not-registered"))
	case push.Transient:
		return push.Failed(errors.New("unavailable"))
	default:
		return push.Result{Outcome: push.Success, MessageID: "msg-" + token}
	}
}

// Sent returns a copy of all recorded sends.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// SentTo counts sends to token.
func (r *Recorder) SentTo(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Token == token {
			n++
		}
	}
	return n
}
