// Package store is the document store behind the engine. Postgres is the
// production implementation; Memory backs tests and local runs. Both expose
// the same method set, and each consuming package declares the narrow
// interface it needs.
package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for lookups of missing documents.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks failures that make the whole invocation
	// pointless (connection loss, timeouts). Dispatchers propagate it so
	// the invoking infrastructure retries later.
	ErrUnavailable = errors.New("store unavailable")
)

// DefaultReminderBatch bounds one polling pass.
const DefaultReminderBatch = 200

// MuteUpdate and SuspendUpdate carry a conditional transition. The write is
// applied only when the status still allows it; Applied reports whether it was.
type MuteUpdate struct {
	UserID      string
	ReportCount int
	Until       time.Time
	Now         time.Time
}

type SuspendUpdate struct {
	UserID      string
	ReportCount int
	Until       time.Time
	Now         time.Time
}
