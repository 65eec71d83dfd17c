// Package ledger is the idempotency ledger: write-once markers proving an
// event (or an event/recipient pair) was already processed. Callers check
// Exists before side effects and Record after all side effects for the key
// have completed. A missed Record only means a later duplicate trigger
// resends; the ledger makes the common path exactly-once, nothing stronger.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/model"
)

// Ledger is implemented by store.Postgres, store.Memory and Redis.
type Ledger interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Record writes the entry if absent. Writing an existing key is a no-op.
	Record(ctx context.Context, rec model.DeliveryRecord) error
}

// EventKey is the dedup key for a whole event.
func EventKey(kind event.Kind, sourceID string) string {
	return join(string(kind), sourceID)
}

// RecipientKey is the dedup key for one recipient of an event.
func RecipientKey(kind event.Kind, sourceID, recipientID string) string {
	return join(string(kind), sourceID, recipientID)
}

// NewRecord builds a ledger entry stamped at now.
func NewRecord(key string, recipients int, now time.Time) model.DeliveryRecord {
	return model.DeliveryRecord{Key: key, RecipientCount: recipients, ProcessedAt: now.UTC()}
}

func join(parts ...string) string {
	return strings.Join(parts, ":")
}
