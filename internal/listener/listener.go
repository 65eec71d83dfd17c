// Package listener provides the trigger sources that feed document changes
// to the dispatcher. The primary source is a Postgres LISTEN/NOTIFY consumer
// holding a dedicated pgx connection (not from the pool) on the
// `document_changes` channel. KafkaSource consumes the same change payloads
// from a topic when changes are published through Kafka instead.
//
// Both sources are at-least-once: a change may arrive more than once and
// the dispatcher is idempotent.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/notifications"
)

const (
	channel          = "document_changes"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
	maxInFlight      = 32
)

// Handler consumes one change. notifications.Dispatcher implements it.
type Handler interface {
	HandleChange(ctx context.Context, c event.Change) (*notifications.Outcome, error)
}

// Start opens a dedicated connection and listens on the document_changes
// channel. It reconnects automatically on connection loss. Blocks until ctx
// is cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, h Handler, logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, h, logger)
		if ctx.Err() != nil {
			logger.Info("Change listener stopped (context cancelled)")
			return
		}

		logger.Error("Change listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled. In-flight changes finish before it returns.
func listenLoop(ctx context.Context, dbURL string, h Handler, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+channel)
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	logger.Info("Change listener connected", "channel", channel)

	var g errgroup.Group
	g.SetLimit(maxInFlight)
	defer g.Wait()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		change, err := event.DecodeChange([]byte(notification.Payload))
		if err != nil {
			logger.Warn("Failed to parse change",
				"payload", notification.Payload, "error", err)
			continue
		}

		logger.Debug("Change received",
			"collection", change.Collection, "op", change.Op, "id", change.ID)

		// Process asynchronously so a slow fan-out does not block the
		// connection; Go blocks once maxInFlight changes are running.
		g.Go(func() error {
			handle(ctx, h, change, logger)
			return nil
		})
	}
}

// handle dispatches one change. NOTIFY has no redelivery, so failures are
// logged; reminders self-heal on the next polling pass.
func handle(ctx context.Context, h Handler, c event.Change, logger *slog.Logger) {
	if _, err := h.HandleChange(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Change handling failed",
			"collection", c.Collection, "id", c.ID, "error", err)
	}
}
