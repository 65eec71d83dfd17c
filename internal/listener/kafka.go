package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/store"
)

// MessageReader is the part of *kafka.Reader the source uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes change payloads from a topic. Offsets are committed
// only after a change is handled, so a crash replays it. A change that fails
// because the store is unavailable is retried in place with backoff.
type KafkaSource struct {
	reader  MessageReader
	handler Handler
	backoff time.Duration
	logger  *slog.Logger
}

// NewKafkaSource joins groupID on topic.
func NewKafkaSource(brokers []string, topic, groupID string, h Handler, logger *slog.Logger) *KafkaSource {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return NewKafkaSourceFromReader(r, h, logger)
}

// NewKafkaSourceFromReader wraps an existing reader.
func NewKafkaSourceFromReader(r MessageReader, h Handler, logger *slog.Logger) *KafkaSource {
	return &KafkaSource{reader: r, handler: h, backoff: reconnectBackoff, logger: logger}
}

// Run consumes until ctx is cancelled or the reader fails.
func (k *KafkaSource) Run(ctx context.Context) error {
	k.logger.Info("Kafka change source started")
	defer k.logger.Info("Kafka change source stopped")

	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := k.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// process handles one message. Malformed payloads are logged and skipped.
func (k *KafkaSource) process(ctx context.Context, msg kafka.Message) error {
	change, err := event.DecodeChange(msg.Value)
	if err != nil {
		k.logger.Warn("Failed to parse change",
			"partition", msg.Partition, "offset", msg.Offset, "error", err)
		return nil
	}

	backoff := k.backoff
	for {
		_, err := k.handler.HandleChange(ctx, change)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrUnavailable) {
			k.logger.Error("Change handling failed",
				"collection", change.Collection, "id", change.ID, "error", err)
			return nil
		}

		k.logger.Warn("Store unavailable, retrying change",
			"collection", change.Collection, "id", change.ID, "backoff", backoff)
		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases the reader.
func (k *KafkaSource) Close() error {
	return k.reader.Close()
}
