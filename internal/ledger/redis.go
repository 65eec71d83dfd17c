package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/albapepper/scoracle-notify/internal/model"
	"github.com/albapepper/scoracle-notify/internal/store"
)

const redisPrefix = "ledger:v1:"

// Redis keeps ledger entries as JSON strings written with SET NX, expiring
// after ttl. A zero ttl keeps entries forever.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// DialRedis parses a redis:// URL and verifies connectivity.
func DialRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(client, ttl), nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, redisPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("ledger exists %q: %w: %v", key, store.ErrUnavailable, err)
	}
	return n > 0, nil
}

func (r *Redis) Record(ctx context.Context, rec model.DeliveryRecord) error {
	data, err := json.Marshal(redisEntry{Count: rec.RecipientCount, At: rec.ProcessedAt})
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	if err := r.client.SetNX(ctx, redisPrefix+rec.Key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("ledger record %q: %w: %v", rec.Key, store.ErrUnavailable, err)
	}
	return nil
}

// entry returns a stored entry; ok is false when the key is absent.
func (r *Redis) entry(ctx context.Context, key string) (rec model.DeliveryRecord, ok bool, err error) {
	data, err := r.client.Get(ctx, redisPrefix+key).Bytes()
	if err == redis.Nil {
		return model.DeliveryRecord{}, false, nil
	}
	if err != nil {
		return model.DeliveryRecord{}, false, fmt.Errorf("ledger get %q: %w", key, err)
	}
	var e redisEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return model.DeliveryRecord{}, false, fmt.Errorf("decode ledger entry: %w", err)
	}
	return model.DeliveryRecord{Key: key, RecipientCount: e.Count, ProcessedAt: e.At}, true, nil
}

// Ping verifies connectivity for health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisEntry struct {
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}
