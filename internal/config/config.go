// Package config provides centralized configuration loaded from environment
// variables. Shared by both cmd/notifier and cmd/notifyctl.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Moderation thresholds
// --------------------------------------------------------------------------

const (
	MuteThreshold    = 5
	SuspendThreshold = 10
	MuteDuration     = 24 * time.Hour
	SuspendDuration  = 7 * 24 * time.Hour
)

// Ledger backends.
const (
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

// --------------------------------------------------------------------------
// Config struct, populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// Ops / moderator HTTP server
	OpsHost     string
	OpsPort     int
	Environment string // development, staging, production
	LogLevel    string
	LogFormat   string // text, json

	// CORS (moderator dashboard)
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Moderator API
	AdminAPIToken string

	// Push
	FCMCredentialsFile string
	PushTimeout        time.Duration
	PushRatePerSecond  int

	// Delivery
	StoreTimeout  time.Duration
	FanoutWorkers int

	// Scheduler cadences. Zero disables a task.
	ReminderInterval  time.Duration
	ReminderSlack     time.Duration
	ReminderBatchSize int
	SweepInterval     time.Duration
	CleanupInterval   time.Duration
	RetentionDays     int

	// Idempotency ledger
	LedgerBackend string
	RedisURL      string
	LedgerTTL     time.Duration

	// Kafka trigger source (optional)
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	dbURL := envOr("DATABASE_URL", envOr("NEON_DATABASE_URL", ""))
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or NEON_DATABASE_URL must be set")
	}

	cfg := &Config{
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		OpsHost:     envOr("OPS_HOST", "0.0.0.0"),
		OpsPort:     envInt("OPS_PORT", envInt("PORT", 8090)),
		Environment: envOr("ENVIRONMENT", "development"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "text"),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		AdminAPIToken: envOr("ADMIN_API_TOKEN", ""),

		FCMCredentialsFile: envOr("FIREBASE_CREDENTIALS_FILE", ""),
		PushTimeout:        envDuration("PUSH_TIMEOUT", 10*time.Second),
		PushRatePerSecond:  envInt("PUSH_RATE_PER_SECOND", 200),

		StoreTimeout:  envDuration("STORE_TIMEOUT", 5*time.Second),
		FanoutWorkers: envInt("FANOUT_WORKERS", 16),

		ReminderInterval:  envDuration("REMINDER_INTERVAL", time.Minute),
		ReminderSlack:     envDuration("REMINDER_SLACK", 10*time.Minute),
		ReminderBatchSize: envInt("REMINDER_BATCH_SIZE", 200),
		SweepInterval:     envDuration("SWEEP_INTERVAL", time.Hour),
		CleanupInterval:   envDuration("CLEANUP_INTERVAL", 24*time.Hour),
		RetentionDays:     envInt("RETENTION_DAYS", 30),

		LedgerBackend: envOr("LEDGER_BACKEND", LedgerPostgres),
		RedisURL:      envOr("REDIS_URL", ""),
		LedgerTTL:     envDuration("LEDGER_TTL", 30*24*time.Hour),

		KafkaBrokers: envList("KAFKA_BROKERS", nil),
		KafkaTopic:   envOr("KAFKA_TOPIC", "document-changes"),
		KafkaGroupID: envOr("KAFKA_GROUP_ID", "scoracle-notify"),
	}

	switch cfg.LedgerBackend {
	case LedgerPostgres:
	case LedgerRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL must be set when LEDGER_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("unknown LEDGER_BACKEND %q", cfg.LedgerBackend)
	}
	if cfg.FanoutWorkers < 1 {
		cfg.FanoutWorkers = 1
	}
	return cfg, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// KafkaEnabled reports whether a Kafka trigger source is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Retention is how long processed records are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("90s", "1h").
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
