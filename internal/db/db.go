// Package db provides a pgxpool-based connection pool with prepared statement
// registration, schema migration and health checking.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/scoracle-notify/internal/config"
)

//go:embed schema.sql
var schema string

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool with prepared statements
// registered on every connection. The schema must already exist.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	return connect(ctx, cfg, true)
}

// Connect creates a pool without prepared statements, for migrations.
func Connect(ctx context.Context, cfg *config.Config) (*Pool, error) {
	return connect(ctx, cfg, false)
}

func connect(ctx context.Context, cfg *config.Config, prepare bool) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	if prepare {
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return registerPreparedStatements(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *Pool) Migrate(ctx context.Context) error {
	if _, err := p.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// registerPreparedStatements registers the hot-path statements used by the
// eligibility filter and the ledger on every delivery.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	stmts := map[string]string{
		// Health
		"health_check": "SELECT 1",

		// Eligibility
		"get_user":       "SELECT id, COALESCE(push_token, ''), timezone FROM users WHERE id = $1",
		"get_preference": "SELECT disabled_categories, quiet_start, quiet_end FROM notification_preferences WHERE user_id = $1",

		// Ledger
		"ledger_exists": "SELECT EXISTS (SELECT 1 FROM delivery_ledger WHERE key = $1)",
		"ledger_record": "INSERT INTO delivery_ledger (key, recipient_count, processed_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING",

		// Delivery
		"insert_notification": "INSERT INTO notifications (id, recipient_id, title, body, category, action_ref, is_read, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		"clear_push_token":    "UPDATE users SET push_token = NULL, updated_at = NOW() WHERE id = $1 AND push_token IS NOT NULL",

		// Moderation
		"count_reports_against": "SELECT COUNT(*) FROM reports WHERE content_owner_id = $1",
		"get_moderation_status": "SELECT user_id, report_count, is_muted, muted_until, is_suspended, suspended_until, is_banned, updated_at FROM moderation_status WHERE user_id = $1",
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
