// Package handler provides HTTP handlers for the operational and moderator
// endpoints. The notification engine itself has no request surface: it is
// driven by change triggers and tickers.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/albapepper/scoracle-notify/internal/api/respond"
	"github.com/albapepper/scoracle-notify/internal/model"
	"github.com/albapepper/scoracle-notify/internal/store"
)

// Pinger checks a backing dependency.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// LedgerPinger checks the idempotency ledger backend. store.Postgres and
// ledger.Redis implement it.
type LedgerPinger interface {
	Ping(ctx context.Context) error
}

// Moderator is the part of moderation.Machine the dashboard needs.
type Moderator interface {
	Status(ctx context.Context, userID string) (model.ModerationStatus, []model.Sanction, error)
	Ban(ctx context.Context, userID, reason string) (*model.Sanction, error)
	Unban(ctx context.Context, userID string) (bool, error)
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	db        Pinger
	ledger    LedgerPinger
	moderator Moderator
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Handler with shared dependencies. ledger may be nil.
func New(db Pinger, ledger LedgerPinger, moderator Moderator, logger *slog.Logger) *Handler {
	return &Handler{db: db, ledger: ledger, moderator: moderator, now: time.Now, logger: logger}
}

// Root serves service info at /.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"name":    "Scoracle Notify",
		"version": "1.0.0",
		"status":  "running",
	})
}

// HealthCheck returns basic health status.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": h.timestamp(),
	})
}

// HealthCheckDB verifies database connectivity.
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if err := h.db.HealthCheck(r.Context()); err != nil {
		h.logger.Warn("Database health check failed", "error", err)
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": h.timestamp(),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": h.timestamp(),
	})
}

// HealthCheckLedger verifies the idempotency ledger backend.
func (h *Handler) HealthCheckLedger(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "No ledger health check configured")
		return
	}
	if err := h.ledger.Ping(r.Context()); err != nil {
		h.logger.Warn("Ledger health check failed", "error", err)
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"ledger":    "disconnected",
			"error":     "Ledger connection check failed",
			"timestamp": h.timestamp(),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"ledger":    "connected",
		"timestamp": h.timestamp(),
	})
}

func (h *Handler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

// writeStoreError maps store failures to responses.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
	case errors.Is(err, store.ErrUnavailable):
		respond.WriteErrorDetail(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Store unavailable, retry later", err.Error())
	default:
		h.logger.Error("Moderator request failed", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "INTERNAL", "Internal error")
	}
}
