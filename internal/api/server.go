// Package api wires the operational and moderator HTTP surface.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	corslib "github.com/rs/cors"

	"github.com/albapepper/scoracle-notify/internal/api/handler"
	"github.com/albapepper/scoracle-notify/internal/config"
)

// NewRouter creates and configures the Chi router with all middleware and
// routes. Moderator routes are mounted only when an admin token is set.
// ledger may be nil when the backend cannot be checked.
func NewRouter(db handler.Pinger, ledger handler.LedgerPinger, moderator handler.Moderator, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TimingMiddleware)

	// CORS (moderator dashboard)
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Process-Time", "X-Request-Id"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// Rate limiting
	if cfg.RateLimitEnabled {
		r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}

	h := handler.New(db, ledger, moderator, logger)

	// --- Routes ---
	r.Get("/", h.Root)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/db", h.HealthCheckDB)
		r.Get("/ledger", h.HealthCheckLedger)
	})

	r.Handle("/metrics", promhttp.Handler())

	if cfg.AdminAPIToken == "" {
		logger.Warn("ADMIN_API_TOKEN not set, moderator API disabled")
		return r
	}

	r.Route("/api/v1/moderation/{userID}", func(r chi.Router) {
		r.Use(RequireToken(cfg.AdminAPIToken))
		r.Get("/", h.GetModerationStatus)
		r.Post("/ban", h.BanUser)
		r.Delete("/ban", h.UnbanUser)
	})

	return r
}
