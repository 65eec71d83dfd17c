// Package tokens clears push tokens the provider has rejected.
package tokens

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/albapepper/scoracle-notify/internal/metrics"
)

// TokenStore is the slice of the document store the manager needs.
type TokenStore interface {
	ClearPushToken(ctx context.Context, userID string) (bool, error)
}

// Manager is the token health manager.
type Manager struct {
	store  TokenStore
	logger *slog.Logger
}

func NewManager(store TokenStore, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// ClearToken nulls the stored push token for userID. Clearing an absent
// token is a no-op.
func (m *Manager) ClearToken(ctx context.Context, userID string) error {
	cleared, err := m.store.ClearPushToken(ctx, userID)
	if err != nil {
		return fmt.Errorf("clear token %s: %w", userID, err)
	}
	if cleared {
		metrics.TokensCleared.Inc()
		m.logger.Info("Cleared invalid push token", "user_id", userID)
	}
	return nil
}
