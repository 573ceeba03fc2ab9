package admin

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/apperr"
)

// Gate checks admin grants against the store on every call. Nothing is cached.
type Gate struct {
	store  GrantStore
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewGate(store GrantStore, logger *zap.SugaredLogger) *Gate {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Gate{store: store, logger: logger, now: time.Now}
}

// Check reports whether principalID holds a grant. A missing row is a plain
// false; any lookup error is also false.
func (g *Gate) Check(ctx context.Context, principalID string) bool {
	if principalID == "" {
		return false
	}
	grant, err := g.store.SelectByID(ctx, principalID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			g.logger.Warnw("admin grant lookup failed, denying", "principal_id", principalID, "err", err)
		}
		return false
	}
	return grant != nil
}

// Require is Check as an error: apperr.ErrUnauthorizedAdminAccess when denied.
func (g *Gate) Require(ctx context.Context, principalID string) error {
	if !g.Check(ctx, principalID) {
		return apperr.ErrUnauthorizedAdminAccess
	}
	return nil
}

// RecordLogin stamps last_login. Failures are logged only.
func (g *Gate) RecordLogin(ctx context.Context, principalID string) {
	if err := g.store.UpdateLastLogin(ctx, principalID, g.now().UTC()); err != nil {
		g.logger.Warnw("admin last_login update failed", "principal_id", principalID, "err", err)
	}
}
