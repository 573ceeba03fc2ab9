// Package admin decides, live and fail-closed, whether a principal holds an
// administrative grant.
package admin

import (
	"context"
	"errors"
	"time"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/admin/entity"
)

var ErrNotFound = errors.New("admin grant not found")

// GrantStore is the keyed store of admin grants.
type GrantStore interface {
	// SelectByID returns ErrNotFound when id holds no grant.
	SelectByID(ctx context.Context, id string) (*entity.Grant, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}
