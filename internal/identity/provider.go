// Package identity defines the identity provider contract consumed by the
// session subsystem and a local PostgreSQL-backed implementation of it.
package identity

import (
	"context"
	"errors"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
)

// Provider is the remote identity service. Implementations publish lifecycle
// events to every Subscription they hand out.
//
// Errors wrap the kinds in internal/apperr: bad credentials are
// ErrInvalidCredentials, calls that need a session return
// ErrSessionUnavailable when there is none, transport faults are
// ErrNetworkUnavailable.
type Provider interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*entity.Principal, error)
	SignInWithPassword(ctx context.Context, email, password string) (*entity.Session, error)
	SignOut(ctx context.Context) error
	// GetSession returns nil without error when nobody is signed in.
	GetSession(ctx context.Context) (*entity.Session, error)
	GetUser(ctx context.Context) (*entity.Principal, error)
	UpdateUser(ctx context.Context, in entity.UserUpdate) (*entity.Principal, error)
	RefreshSession(ctx context.Context) (*entity.Session, error)
	ResetPasswordForEmail(ctx context.Context, email string) error
	// VerifyRecovery redeems a recovery token sent to email for a session and
	// publishes PASSWORD_RECOVERY.
	VerifyRecovery(ctx context.Context, email, token string) (*entity.Session, error)
	// Subscribe starts a subscription whose first event is INITIAL_SESSION.
	Subscribe() *Subscription
}

var (
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidEmail = errors.New("invalid email address")
)
