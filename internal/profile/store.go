// Package profile guarantees a canonical profile record for an authenticated
// principal, creating one when the backend has not done so in time.
package profile

import (
	"context"
	"errors"
	"strings"

	identity "github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile/entity"
)

var (
	ErrNotFound  = errors.New("profile not found")
	ErrDuplicate = errors.New("profile already exists")
)

// Store is a keyed profile store with a uniqueness constraint on id.
type Store interface {
	// SelectByID returns ErrNotFound when no row exists.
	SelectByID(ctx context.Context, id string) (*entity.Profile, error)
	// Insert returns ErrDuplicate when a row with the same id exists.
	Insert(ctx context.Context, p *entity.Profile) error
	Update(ctx context.Context, id string, u entity.Update) (*entity.Profile, error)
}

// DeriveName picks a display name for a principal: metadata name, then
// full_name, then the local part of the email. An email without '@' is used
// whole.
func DeriveName(p identity.Principal) string {
	if n := p.MetaString(identity.MetaName); n != "" {
		return n
	}
	if n := p.MetaString(identity.MetaFullName); n != "" {
		return n
	}
	local, _, found := strings.Cut(p.Email, "@")
	if !found || local == "" {
		return p.Email
	}
	return local
}
