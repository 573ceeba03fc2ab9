package entity

import (
	"strings"
	"time"
)

// Metadata keys carrying the display name. Sign-up writes both; readers
// prefer MetaName.
const (
	MetaName     = "name"
	MetaFullName = "full_name"
)

// Principal is the identity as issued by the identity provider.
type Principal struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// MetaString returns metadata[key] when it is a non-blank string.
func (p Principal) MetaString(key string) string {
	if p.Metadata == nil {
		return ""
	}
	s, ok := p.Metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Session is an authenticated session handed out by the provider.
type Session struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Principal    *Principal `json:"user"`
}

// UserUpdate carries the optional fields of an updateUser call.
type UserUpdate struct {
	Email    *string
	Password *string
	Data     map[string]any
}
