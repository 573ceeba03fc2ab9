// Package supa backs the session subsystem with a hosted Supabase project:
// GoTrue for identity and PostgREST for the profile and admin grant tables.
package supa

import (
	"fmt"
	"strings"

	"github.com/supabase-community/supabase-go"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/apperr"
)

const (
	ProfilesTable = "profiles"
	GrantsTable   = "admin_auth"
)

// NewClient connects to the project at url with the given API key. The key
// should be the service role key, the stores read across principals.
func NewClient(url, key string) (*supabase.Client, error) {
	client, err := supabase.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create supabase client: %w", err)
	}
	return client, nil
}

// isDuplicate reports a unique violation as returned by PostgREST.
func isDuplicate(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

// restError classifies a PostgREST failure. Transport faults become
// ErrNetworkUnavailable, anything else is returned as is.
func restError(op string, err error) error {
	return apperr.Classify(fmt.Errorf("%s: %w", op, err))
}
