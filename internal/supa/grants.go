package supa

import (
	"context"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/admin"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/admin/entity"
)

// GrantStore reads admin grants from the admin_auth table. Grants are
// seeded by operators; nothing here creates one.
type GrantStore struct {
	client *supabase.Client
	table  string
}

func NewGrantStore(client *supabase.Client) *GrantStore {
	return &GrantStore{client: client, table: GrantsTable}
}

func (s *GrantStore) SelectByID(ctx context.Context, id string) (*entity.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []entity.Grant
	if _, err := s.client.From(s.table).Select("*", "", false).Eq("id", id).ExecuteTo(&rows); err != nil {
		return nil, restError("select grant", err)
	}
	if len(rows) == 0 {
		return nil, admin.ErrNotFound
	}
	return &rows[0], nil
}

func (s *GrantStore) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var rows []entity.Grant
	patch := map[string]any{"last_login": at.UTC()}
	if _, err := s.client.From(s.table).Update(patch, "representation", "").Eq("id", id).ExecuteTo(&rows); err != nil {
		return restError("update grant last login", err)
	}
	if len(rows) == 0 {
		return admin.ErrNotFound
	}
	return nil
}
