package supa

import (
	"context"

	"github.com/supabase-community/supabase-go"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile/entity"
)

// ProfileStore keeps profiles in the project's profiles table. PostgREST
// calls take no context, so ctx is only checked before each request.
type ProfileStore struct {
	client *supabase.Client
	table  string
}

func NewProfileStore(client *supabase.Client) *ProfileStore {
	return &ProfileStore{client: client, table: ProfilesTable}
}

func (s *ProfileStore) SelectByID(ctx context.Context, id string) (*entity.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []entity.Profile
	if _, err := s.client.From(s.table).Select("*", "", false).Eq("id", id).ExecuteTo(&rows); err != nil {
		return nil, restError("select profile", err)
	}
	if len(rows) == 0 {
		return nil, profile.ErrNotFound
	}
	return &rows[0], nil
}

func (s *ProfileStore) Insert(ctx context.Context, p *entity.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := s.client.From(s.table).Insert(p, false, "", "minimal", "").Execute(); err != nil {
		if isDuplicate(err) {
			return profile.ErrDuplicate
		}
		return restError("insert profile", err)
	}
	return nil
}

func (s *ProfileStore) Update(ctx context.Context, id string, u entity.Update) (*entity.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []entity.Profile
	if _, err := s.client.From(s.table).Update(u, "representation", "").Eq("id", id).ExecuteTo(&rows); err != nil {
		return nil, restError("update profile", err)
	}
	if len(rows) == 0 {
		return nil, profile.ErrNotFound
	}
	return &rows[0], nil
}
