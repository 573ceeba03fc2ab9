package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile/entity"
)

// ProfileRepo is the PostgreSQL profile store.
type ProfileRepo struct {
	db *sqlx.DB
}

func NewProfileRepo(db *sqlx.DB) *ProfileRepo { return &ProfileRepo{db: db} }

// EnsureTable creates the profiles table (idempotent).
func (r *ProfileRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS profiles (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *ProfileRepo) SelectByID(ctx context.Context, id string) (*entity.Profile, error) {
	const q = `SELECT id, name, email, created_at, updated_at FROM profiles WHERE id=$1`
	var p entity.Profile
	if err := r.db.GetContext(ctx, &p, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, profile.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Insert adds a profile row. An existing id yields profile.ErrDuplicate.
func (r *ProfileRepo) Insert(ctx context.Context, p *entity.Profile) error {
	const q = `INSERT INTO profiles (id, name, email, created_at, updated_at)
		VALUES (:id, :name, :email, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, p); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return profile.ErrDuplicate
		}
		return err
	}
	return nil
}

// Update writes the name and updated_at of one profile and returns the row.
func (r *ProfileRepo) Update(ctx context.Context, id string, u entity.Update) (*entity.Profile, error) {
	const q = `UPDATE profiles SET name=$2, updated_at=$3 WHERE id=$1
		RETURNING id, name, email, created_at, updated_at`
	var p entity.Profile
	if err := r.db.GetContext(ctx, &p, q, id, u.Name, u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, profile.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
