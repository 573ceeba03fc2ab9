package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/admin"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/admin/entity"
)

type GrantRepo struct {
	db *sqlx.DB
}

func NewGrantRepo(db *sqlx.DB) *GrantRepo {
	return &GrantRepo{db: db}
}

// EnsureTable creates the admin_auth table if it does not already exist.
func (r *GrantRepo) EnsureTable(ctx context.Context) error {
	const tbl = `
	CREATE TABLE IF NOT EXISTS admin_auth (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'admin',
		last_login TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	if _, err := r.db.ExecContext(ctx, tbl); err != nil {
		return err
	}
	return nil
}

func (r *GrantRepo) SelectByID(ctx context.Context, id string) (*entity.Grant, error) {
	const q = `SELECT id, username, role, last_login, created_at FROM admin_auth WHERE id=$1`
	var g entity.Grant
	if err := r.db.GetContext(ctx, &g, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, admin.ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

func (r *GrantRepo) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE admin_auth SET last_login=$2 WHERE id=$1`, id, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return admin.ErrNotFound
	}
	return err
}

// Upsert grants role to a principal. Operators use it to seed admins; there
// is no self-service path.
func (r *GrantRepo) Upsert(ctx context.Context, g entity.Grant) error {
	const q = `INSERT INTO admin_auth (id, username, role) VALUES (:id, :username, :role)
		ON CONFLICT (id) DO UPDATE SET username=EXCLUDED.username, role=EXCLUDED.role`
	_, err := r.db.NamedExecContext(ctx, q, g)
	return err
}

// Revoke removes a grant.
func (r *GrantRepo) Revoke(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM admin_auth WHERE id=$1`, id)
	return err
}
