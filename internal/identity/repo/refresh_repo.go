package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// RefreshSession is a persisted refresh token. Only the token hash is stored.
type RefreshSession struct {
	ID          string    `db:"id"`
	PrincipalID string    `db:"principal_id"`
	ClientID    string    `db:"client_id"`
	ExpiresAt   time.Time `db:"expires_at"`
}

type RefreshRepo struct {
	db *sqlx.DB
}

func NewRefreshRepo(db *sqlx.DB) *RefreshRepo {
	return &RefreshRepo{db: db}
}

// EnsureTable creates the refresh session table (idempotent).
func (r *RefreshRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS refresh_sessions (
  token_hash TEXT PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
  client_id TEXT NOT NULL DEFAULT '',
  expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_sessions_principal ON refresh_sessions(principal_id);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *RefreshRepo) Save(ctx context.Context, token string, s RefreshSession) error {
	const q = `INSERT INTO refresh_sessions (token_hash, id, principal_id, client_id, expires_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, q, hashToken(token), s.ID, s.PrincipalID, s.ClientID, s.ExpiresAt)
	return err
}

// Get returns the session for token or ErrNotFound.
func (r *RefreshRepo) Get(ctx context.Context, token string) (*RefreshSession, error) {
	const q = `SELECT id, principal_id, client_id, expires_at FROM refresh_sessions WHERE token_hash = $1`
	var s RefreshSession
	if err := r.db.GetContext(ctx, &s, q, hashToken(token)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *RefreshRepo) Delete(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE token_hash = $1`, hashToken(token))
	return err
}

// DeleteForPrincipal revokes every refresh token of a principal.
func (r *RefreshRepo) DeleteForPrincipal(ctx context.Context, principalID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE principal_id = $1`, principalID)
	return err
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
