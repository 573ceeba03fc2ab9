package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
)

// PrincipalCreatedChannel is the NOTIFY channel fired for every new principal.
// The payload is {"id","email","metadata"}.
const PrincipalCreatedChannel = "principal_created"

var (
	ErrNotFound       = errors.New("principal not found")
	ErrDuplicateEmail = errors.New("principal email already exists")
)

// PrincipalRepo provides data access for the principals table using sqlx.
type PrincipalRepo struct {
	db *sqlx.DB
}

func NewPrincipalRepo(db *sqlx.DB) *PrincipalRepo { return &PrincipalRepo{db: db} }

// EnsureTable creates the principals table and its creation notifier (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *PrincipalRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS principals (
  id TEXT PRIMARY KEY,
  email CITEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  password_algo TEXT NOT NULL,
  password_updated_at TIMESTAMPTZ,
  status TEXT NOT NULL DEFAULT 'active',
  login_failed_attempts INT NOT NULL DEFAULT 0,
  locked_until TIMESTAMPTZ,
  last_login_at TIMESTAMPTZ,
  version BIGINT NOT NULL DEFAULT 1,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE OR REPLACE FUNCTION notify_principal_created() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify('principal_created',
    json_build_object('id', NEW.id, 'email', NEW.email, 'metadata', NEW.metadata)::text);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS principals_created_notify ON principals;
CREATE TRIGGER principals_created_notify AFTER INSERT ON principals
  FOR EACH ROW EXECUTE FUNCTION notify_principal_created();
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const accountColumns = `id, email, password_hash, password_algo, password_updated_at, status,
	login_failed_attempts, locked_until, last_login_at, version, metadata, created_at, updated_at`

// Create inserts a new principal row. A taken email yields ErrDuplicateEmail.
func (r *PrincipalRepo) Create(ctx context.Context, a *entity.Account) error {
	meta := json.RawMessage("{}")
	if len(a.MetadataRaw) > 0 {
		meta = json.RawMessage(a.MetadataRaw)
	}
	const q = `INSERT INTO principals (id, email, password_hash, password_algo, password_updated_at, status, version, metadata)
		VALUES (:id, :email, :password_hash, :password_algo, NOW(), :status, :version, :metadata)
		RETURNING created_at, updated_at`
	params := map[string]any{
		"id":            a.ID,
		"email":         a.Email,
		"password_hash": a.PasswordHash,
		"password_algo": a.PasswordAlgo,
		"status":        a.Status,
		"version":       a.Version,
		"metadata":      string(meta),
	}
	rows, err := r.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&a.CreatedAt, &a.UpdatedAt)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return errors.New("no row returned")
}

// GetByEmail returns an account matched by email (case-insensitive due to citext).
func (r *PrincipalRepo) GetByEmail(ctx context.Context, email string) (*entity.Account, error) {
	return r.get(ctx, `SELECT `+accountColumns+` FROM principals WHERE email=$1`, email)
}

// GetByID fetches a full account row.
func (r *PrincipalRepo) GetByID(ctx context.Context, id string) (*entity.Account, error) {
	return r.get(ctx, `SELECT `+accountColumns+` FROM principals WHERE id=$1`, id)
}

func (r *PrincipalRepo) get(ctx context.Context, q string, arg any) (*entity.Account, error) {
	var row entity.Account
	if err := r.db.GetContext(ctx, &row, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

// IncrementFailedLogin increments the failure counter atomically and returns new value.
func (r *PrincipalRepo) IncrementFailedLogin(ctx context.Context, id string) (int, error) {
	const q = `UPDATE principals SET login_failed_attempts = login_failed_attempts + 1, updated_at=NOW() WHERE id=$1 RETURNING login_failed_attempts`
	var v int
	if err := r.db.GetContext(ctx, &v, q, id); err != nil {
		return 0, err
	}
	return v, nil
}

// LockIfThreshold locks the account if attempts >= threshold and currently active.
func (r *PrincipalRepo) LockIfThreshold(ctx context.Context, id string, threshold int, lockMinutes int) (bool, error) {
	const q = `UPDATE principals SET status='locked', locked_until = NOW() + ($2 || ' minutes')::interval, updated_at=NOW()
              WHERE id=$1 AND status='active' AND login_failed_attempts >= $3 RETURNING 1`
	var one int
	err := r.db.GetContext(ctx, &one, q, id, lockMinutes, threshold)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UnlockIfExpired sets status back to active if locked_until passed.
func (r *PrincipalRepo) UnlockIfExpired(ctx context.Context, id string) (bool, error) {
	const q = `UPDATE principals SET status='active', locked_until=NULL, updated_at=NOW()
               WHERE id=$1 AND status='locked' AND locked_until IS NOT NULL AND locked_until < NOW() RETURNING 1`
	var one int
	err := r.db.GetContext(ctx, &one, q, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ResetLoginSuccess resets failure metrics on successful authentication.
func (r *PrincipalRepo) ResetLoginSuccess(ctx context.Context, id string) error {
	const q = `UPDATE principals SET login_failed_attempts=0, last_login_at=NOW(), locked_until=NULL, updated_at=NOW() WHERE id=$1`
	_, err := r.db.ExecContext(ctx, q, id)
	return err
}

// UpdatePassword rotates the password hash and bumps version so older tokens stop verifying.
func (r *PrincipalRepo) UpdatePassword(ctx context.Context, id, hash, algo string) error {
	const q = `UPDATE principals SET password_hash=$2, password_algo=$3, password_updated_at=NOW(), version=version+1, updated_at=NOW() WHERE id=$1`
	return r.execOne(ctx, q, id, hash, algo)
}

// MergeMetadata shallow-merges data into the metadata document.
func (r *PrincipalRepo) MergeMetadata(ctx context.Context, id string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	const q = `UPDATE principals SET metadata = metadata || $2::jsonb, updated_at=NOW() WHERE id=$1`
	return r.execOne(ctx, q, id, string(raw))
}

// UpdateEmail changes the sign-in email.
func (r *PrincipalRepo) UpdateEmail(ctx context.Context, id, email string) error {
	const q = `UPDATE principals SET email=$2, updated_at=NOW() WHERE id=$1`
	err := r.execOne(ctx, q, id, email)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

// Delete removes the principal. Profiles are left in place.
func (r *PrincipalRepo) Delete(ctx context.Context, id string) error {
	return r.execOne(ctx, `DELETE FROM principals WHERE id=$1`, id)
}

func (r *PrincipalRepo) execOne(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
