package entity

import (
	"encoding/json"
	"time"
)

// Account is a principal row of the local identity provider, credentials included.
type Account struct {
	ID                  string     `db:"id"`
	Email               string     `db:"email"`
	PasswordHash        string     `db:"password_hash"`
	PasswordAlgo        string     `db:"password_algo"`
	PasswordUpdatedAt   *time.Time `db:"password_updated_at"`
	Status              string     `db:"status"` // active / locked / disabled
	LoginFailedAttempts int        `db:"login_failed_attempts"`
	LockedUntil         *time.Time `db:"locked_until"`
	LastLoginAt         *time.Time `db:"last_login_at"`
	Version             int64      `db:"version"`
	MetadataRaw         []byte     `db:"metadata"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

// Principal projects the account onto the identity exposed to clients.
func (a *Account) Principal() (*Principal, error) {
	p := &Principal{ID: a.ID, Email: a.Email}
	if len(a.MetadataRaw) > 0 {
		if err := json.Unmarshal(a.MetadataRaw, &p.Metadata); err != nil {
			return nil, err
		}
	}
	return p, nil
}
