package entity

import "time"

// Grant is a privileged-role record. Its existence alone authorizes.
type Grant struct {
	ID        string     `db:"id" json:"id"`
	Username  string     `db:"username" json:"username"`
	Role      string     `db:"role" json:"role"`
	LastLogin *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}
