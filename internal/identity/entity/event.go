package entity

import "time"

type EventKind string

const (
	InitialSession EventKind = "INITIAL_SESSION"
	SignedIn       EventKind = "SIGNED_IN"
	TokenRefreshed EventKind = "TOKEN_REFRESHED"
	SignedOut      EventKind = "SIGNED_OUT"
	UserDeleted    EventKind = "USER_DELETED"
	// PasswordRecovery is a session opened by redeeming a recovery token.
	PasswordRecovery EventKind = "PASSWORD_RECOVERY"
)

// Passive events are not triggered by a user action on this client.
func (k EventKind) Passive() bool {
	return k == InitialSession || k == TokenRefreshed
}

// Interactive events open a session on behalf of a sign-in call.
func (k EventKind) Interactive() bool {
	return k == SignedIn || k == PasswordRecovery
}

// Event is one auth lifecycle notification.
type Event struct {
	ID         string
	Kind       EventKind
	Session    *Session
	ReceivedAt time.Time
}

// Principal returns the principal carried by the event, if any.
func (e Event) Principal() *Principal {
	if e.Session == nil {
		return nil
	}
	return e.Session.Principal
}
