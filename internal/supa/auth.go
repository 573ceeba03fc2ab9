package supa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	gotrue "github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
)

// authAPI is the anonymous part of the GoTrue client used here.
type authAPI interface {
	Signup(req types.SignupRequest) (*types.SignupResponse, error)
	SignInWithEmailPassword(email, password string) (*types.TokenResponse, error)
	RefreshToken(refreshToken string) (*types.TokenResponse, error)
	Recover(req types.RecoverRequest) error
	VerifyForUser(req types.VerifyForUserRequest) (*types.VerifyForUserResponse, error)
}

// userAPI is the part of the GoTrue client that acts for a signed-in user.
type userAPI interface {
	GetUser() (*types.UserResponse, error)
	UpdateUser(req types.UpdateUserRequest) (*types.UpdateUserResponse, error)
	Logout() error
}

// Auth is an identity.Provider over GoTrue. Like a browser client it holds a
// single session and publishes lifecycle events for it.
type Auth struct {
	api    authAPI
	asUser func(token string) userAPI
	hub    *identity.Hub
	logger *zap.SugaredLogger
	clock  clockwork.Clock

	// RefreshMargin is how long before expiry AutoRefresh renews the session.
	RefreshMargin time.Duration

	mu      sync.Mutex
	current *entity.Session
}

func NewAuth(client gotrue.Client, logger *zap.SugaredLogger) *Auth {
	return newAuth(client, func(token string) userAPI { return client.WithToken(token) }, logger)
}

func newAuth(api authAPI, asUser func(string) userAPI, logger *zap.SugaredLogger) *Auth {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Auth{
		api:           api,
		asUser:        asUser,
		hub:           identity.NewHub(),
		logger:        logger,
		clock:         clockwork.NewRealClock(),
		RefreshMargin: time.Minute,
	}
}

func (a *Auth) Subscribe() *identity.Subscription {
	return a.hub.Subscribe(a.session())
}

// SignUp registers the principal. With e-mail autoconfirm on GoTrue returns
// a session right away and SIGNED_IN is published.
func (a *Auth) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*entity.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := a.api.Signup(types.SignupRequest{Email: email, Password: password, Data: metadata})
	if err != nil {
		return nil, mapError(err)
	}
	p, err := toPrincipal(resp.User)
	if err != nil {
		return nil, err
	}
	if resp.AccessToken != "" {
		sess, err := a.toSession(resp.Session)
		if err != nil {
			return nil, err
		}
		a.setSession(sess)
		a.hub.Publish(entity.SignedIn, sess)
	} else {
		a.logger.Infow("sign-up awaiting email confirmation", "principal_id", p.ID)
	}
	return p, nil
}

func (a *Auth) SignInWithPassword(ctx context.Context, email, password string) (*entity.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := a.api.SignInWithEmailPassword(email, password)
	if err != nil {
		return nil, mapError(err)
	}
	sess, err := a.toSession(resp.Session)
	if err != nil {
		return nil, err
	}
	a.setSession(sess)
	a.hub.Publish(entity.SignedIn, sess)
	return sess, nil
}

// SignOut forgets the session locally before revoking it remotely.
func (a *Auth) SignOut(ctx context.Context) error {
	a.mu.Lock()
	cur := a.current
	a.current = nil
	a.mu.Unlock()
	if cur == nil {
		return nil
	}
	a.hub.Publish(entity.SignedOut, nil)
	if err := a.asUser(cur.AccessToken).Logout(); err != nil {
		return mapError(err)
	}
	return nil
}

// GetSession returns the current session, refreshing it once the access
// token has expired.
func (a *Auth) GetSession(ctx context.Context) (*entity.Session, error) {
	cur := a.session()
	if cur == nil {
		return nil, nil
	}
	if !a.clock.Now().Before(cur.ExpiresAt) {
		return a.RefreshSession(ctx)
	}
	return cur, nil
}

func (a *Auth) GetUser(ctx context.Context) (*entity.Principal, error) {
	sess, err := a.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.ErrSessionUnavailable
	}
	resp, err := a.asUser(sess.AccessToken).GetUser()
	if err != nil {
		return nil, mapError(err)
	}
	return toPrincipal(resp.User)
}

func (a *Auth) UpdateUser(ctx context.Context, in entity.UserUpdate) (*entity.Principal, error) {
	sess, err := a.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.ErrSessionUnavailable
	}
	req := types.UpdateUserRequest{Password: in.Password, Data: in.Data}
	if in.Email != nil {
		req.Email = *in.Email
	}
	resp, err := a.asUser(sess.AccessToken).UpdateUser(req)
	if err != nil {
		return nil, mapError(err)
	}
	p, err := toPrincipal(resp.User)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	if a.current != nil && a.current.AccessToken == sess.AccessToken {
		cp := *p
		a.current.Principal = &cp
	}
	a.mu.Unlock()
	return p, nil
}

// RefreshSession exchanges the refresh token and publishes TOKEN_REFRESHED.
// A refresh token GoTrue rejects ends the session with SIGNED_OUT; transport
// faults leave it in place.
func (a *Auth) RefreshSession(ctx context.Context) (*entity.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur := a.session()
	if cur == nil {
		return nil, apperr.ErrSessionUnavailable
	}
	resp, err := a.api.RefreshToken(cur.RefreshToken)
	if err != nil {
		if apperr.IsTransport(err) {
			return nil, apperr.Classify(err)
		}
		a.dropSession(cur)
		return nil, apperr.Wrap(apperr.ErrSessionUnavailable, err)
	}
	sess, err := a.toSession(resp.Session)
	if err != nil {
		return nil, err
	}
	a.setSession(sess)
	a.hub.Publish(entity.TokenRefreshed, sess)
	return sess, nil
}

func (a *Auth) ResetPasswordForEmail(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.api.Recover(types.RecoverRequest{Email: email}); err != nil {
		return mapError(err)
	}
	return nil
}

// VerifyRecovery redeems the OTP from a recovery e-mail. GoTrue answers with
// a session, which is published as PASSWORD_RECOVERY.
func (a *Auth) VerifyRecovery(ctx context.Context, email, token string) (*entity.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := a.api.VerifyForUser(types.VerifyForUserRequest{
		Type:  types.VerificationTypeRecovery,
		Token: token,
		Email: email,
	})
	if err != nil {
		return nil, mapError(err)
	}
	sess, err := a.toSession(resp.Session)
	if err != nil {
		return nil, err
	}
	a.setSession(sess)
	a.hub.Publish(entity.PasswordRecovery, sess)
	return sess, nil
}

// AutoRefresh renews the session shortly before it expires until ctx is
// done. Failures are logged; an expired session is refreshed again by
// GetSession.
func (a *Auth) AutoRefresh(ctx context.Context, every time.Duration) {
	ticker := a.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			cur := a.session()
			if cur == nil || a.clock.Until(cur.ExpiresAt) > a.RefreshMargin {
				continue
			}
			if _, err := a.RefreshSession(ctx); err != nil {
				a.logger.Warnw("session auto refresh failed", "err", err)
			}
		}
	}
}

// SetClock replaces the time source used for expiry checks.
func (a *Auth) SetClock(c clockwork.Clock) { a.clock = c }

func (a *Auth) session() *entity.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	cp := *a.current
	return &cp
}

func (a *Auth) setSession(s *entity.Session) {
	cp := *s
	a.mu.Lock()
	a.current = &cp
	a.mu.Unlock()
}

// dropSession clears the session if it is still old and announces it.
func (a *Auth) dropSession(old *entity.Session) {
	a.mu.Lock()
	if a.current == nil || a.current.RefreshToken != old.RefreshToken {
		a.mu.Unlock()
		return
	}
	a.current = nil
	a.mu.Unlock()
	a.hub.Publish(entity.SignedOut, nil)
}

func (a *Auth) toSession(s types.Session) (*entity.Session, error) {
	p, err := toPrincipal(s.User)
	if err != nil {
		return nil, err
	}
	exp := time.Unix(s.ExpiresAt, 0)
	if s.ExpiresAt == 0 {
		exp = a.clock.Now().Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	return &entity.Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    exp,
		Principal:    p,
	}, nil
}

var errNoPrincipal = errors.New("gotrue response carries no user")

func toPrincipal(u types.User) (*entity.Principal, error) {
	if u.ID == uuid.Nil {
		return nil, apperr.Wrap(apperr.ErrSessionUnavailable, errNoPrincipal)
	}
	return &entity.Principal{ID: u.ID.String(), Email: u.Email, Metadata: u.UserMetadata}, nil
}

// mapError sorts GoTrue failures into the error kinds. GoTrue reports only a
// status line and body, so the body is matched.
func mapError(err error) error {
	if apperr.IsTransport(err) {
		return apperr.Classify(err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid login credentials"),
		strings.Contains(msg, "invalid_credentials"),
		strings.Contains(msg, "invalid_grant"),
		strings.Contains(msg, "otp_expired"),
		strings.Contains(msg, "token has expired or is invalid"):
		return apperr.Wrap(apperr.ErrInvalidCredentials, err)
	case strings.Contains(msg, "already registered"), strings.Contains(msg, "user_already_exists"):
		return apperr.Wrap(apperr.ErrPolicyViolation, identity.ErrEmailTaken)
	case strings.Contains(msg, "weak_password"), strings.Contains(msg, "password should"):
		return apperr.Wrap(apperr.ErrWeakPassword, err)
	case strings.Contains(msg, "invalid format"), strings.Contains(msg, "validation_failed"):
		return apperr.Wrap(apperr.ErrPolicyViolation, identity.ErrInvalidEmail)
	case strings.Contains(msg, "status code 401"), strings.Contains(msg, "status code 403"):
		return apperr.Wrap(apperr.ErrSessionUnavailable, err)
	}
	return fmt.Errorf("gotrue: %w", err)
}
