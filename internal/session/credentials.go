package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity"
	ientity "github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile/entity"
)

var (
	errEmailImmutable = errors.New("email cannot be changed through a profile edit")
	errEmptyName      = errors.New("name must not be empty")
	errEmptyEmail     = errors.New("email is required")
)

// AdminGate is the admin check used by AdminSignIn.
type AdminGate interface {
	Check(ctx context.Context, principalID string) bool
	RecordLogin(ctx context.Context, principalID string)
}

// Credentials runs user-initiated auth actions against the provider and
// keeps the store in step with them.
type Credentials struct {
	provider   identity.Provider
	reconciler Reconciler
	profiles   profile.Store
	gate       AdminGate
	store      *Store
	listener   *Listener
	logger     *zap.SugaredLogger
	now        func() time.Time
}

func NewCredentials(provider identity.Provider, reconciler Reconciler, profiles profile.Store, gate AdminGate, store *Store, listener *Listener, logger *zap.SugaredLogger) *Credentials {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Credentials{
		provider:   provider,
		reconciler: reconciler,
		profiles:   profiles,
		gate:       gate,
		store:      store,
		listener:   listener,
		logger:     logger,
		now:        time.Now,
	}
}

// SignIn authenticates and reconciles the profile before returning, so the
// store holds a ready profile once it succeeds.
func (c *Credentials) SignIn(ctx context.Context, email, password string) (*entity.Profile, error) {
	prof, err := c.establish(ctx, email, func(ctx context.Context) (*ientity.Session, error) {
		return c.provider.SignInWithPassword(ctx, normalizeEmail(email), password)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Infow("signed in", "principal_id", prof.ID)
	return prof, nil
}

// RecoverSession redeems a password recovery token. Like SignIn it returns
// once the profile is in the store; the caller is then expected to set a new
// password with UpdatePassword.
func (c *Credentials) RecoverSession(ctx context.Context, email, token string) (*entity.Profile, error) {
	email = normalizeEmail(email)
	if email == "" || strings.TrimSpace(token) == "" {
		return nil, apperr.ErrInvalidCredentials
	}
	prof, err := c.establish(ctx, email, func(ctx context.Context) (*ientity.Session, error) {
		return c.provider.VerifyRecovery(ctx, email, strings.TrimSpace(token))
	})
	if err != nil {
		return nil, err
	}
	c.logger.Infow("session recovered", "principal_id", prof.ID)
	return prof, nil
}

// establish opens a session through open and reconciles its profile. The
// listener skips the sign-in event this produces. Once the session exists
// the reconcile outlives ctx, so a caller giving up cannot leave the store
// on the previous principal.
func (c *Credentials) establish(ctx context.Context, email string, open func(context.Context) (*ientity.Session, error)) (*entity.Profile, error) {
	settle := c.listener.claim(email)
	sess, err := open(ctx)
	settle(err == nil)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	if sess == nil || sess.Principal == nil {
		return nil, apperr.ErrSessionUnavailable
	}
	seq := c.store.begin()
	prof, err := c.reconciler.Reconcile(context.WithoutCancel(ctx), *sess.Principal)
	if err != nil {
		return nil, err
	}
	c.store.apply(seq, prof)
	return prof, nil
}

// SignUp creates the principal with name stored under both metadata keys.
// It does not wait for the profile; the following sign-in event reconciles it.
func (c *Credentials) SignUp(ctx context.Context, email, password, name string) (*ientity.Principal, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, apperr.Wrap(apperr.ErrPolicyViolation, errEmptyEmail)
	}
	if err := CheckPassword(password); err != nil {
		return nil, err
	}
	meta := map[string]any{}
	if name = strings.TrimSpace(name); name != "" {
		meta[ientity.MetaName] = name
		meta[ientity.MetaFullName] = name
	}
	p, err := c.provider.SignUp(ctx, email, password, meta)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	c.logger.Infow("signed up", "principal_id", p.ID)
	return p, nil
}

// SignOut ends the remote session. The local store is cleared whatever the
// remote call returns.
func (c *Credentials) SignOut(ctx context.Context) error {
	err := c.provider.SignOut(ctx)
	c.store.clear()
	if err != nil {
		c.logger.Warnw("remote sign-out failed, local session cleared", "err", err)
		return apperr.Classify(err)
	}
	return nil
}

// UpdatePassword requires an active session.
func (c *Credentials) UpdatePassword(ctx context.Context, newPassword string) error {
	if _, err := c.currentPrincipal(ctx); err != nil {
		return err
	}
	if err := CheckPassword(newPassword); err != nil {
		return err
	}
	if _, err := c.provider.UpdateUser(ctx, ientity.UserUpdate{Password: &newPassword}); err != nil {
		return apperr.Classify(err)
	}
	return nil
}

// UpdateProfile edits the signed-in principal's profile. Only the name may
// change; an email that differs from the stored one is a policy violation.
func (c *Credentials) UpdateProfile(ctx context.Context, patch entity.Patch) (*entity.Profile, error) {
	p, err := c.currentPrincipal(ctx)
	if err != nil {
		return nil, err
	}
	current, err := c.profiles.SelectByID(ctx, p.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrProfileFetchFailed, apperr.Classify(err))
	}
	if patch.Email != nil && !strings.EqualFold(strings.TrimSpace(*patch.Email), current.Email) {
		return nil, apperr.Wrap(apperr.ErrPolicyViolation, errEmailImmutable)
	}
	if patch.Name == nil {
		return current, nil
	}
	name := strings.TrimSpace(*patch.Name)
	if name == "" {
		return nil, apperr.Wrap(apperr.ErrPolicyViolation, errEmptyName)
	}

	updated, err := c.profiles.Update(ctx, p.ID, entity.Update{Name: name, UpdatedAt: c.now().UTC()})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrProfileUpdateFailed, apperr.Classify(err))
	}
	if _, err := c.provider.UpdateUser(ctx, ientity.UserUpdate{Data: map[string]any{ientity.MetaName: name}}); err != nil {
		c.logger.Warnw("mirroring name into principal metadata failed", "principal_id", p.ID, "err", err)
	}
	c.store.apply(c.store.begin(), updated)
	return updated, nil
}

// RequestPasswordReset asks the provider to send a recovery link.
func (c *Credentials) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return apperr.Wrap(apperr.ErrPolicyViolation, errEmptyEmail)
	}
	if err := c.provider.ResetPasswordForEmail(ctx, email); err != nil {
		return apperr.Classify(err)
	}
	return nil
}

// AdminSignIn signs in and then requires an admin grant. Without one the new
// session is signed out again.
func (c *Credentials) AdminSignIn(ctx context.Context, email, password string) (*entity.Profile, error) {
	prof, err := c.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if !c.gate.Check(ctx, prof.ID) {
		if err := c.SignOut(ctx); err != nil {
			c.logger.Warnw("sign-out after denied admin sign-in failed", "principal_id", prof.ID, "err", err)
		}
		return nil, apperr.ErrUnauthorizedAdminAccess
	}
	c.gate.RecordLogin(ctx, prof.ID)
	return prof, nil
}

// IsAdmin checks the signed-in principal's grant live.
func (c *Credentials) IsAdmin(ctx context.Context) bool {
	p, err := c.currentPrincipal(ctx)
	if err != nil {
		return false
	}
	return c.gate.Check(ctx, p.ID)
}

func (c *Credentials) currentPrincipal(ctx context.Context) (*ientity.Principal, error) {
	sess, err := c.provider.GetSession(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrSessionUnavailable, apperr.Classify(err))
	}
	if sess == nil || sess.Principal == nil {
		return nil, apperr.ErrSessionUnavailable
	}
	return sess.Principal, nil
}
