package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/service-session-go/pkg/utilities"
)

var (
	ErrLocked          = errors.New("principal locked")
	ErrDisabled        = errors.New("principal disabled")
	ErrRecoveryInvalid = errors.New("recovery token invalid or expired")
)

// AccountRepo is the principal storage the local provider needs.
type AccountRepo interface {
	Create(ctx context.Context, a *entity.Account) error
	GetByEmail(ctx context.Context, email string) (*entity.Account, error)
	GetByID(ctx context.Context, id string) (*entity.Account, error)
	IncrementFailedLogin(ctx context.Context, id string) (int, error)
	LockIfThreshold(ctx context.Context, id string, threshold int, lockMinutes int) (bool, error)
	UnlockIfExpired(ctx context.Context, id string) (bool, error)
	ResetLoginSuccess(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, hash, algo string) error
	MergeMetadata(ctx context.Context, id string, data map[string]any) error
	UpdateEmail(ctx context.Context, id, email string) error
	Delete(ctx context.Context, id string) error
}

// RefreshStore persists opaque refresh tokens.
type RefreshStore interface {
	Save(ctx context.Context, token string, s repo.RefreshSession) error
	Get(ctx context.Context, token string) (*repo.RefreshSession, error)
	Delete(ctx context.Context, token string) error
	DeleteForPrincipal(ctx context.Context, principalID string) error
}

// LocalProvider is an in-process identity provider over PostgreSQL. It holds
// the one session of this client and publishes lifecycle events on its hub.
type LocalProvider struct {
	accounts AccountRepo
	refresh  RefreshStore
	hasher   PasswordHasher
	tokens   *TokenIssuer
	hub      *Hub
	logger   *zap.SugaredLogger
	clock    clockwork.Clock

	// configuration knobs
	MaxFailed   int
	LockMinutes int
	RefreshTTL  time.Duration
	ClientID    string
	// OnRecovery delivers password recovery tokens. Nil only logs that one was issued.
	OnRecovery func(email, token string)

	mu      sync.Mutex
	current *entity.Session
	// redeemed recovery tokens by hash, until they expire
	redeemed map[string]time.Time
}

func NewLocalProvider(accounts AccountRepo, refresh RefreshStore, hasher PasswordHasher, tokens *TokenIssuer, logger *zap.SugaredLogger) *LocalProvider {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 12}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LocalProvider{
		accounts:    accounts,
		refresh:     refresh,
		hasher:      hasher,
		tokens:      tokens,
		hub:         NewHub(),
		logger:      logger,
		clock:       clockwork.NewRealClock(),
		MaxFailed:   6,
		LockMinutes: 15,
		RefreshTTL:  30 * 24 * time.Hour,
		redeemed:    map[string]time.Time{},
	}
}

func (p *LocalProvider) Subscribe() *Subscription {
	return p.hub.Subscribe(p.session())
}

// SignUp creates the principal and, as there is no e-mail confirmation step,
// signs it in right away.
func (p *LocalProvider) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*entity.Principal, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.Wrap(apperr.ErrPolicyViolation, ErrInvalidEmail)
	}
	hash, algo, err := p.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	acct := &entity.Account{
		ID:           utilities.NewKSUID(),
		Email:        email,
		PasswordHash: hash,
		PasswordAlgo: algo,
		Status:       "active",
		Version:      1,
		MetadataRaw:  raw,
	}
	if err := p.accounts.Create(ctx, acct); err != nil {
		if errors.Is(err, repo.ErrDuplicateEmail) {
			return nil, apperr.Wrap(apperr.ErrPolicyViolation, ErrEmailTaken)
		}
		return nil, apperr.Classify(err)
	}
	principal, err := acct.Principal()
	if err != nil {
		return nil, err
	}
	p.logger.Infow("principal created", "principal_id", acct.ID)

	sess, err := p.issueSession(ctx, acct)
	if err != nil {
		// the principal exists; the caller can sign in explicitly
		p.logger.Warnw("auto sign-in after sign-up failed", "principal_id", acct.ID, "err", err)
		return principal, nil
	}
	p.setSession(sess)
	p.hub.Publish(entity.SignedIn, sess)
	return principal, nil
}

// SignInWithPassword authenticates by email. On success it resets counters,
// stores the session and publishes SIGNED_IN.
func (p *LocalProvider) SignInWithPassword(ctx context.Context, email, password string) (*entity.Session, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, apperr.ErrInvalidCredentials
	}
	acct, err := p.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// avoid user enumeration
			return nil, apperr.ErrInvalidCredentials
		}
		return nil, apperr.Classify(err)
	}

	// Expired lock auto-unlock attempt
	if acct.Status == "locked" && acct.LockedUntil != nil && acct.LockedUntil.Before(p.clock.Now()) {
		if unlocked, _ := p.accounts.UnlockIfExpired(ctx, acct.ID); unlocked {
			acct.Status = "active"
			acct.LockedUntil = nil
		}
	}
	switch acct.Status {
	case "locked":
		return nil, apperr.Wrap(apperr.ErrInvalidCredentials, ErrLocked)
	case "disabled":
		return nil, apperr.Wrap(apperr.ErrInvalidCredentials, ErrDisabled)
	}

	if !p.hasher.Verify(acct.PasswordHash, password) {
		if _, incErr := p.accounts.IncrementFailedLogin(ctx, acct.ID); incErr == nil {
			if locked, _ := p.accounts.LockIfThreshold(ctx, acct.ID, p.MaxFailed, p.LockMinutes); locked {
				p.logger.Warnw("principal locked after failed logins", "principal_id", acct.ID)
			}
		}
		return nil, apperr.ErrInvalidCredentials
	}

	if err := p.accounts.ResetLoginSuccess(ctx, acct.ID); err != nil {
		return nil, apperr.Classify(err)
	}
	if p.hasher.NeedsRehash(acct.PasswordHash) {
		if h, algo, hErr := p.hasher.Hash(password); hErr == nil {
			if err := p.accounts.UpdatePassword(ctx, acct.ID, h, algo); err == nil {
				acct.Version++
			}
		}
	}

	sess, err := p.issueSession(ctx, acct)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	p.setSession(sess)
	p.hub.Publish(entity.SignedIn, sess)
	return cloneSession(sess), nil
}

// SignOut drops the local session first, then revokes the refresh token.
func (p *LocalProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	cur := p.current
	p.current = nil
	p.mu.Unlock()
	if cur == nil {
		return nil
	}
	p.hub.Publish(entity.SignedOut, nil)
	if err := p.refresh.Delete(ctx, cur.RefreshToken); err != nil {
		return apperr.Classify(err)
	}
	return nil
}

// GetSession returns the current session, refreshing it when the access
// token has expired.
func (p *LocalProvider) GetSession(ctx context.Context) (*entity.Session, error) {
	cur := p.session()
	if cur == nil {
		return nil, nil
	}
	if !p.clock.Now().Before(cur.ExpiresAt) {
		return p.RefreshSession(ctx)
	}
	return cur, nil
}

func (p *LocalProvider) GetUser(ctx context.Context) (*entity.Principal, error) {
	acct, err := p.currentAccount(ctx)
	if err != nil {
		return nil, err
	}
	return acct.Principal()
}

// UpdateUser applies password, email and metadata changes for the signed-in
// principal. A password change bumps the token version, so the session's
// access token is reissued.
func (p *LocalProvider) UpdateUser(ctx context.Context, in entity.UserUpdate) (*entity.Principal, error) {
	acct, err := p.currentAccount(ctx)
	if err != nil {
		return nil, err
	}
	if in.Password != nil {
		hash, algo, err := p.hasher.Hash(*in.Password)
		if err != nil {
			return nil, err
		}
		if err := p.accounts.UpdatePassword(ctx, acct.ID, hash, algo); err != nil {
			return nil, apperr.Classify(err)
		}
	}
	if in.Email != nil {
		email := normalizeEmail(*in.Email)
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, apperr.Wrap(apperr.ErrPolicyViolation, ErrInvalidEmail)
		}
		if err := p.accounts.UpdateEmail(ctx, acct.ID, email); err != nil {
			if errors.Is(err, repo.ErrDuplicateEmail) {
				return nil, apperr.Wrap(apperr.ErrPolicyViolation, ErrEmailTaken)
			}
			return nil, apperr.Classify(err)
		}
	}
	if len(in.Data) > 0 {
		if err := p.accounts.MergeMetadata(ctx, acct.ID, in.Data); err != nil {
			return nil, apperr.Classify(err)
		}
	}

	acct, err = p.accounts.GetByID(ctx, acct.ID)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	principal, err := acct.Principal()
	if err != nil {
		return nil, err
	}
	access, exp, err := p.tokens.Issue(acct.ID, acct.Email, acct.Version)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.current != nil && p.current.Principal != nil && p.current.Principal.ID == acct.ID {
		p.current.AccessToken = access
		p.current.ExpiresAt = exp
		p.current.Principal = principal
	}
	p.mu.Unlock()
	return principal, nil
}

// RefreshSession rotates the refresh token and publishes TOKEN_REFRESHED.
// An unknown or expired refresh token ends the session with SIGNED_OUT.
func (p *LocalProvider) RefreshSession(ctx context.Context) (*entity.Session, error) {
	cur := p.session()
	if cur == nil {
		return nil, apperr.ErrSessionUnavailable
	}
	rs, err := p.refresh.Get(ctx, cur.RefreshToken)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, apperr.Classify(err)
	}
	if rs == nil || !p.clock.Now().Before(rs.ExpiresAt) {
		p.dropSession(cur)
		return nil, apperr.ErrSessionUnavailable
	}
	acct, err := p.accounts.GetByID(ctx, rs.PrincipalID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			p.dropSession(cur)
			return nil, apperr.ErrSessionUnavailable
		}
		return nil, apperr.Classify(err)
	}
	if err := p.refresh.Delete(ctx, cur.RefreshToken); err != nil {
		// refuse to issue a new token while the old one is still live
		return nil, apperr.Classify(err)
	}
	sess, err := p.issueSession(ctx, acct)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	p.setSession(sess)
	p.hub.Publish(entity.TokenRefreshed, sess)
	return cloneSession(sess), nil
}

// ResetPasswordForEmail issues a recovery token when the address is known.
// Unknown addresses succeed silently.
func (p *LocalProvider) ResetPasswordForEmail(ctx context.Context, email string) error {
	acct, err := p.accounts.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return apperr.Classify(err)
	}
	tok, _, err := p.tokens.IssueRecovery(acct.ID, acct.Email, acct.Version)
	if err != nil {
		return err
	}
	if p.OnRecovery != nil {
		p.OnRecovery(acct.Email, tok)
		return nil
	}
	p.logger.Infow("password recovery token issued", "principal_id", acct.ID)
	return nil
}

// VerifyRecovery redeems a recovery token for a session and publishes
// PASSWORD_RECOVERY. A token works once, and not at all after the password
// has changed since it was issued.
func (p *LocalProvider) VerifyRecovery(ctx context.Context, email, token string) (*entity.Session, error) {
	claims, err := p.tokens.VerifyRecovery(token)
	if err != nil {
		p.logger.Debugw("recovery token rejected", "err", err)
		return nil, apperr.Wrap(apperr.ErrInvalidCredentials, ErrRecoveryInvalid)
	}
	if claims.Email != normalizeEmail(email) {
		return nil, apperr.Wrap(apperr.ErrInvalidCredentials, ErrRecoveryInvalid)
	}
	acct, err := p.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, apperr.Wrap(apperr.ErrInvalidCredentials, ErrRecoveryInvalid)
		}
		return nil, apperr.Classify(err)
	}
	if acct.Version != claims.Version || acct.Email != claims.Email {
		return nil, apperr.Wrap(apperr.ErrInvalidCredentials, ErrRecoveryInvalid)
	}
	if acct.Status == "disabled" {
		return nil, apperr.Wrap(apperr.ErrInvalidCredentials, ErrDisabled)
	}
	if !p.redeem(token, claims.Expires) {
		return nil, apperr.Wrap(apperr.ErrInvalidCredentials, ErrRecoveryInvalid)
	}

	sess, err := p.issueSession(ctx, acct)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	p.setSession(sess)
	p.hub.Publish(entity.PasswordRecovery, sess)
	p.logger.Infow("recovery token redeemed", "principal_id", acct.ID)
	return cloneSession(sess), nil
}

// redeem records token as used, reporting false when it already was.
func (p *LocalProvider) redeem(token string, expires time.Time) bool {
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, exp := range p.redeemed {
		if now.After(exp) {
			delete(p.redeemed, k)
		}
	}
	if _, used := p.redeemed[key]; used {
		return false
	}
	p.redeemed[key] = expires
	return true
}

// DeleteUser removes the signed-in principal and publishes USER_DELETED.
func (p *LocalProvider) DeleteUser(ctx context.Context) error {
	acct, err := p.currentAccount(ctx)
	if err != nil {
		return err
	}
	if err := p.accounts.Delete(ctx, acct.ID); err != nil {
		return apperr.Classify(err)
	}
	if err := p.refresh.DeleteForPrincipal(ctx, acct.ID); err != nil {
		p.logger.Warnw("revoke refresh tokens after delete failed", "principal_id", acct.ID, "err", err)
	}
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	p.hub.Publish(entity.UserDeleted, nil)
	return nil
}

// SetClock replaces the time source of the provider and its token issuer.
func (p *LocalProvider) SetClock(c clockwork.Clock) {
	p.clock = c
	p.tokens.now = c.Now
}

// Tokens exposes the issuer, for the discovery handler.
func (p *LocalProvider) Tokens() *TokenIssuer { return p.tokens }

func (p *LocalProvider) currentAccount(ctx context.Context) (*entity.Account, error) {
	sess, err := p.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.ErrSessionUnavailable
	}
	claims, err := p.tokens.Verify(sess.AccessToken)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrSessionUnavailable, err)
	}
	acct, err := p.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, apperr.ErrSessionUnavailable
		}
		return nil, apperr.Classify(err)
	}
	if acct.Version != claims.Version {
		return nil, apperr.Wrap(apperr.ErrSessionUnavailable, errors.New("token version revoked"))
	}
	return acct, nil
}

func (p *LocalProvider) issueSession(ctx context.Context, acct *entity.Account) (*entity.Session, error) {
	principal, err := acct.Principal()
	if err != nil {
		return nil, err
	}
	access, exp, err := p.tokens.Issue(acct.ID, acct.Email, acct.Version)
	if err != nil {
		return nil, err
	}
	rtBytes := make([]byte, 32)
	if _, err := rand.Read(rtBytes); err != nil {
		return nil, err
	}
	refresh := base64.RawURLEncoding.EncodeToString(rtBytes)
	rs := repo.RefreshSession{
		ID:          utilities.NewSnowflakeID(),
		PrincipalID: acct.ID,
		ClientID:    p.ClientID,
		ExpiresAt:   p.clock.Now().Add(p.RefreshTTL),
	}
	if err := p.refresh.Save(ctx, refresh, rs); err != nil {
		return nil, err
	}
	return &entity.Session{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp, Principal: principal}, nil
}

func (p *LocalProvider) session() *entity.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneSession(p.current)
}

func (p *LocalProvider) setSession(s *entity.Session) {
	p.mu.Lock()
	p.current = s
	p.mu.Unlock()
}

// dropSession clears cur if it is still the current session.
func (p *LocalProvider) dropSession(cur *entity.Session) {
	p.mu.Lock()
	dropped := p.current != nil && p.current.RefreshToken == cur.RefreshToken
	if dropped {
		p.current = nil
	}
	p.mu.Unlock()
	if dropped {
		p.hub.Publish(entity.SignedOut, nil)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
