package identity

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity/repo"
)

type memAccounts struct {
	mu   sync.Mutex
	rows map[string]*entity.Account
}

func newMemAccounts() *memAccounts { return &memAccounts{rows: map[string]*entity.Account{}} }

func (m *memAccounts) Create(_ context.Context, a *entity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Email == a.Email {
			return repo.ErrDuplicateEmail
		}
	}
	cp := *a
	m.rows[a.ID] = &cp
	return nil
}

func (m *memAccounts) find(id string) (*entity.Account, error) {
	r, ok := m.rows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return r, nil
}

func (m *memAccounts) GetByEmail(_ context.Context, email string) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Email == email {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *memAccounts) GetByID(_ context.Context, id string) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(id)
	if err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (m *memAccounts) IncrementFailedLogin(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(id)
	if err != nil {
		return 0, err
	}
	r.LoginFailedAttempts++
	return r.LoginFailedAttempts, nil
}

func (m *memAccounts) LockIfThreshold(_ context.Context, id string, threshold int, lockMinutes int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(id)
	if err != nil {
		return false, err
	}
	if r.Status != "active" || r.LoginFailedAttempts < threshold {
		return false, nil
	}
	until := time.Now().Add(time.Duration(lockMinutes) * time.Minute)
	r.Status, r.LockedUntil = "locked", &until
	return true, nil
}

func (m *memAccounts) UnlockIfExpired(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(id)
	if err != nil {
		return false, err
	}
	if r.Status != "locked" || r.LockedUntil == nil || r.LockedUntil.After(time.Now()) {
		return false, nil
	}
	r.Status, r.LockedUntil = "active", nil
	return true, nil
}

func (m *memAccounts) ResetLoginSuccess(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(id)
	if err != nil {
		return err
	}
	now := time.Now()
	r.LoginFailedAttempts, r.LastLoginAt = 0, &now
	return nil
}

func (m *memAccounts) UpdatePassword(_ context.Context, id, hash, algo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(id)
	if err != nil {
		return err
	}
	r.PasswordHash, r.PasswordAlgo = hash, algo
	r.Version++
	return nil
}

func (m *memAccounts) MergeMetadata(_ context.Context, id string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(id)
	if err != nil {
		return err
	}
	cur := map[string]any{}
	if len(r.MetadataRaw) > 0 {
		_ = json.Unmarshal(r.MetadataRaw, &cur)
	}
	for k, v := range data {
		cur[k] = v
	}
	r.MetadataRaw, err = json.Marshal(cur)
	return err
}

func (m *memAccounts) UpdateEmail(_ context.Context, id, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.find(id)
	if err != nil {
		return err
	}
	r.Email = email
	return nil
}

func (m *memAccounts) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.find(id); err != nil {
		return err
	}
	delete(m.rows, id)
	return nil
}

type memRefresh struct {
	mu   sync.Mutex
	rows map[string]repo.RefreshSession
	err  error
}

func newMemRefresh() *memRefresh { return &memRefresh{rows: map[string]repo.RefreshSession{}} }

func (m *memRefresh) Save(_ context.Context, token string, s repo.RefreshSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows[token] = s
	return nil
}

func (m *memRefresh) Get(_ context.Context, token string) (*repo.RefreshSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[token]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &s, nil
}

func (m *memRefresh) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.rows, token)
	return nil
}

func (m *memRefresh) DeleteForPrincipal(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.rows {
		if s.PrincipalID == id {
			delete(m.rows, k)
		}
	}
	return nil
}

func newTestProvider(t *testing.T) (*LocalProvider, *memAccounts, *memRefresh) {
	t.Helper()
	tokens, err := NewTokenIssuer("http://issuer.test", "storefront", time.Minute)
	require.NoError(t, err)
	accounts, refresh := newMemAccounts(), newMemRefresh()
	p := NewLocalProvider(accounts, refresh, BcryptHasher{Cost: bcrypt.MinCost}, tokens, nil)
	p.MaxFailed = 3
	return p, accounts, refresh
}

func nextKind(t *testing.T, sub *Subscription) entity.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestSignUpSignsInAndPublishes(t *testing.T) {
	p, _, _ := newTestProvider(t)
	sub := p.Subscribe()
	defer sub.Unsubscribe()
	assert.Nil(t, nextKind(t, sub).Session)

	pr, err := p.SignUp(context.Background(), " Ann@Example.com ", "Secret#123", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", pr.Email)
	assert.Equal(t, "Ann", pr.MetaString(entity.MetaName))

	ev := nextKind(t, sub)
	assert.Equal(t, entity.SignedIn, ev.Kind)
	assert.Equal(t, pr.ID, ev.Principal().ID)

	sess, err := p.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, pr.ID, sess.Principal.ID)
}

func TestSignUpRejectsTakenAndInvalidEmail(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ctx := context.Background()
	_, err := p.SignUp(ctx, "ann@example.com", "Secret#123", nil)
	require.NoError(t, err)

	_, err = p.SignUp(ctx, "ANN@example.com", "Secret#123", nil)
	assert.ErrorIs(t, err, ErrEmailTaken)
	assert.ErrorIs(t, err, apperr.ErrPolicyViolation)

	_, err = p.SignUp(ctx, "not-an-email", "Secret#123", nil)
	assert.ErrorIs(t, err, ErrInvalidEmail)
}

func TestSignInWrongPasswordLocksAfterThreshold(t *testing.T) {
	p, accounts, _ := newTestProvider(t)
	ctx := context.Background()
	pr, err := p.SignUp(ctx, "bob@example.com", "Secret#123", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = p.SignInWithPassword(ctx, "bob@example.com", "wrong")
		assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)
	}
	acct, err := accounts.GetByID(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, "locked", acct.Status)

	_, err = p.SignInWithPassword(ctx, "bob@example.com", "Secret#123")
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)
}

func TestSignInUnknownEmailIsInvalidCredentials(t *testing.T) {
	p, _, _ := newTestProvider(t)
	_, err := p.SignInWithPassword(context.Background(), "nobody@example.com", "x")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)
}

func TestSignOutClearsAndPublishes(t *testing.T) {
	p, _, refresh := newTestProvider(t)
	ctx := context.Background()
	_, err := p.SignUp(ctx, "c@example.com", "Secret#123", nil)
	require.NoError(t, err)

	sub := p.Subscribe()
	defer sub.Unsubscribe()
	assert.NotNil(t, nextKind(t, sub).Session)

	require.NoError(t, p.SignOut(ctx))
	assert.Equal(t, entity.SignedOut, nextKind(t, sub).Kind)
	assert.Empty(t, refresh.rows)

	sess, err := p.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
	_, err = p.GetUser(ctx)
	assert.ErrorIs(t, err, apperr.ErrSessionUnavailable)
}

func TestSignOutRemoteFailureStillClears(t *testing.T) {
	p, _, refresh := newTestProvider(t)
	ctx := context.Background()
	_, err := p.SignUp(ctx, "c@example.com", "Secret#123", nil)
	require.NoError(t, err)

	refresh.err = errors.New("boom")
	assert.Error(t, p.SignOut(ctx))
	sess, err := p.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestUpdateUserPasswordKeepsSessionUsable(t *testing.T) {
	p, accounts, _ := newTestProvider(t)
	ctx := context.Background()
	pr, err := p.SignUp(ctx, "d@example.com", "Secret#123", nil)
	require.NoError(t, err)

	pw := "Better#456"
	_, err = p.UpdateUser(ctx, entity.UserUpdate{Password: &pw, Data: map[string]any{"name": "Dee"}})
	require.NoError(t, err)

	acct, err := accounts.GetByID(ctx, pr.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, acct.Version)

	got, err := p.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Dee", got.MetaString(entity.MetaName))

	_, err = p.SignInWithPassword(ctx, "d@example.com", pw)
	assert.NoError(t, err)
}

func TestRefreshSessionRotatesToken(t *testing.T) {
	p, _, refresh := newTestProvider(t)
	ctx := context.Background()
	_, err := p.SignUp(ctx, "e@example.com", "Secret#123", nil)
	require.NoError(t, err)
	before, _ := p.GetSession(ctx)

	sub := p.Subscribe()
	defer sub.Unsubscribe()
	nextKind(t, sub)

	after, err := p.RefreshSession(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.RefreshToken, after.RefreshToken)
	assert.Len(t, refresh.rows, 1)
	assert.Equal(t, entity.TokenRefreshed, nextKind(t, sub).Kind)
}

func TestRefreshSessionRevokedTokenSignsOut(t *testing.T) {
	p, _, refresh := newTestProvider(t)
	ctx := context.Background()
	_, err := p.SignUp(ctx, "f@example.com", "Secret#123", nil)
	require.NoError(t, err)
	sub := p.Subscribe()
	defer sub.Unsubscribe()
	nextKind(t, sub)

	refresh.rows = map[string]repo.RefreshSession{}
	_, err = p.RefreshSession(ctx)
	assert.ErrorIs(t, err, apperr.ErrSessionUnavailable)
	assert.Equal(t, entity.SignedOut, nextKind(t, sub).Kind)
}

func TestGetSessionRefreshesExpiredAccessToken(t *testing.T) {
	p, _, _ := newTestProvider(t)
	clock := clockwork.NewFakeClockAt(time.Now())
	p.SetClock(clock)
	ctx := context.Background()
	_, err := p.SignUp(ctx, "i@example.com", "Secret#123", nil)
	require.NoError(t, err)
	before, _ := p.GetSession(ctx)

	sub := p.Subscribe()
	defer sub.Unsubscribe()
	nextKind(t, sub)

	clock.Advance(2 * time.Minute)
	after, err := p.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))
	assert.Equal(t, entity.TokenRefreshed, nextKind(t, sub).Kind)

	_, err = p.GetUser(ctx)
	assert.NoError(t, err)
}

func TestResetPasswordForEmail(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ctx := context.Background()
	_, err := p.SignUp(ctx, "g@example.com", "Secret#123", nil)
	require.NoError(t, err)

	var sentTo string
	p.OnRecovery = func(email, token string) { sentTo = email }
	require.NoError(t, p.ResetPasswordForEmail(ctx, "G@example.com"))
	assert.Equal(t, "g@example.com", sentTo)

	sentTo = ""
	require.NoError(t, p.ResetPasswordForEmail(ctx, "unknown@example.com"))
	assert.Empty(t, sentTo)
}

func TestVerifyRecoveryOpensSessionOnce(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ctx := context.Background()
	pr, err := p.SignUp(ctx, "r@example.com", "Secret#123", nil)
	require.NoError(t, err)
	require.NoError(t, p.SignOut(ctx))

	var token string
	p.OnRecovery = func(email, tok string) { token = tok }
	require.NoError(t, p.ResetPasswordForEmail(ctx, "r@example.com"))
	require.NotEmpty(t, token)

	sub := p.Subscribe()
	defer sub.Unsubscribe()
	assert.Nil(t, nextKind(t, sub).Session)

	_, err = p.VerifyRecovery(ctx, "someone@example.com", token)
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)

	sess, err := p.VerifyRecovery(ctx, " R@example.com", token)
	require.NoError(t, err)
	assert.Equal(t, pr.ID, sess.Principal.ID)
	ev := nextKind(t, sub)
	assert.Equal(t, entity.PasswordRecovery, ev.Kind)
	assert.Equal(t, pr.ID, ev.Principal().ID)

	_, err = p.VerifyRecovery(ctx, "r@example.com", token)
	assert.ErrorIs(t, err, ErrRecoveryInvalid, "a token is redeemed once")

	// the recovered session can set a new password
	pw := "Better#456"
	_, err = p.UpdateUser(ctx, entity.UserUpdate{Password: &pw})
	require.NoError(t, err)
	_, err = p.SignInWithPassword(ctx, "r@example.com", pw)
	assert.NoError(t, err)
}

func TestVerifyRecoveryVoidedByPasswordChange(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ctx := context.Background()
	_, err := p.SignUp(ctx, "s@example.com", "Secret#123", nil)
	require.NoError(t, err)

	var token string
	p.OnRecovery = func(email, tok string) { token = tok }
	require.NoError(t, p.ResetPasswordForEmail(ctx, "s@example.com"))

	pw := "Better#456"
	_, err = p.UpdateUser(ctx, entity.UserUpdate{Password: &pw})
	require.NoError(t, err)

	_, err = p.VerifyRecovery(ctx, "s@example.com", token)
	assert.ErrorIs(t, err, ErrRecoveryInvalid)
	_, err = p.VerifyRecovery(ctx, "s@example.com", "not-a-token")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)
}

func TestDeleteUserPublishesUserDeleted(t *testing.T) {
	p, accounts, _ := newTestProvider(t)
	ctx := context.Background()
	pr, err := p.SignUp(ctx, "h@example.com", "Secret#123", nil)
	require.NoError(t, err)
	sub := p.Subscribe()
	defer sub.Unsubscribe()
	nextKind(t, sub)

	require.NoError(t, p.DeleteUser(ctx))
	assert.Equal(t, entity.UserDeleted, nextKind(t, sub).Kind)
	_, err = accounts.GetByID(ctx, pr.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestTokenIssuerVerify(t *testing.T) {
	tokens, err := NewTokenIssuer("http://issuer.test", "storefront", time.Minute)
	require.NoError(t, err)
	tok, exp, err := tokens.Issue("p1", "a@b.c", 3)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "p1", claims.Subject)
	assert.EqualValues(t, 3, claims.Version)

	rec, _, err := tokens.IssueRecovery("p1", "a@b.c", 3)
	require.NoError(t, err)
	_, err = tokens.Verify(rec)
	assert.Error(t, err)
	rc, err := tokens.VerifyRecovery(rec)
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", rc.Email)
	assert.EqualValues(t, 3, rc.Version)
	_, err = tokens.VerifyRecovery(tok)
	assert.Error(t, err, "access tokens do not redeem as recovery tokens")

	other, err := NewTokenIssuer("http://issuer.test", "storefront", time.Minute)
	require.NoError(t, err)
	_, err = other.Verify(tok)
	assert.Error(t, err)

	keys := tokens.JWKS()["keys"].([]any)
	assert.Len(t, keys, 1)
}
