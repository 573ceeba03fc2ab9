package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity"
	ientity "github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile/entity"
)

// fakeProvider mimics a remote identity service: it keeps one session and
// publishes the same events a real provider would.
type fakeProvider struct {
	hub *identity.Hub

	mu         sync.Mutex
	sess       *ientity.Session
	users      map[string]fakeUser
	signOutErr error
	updates    []ientity.UserUpdate
	resets     []string
	codes      map[string]string
	signOuts   int
}

type fakeUser struct {
	principal ientity.Principal
	password  string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{hub: identity.NewHub(), users: map[string]fakeUser{}, codes: map[string]string{}}
}

func (f *fakeProvider) addUser(p ientity.Principal, password string) {
	f.mu.Lock()
	f.users[p.Email] = fakeUser{principal: p, password: password}
	f.mu.Unlock()
}

func (f *fakeProvider) Subscribe() *identity.Subscription {
	f.mu.Lock()
	cur := f.sess
	f.mu.Unlock()
	return f.hub.Subscribe(cur)
}

func (f *fakeProvider) SignUp(_ context.Context, email, password string, metadata map[string]any) (*ientity.Principal, error) {
	f.mu.Lock()
	if _, ok := f.users[email]; ok {
		f.mu.Unlock()
		return nil, apperr.Wrap(apperr.ErrPolicyViolation, identity.ErrEmailTaken)
	}
	p := ientity.Principal{ID: "id-" + email, Email: email, Metadata: metadata}
	f.users[email] = fakeUser{principal: p, password: password}
	f.sess = &ientity.Session{AccessToken: "at", Principal: &p}
	sess := f.sess
	f.mu.Unlock()
	f.hub.Publish(ientity.SignedIn, sess)
	return &p, nil
}

func (f *fakeProvider) SignInWithPassword(_ context.Context, email, password string) (*ientity.Session, error) {
	f.mu.Lock()
	u, ok := f.users[email]
	if !ok || u.password != password {
		f.mu.Unlock()
		return nil, apperr.ErrInvalidCredentials
	}
	p := u.principal
	f.sess = &ientity.Session{AccessToken: "at", Principal: &p}
	sess := f.sess
	f.mu.Unlock()
	f.hub.Publish(ientity.SignedIn, sess)
	return sess, nil
}

func (f *fakeProvider) SignOut(context.Context) error {
	f.mu.Lock()
	f.signOuts++
	f.sess = nil
	err := f.signOutErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.hub.Publish(ientity.SignedOut, nil)
	return nil
}

func (f *fakeProvider) GetSession(context.Context) (*ientity.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess, nil
}

func (f *fakeProvider) GetUser(ctx context.Context) (*ientity.Principal, error) {
	s, _ := f.GetSession(ctx)
	if s == nil {
		return nil, apperr.ErrSessionUnavailable
	}
	return s.Principal, nil
}

func (f *fakeProvider) UpdateUser(_ context.Context, in ientity.UserUpdate) (*ientity.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sess == nil {
		return nil, apperr.ErrSessionUnavailable
	}
	f.updates = append(f.updates, in)
	return f.sess.Principal, nil
}

func (f *fakeProvider) RefreshSession(context.Context) (*ientity.Session, error) {
	f.mu.Lock()
	sess := f.sess
	f.mu.Unlock()
	if sess == nil {
		return nil, apperr.ErrSessionUnavailable
	}
	f.hub.Publish(ientity.TokenRefreshed, sess)
	return sess, nil
}

func (f *fakeProvider) ResetPasswordForEmail(_ context.Context, email string) error {
	f.mu.Lock()
	f.resets = append(f.resets, email)
	if _, ok := f.users[email]; ok {
		f.codes[email] = "code-" + email
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) VerifyRecovery(_ context.Context, email, token string) (*ientity.Session, error) {
	f.mu.Lock()
	if code, ok := f.codes[email]; !ok || code != token {
		f.mu.Unlock()
		return nil, apperr.Wrap(apperr.ErrInvalidCredentials, identity.ErrRecoveryInvalid)
	}
	delete(f.codes, email)
	p := f.users[email].principal
	f.sess = &ientity.Session{AccessToken: "at", Principal: &p}
	sess := f.sess
	f.mu.Unlock()
	f.hub.Publish(ientity.PasswordRecovery, sess)
	return sess, nil
}

// gatedReconciler blocks a principal's reconciliation until its gate is
// released or ctx ends, so tests decide the completion order.
type gatedReconciler struct {
	mu       sync.Mutex
	gates    map[string]chan struct{}
	errs     map[string]error
	started  map[string]int
	finished map[string]int
}

func newGatedReconciler() *gatedReconciler {
	return &gatedReconciler{
		gates:    map[string]chan struct{}{},
		errs:     map[string]error{},
		started:  map[string]int{},
		finished: map[string]int{},
	}
}

func (g *gatedReconciler) hold(id string) {
	g.mu.Lock()
	g.gates[id] = make(chan struct{})
	g.mu.Unlock()
}

func (g *gatedReconciler) release(id string) {
	g.mu.Lock()
	ch := g.gates[id]
	delete(g.gates, id)
	g.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// gate returns the channel currently holding id.
func (g *gatedReconciler) gate(id string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gates[id]
}

func (g *gatedReconciler) fail(id string, err error) {
	g.mu.Lock()
	g.errs[id] = err
	g.mu.Unlock()
}

func (g *gatedReconciler) count(m map[string]int, id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return m[id]
}

func (g *gatedReconciler) Reconcile(ctx context.Context, p ientity.Principal) (*entity.Profile, error) {
	g.mu.Lock()
	g.started[p.ID]++
	gate := g.gates[p.ID]
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.ErrProfileFetchFailed, ctx.Err())
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	defer func() { g.finished[p.ID]++ }()
	if err := g.errs[p.ID]; err != nil {
		delete(g.errs, p.ID)
		return nil, err
	}
	return &entity.Profile{ID: p.ID, Name: profile.DeriveName(p), Email: p.Email}, nil
}

// memProfiles is a profile store whose onRead hook can populate rows.
type memProfiles struct {
	mu     sync.Mutex
	rows   map[string]entity.Profile
	reads  int
	onRead func(n int)
	updErr error
}

func newMemProfiles() *memProfiles { return &memProfiles{rows: map[string]entity.Profile{}} }

func (m *memProfiles) put(p entity.Profile) {
	m.mu.Lock()
	m.rows[p.ID] = p
	m.mu.Unlock()
}

func (m *memProfiles) SelectByID(_ context.Context, id string) (*entity.Profile, error) {
	m.mu.Lock()
	m.reads++
	n, hook := m.reads, m.onRead
	m.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	return &p, nil
}

func (m *memProfiles) Insert(_ context.Context, p *entity.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.ID]; ok {
		return profile.ErrDuplicate
	}
	m.rows[p.ID] = *p
	return nil
}

func (m *memProfiles) Update(_ context.Context, id string, u entity.Update) (*entity.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updErr != nil {
		return nil, m.updErr
	}
	p, ok := m.rows[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	p.Name, p.UpdatedAt = u.Name, u.UpdatedAt
	m.rows[id] = p
	return &p, nil
}

type fakeGate struct {
	mu     sync.Mutex
	admins map[string]bool
	logins []string
}

func (g *fakeGate) Check(_ context.Context, id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admins[id]
}

func (g *fakeGate) RecordLogin(_ context.Context, id string) {
	g.mu.Lock()
	g.logins = append(g.logins, id)
	g.mu.Unlock()
}

var errBoom = errors.New("boom")

func profileName(s Snapshot) string {
	if s.Profile == nil {
		return ""
	}
	return s.Profile.Name
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func startListener(t *testing.T, prov *fakeProvider, rec Reconciler) (*Store, *Listener) {
	t.Helper()
	store := NewStore()
	l := NewListener(prov, rec, store, nil)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	waitFor(t, func() bool { return !store.Snapshot().Loading }, "initial session not resolved")
	return store, l
}
