package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity"
	ientity "github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile/entity"
)

var (
	ErrListenerStarted = errors.New("session listener already started")
	ErrListenerClosed  = errors.New("session listener closed")
)

// Reconciler resolves the profile of an authenticated principal.
type Reconciler interface {
	Reconcile(ctx context.Context, p ientity.Principal) (*entity.Profile, error)
}

// EventSource hands out provider event subscriptions.
type EventSource interface {
	Subscribe() *identity.Subscription
}

// Listener turns provider events into store updates. One goroutine reads the
// subscription and assigns sequence numbers; reconciliation runs in its own
// goroutine per event and is never cancelled, stale results are dropped by
// the store instead.
type Listener struct {
	source     EventSource
	reconciler Reconciler
	store      *Store
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	sub     *identity.Subscription
	started bool
	closed  bool
	claims  map[string]int
	done    chan struct{}
	work    sync.WaitGroup
}

func NewListener(source EventSource, reconciler Reconciler, store *Store, logger *zap.SugaredLogger) *Listener {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Listener{
		source:     source,
		reconciler: reconciler,
		store:      store,
		logger:     logger,
		claims:     make(map[string]int),
		done:       make(chan struct{}),
	}
}

// Start subscribes to the provider. It may be called once per Listener.
// The coordinator stops when ctx is done or on Close.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrListenerClosed
	}
	if l.started {
		return ErrListenerStarted
	}
	l.started = true
	l.sub = l.source.Subscribe()
	go l.run(ctx, l.sub)
	return nil
}

// Close unsubscribes, seals the store and waits, until ctx is done, for
// in-flight reconciliations to finish. No store write happens after Close
// starts.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	sub, started := l.sub, l.started
	l.mu.Unlock()

	l.store.seal()
	if !started {
		return nil
	}
	sub.Unsubscribe()
	<-l.done

	idle := make(chan struct{})
	go func() {
		l.work.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) run(ctx context.Context, sub *identity.Subscription) {
	defer close(l.done)
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, identity.ErrUnsubscribed) && ctx.Err() == nil {
				l.logger.Errorw("session event stream failed", "err", err)
			}
			return
		}
		l.handle(ev)
	}
}

func (l *Listener) handle(ev ientity.Event) {
	log := l.logger.With("event", ev.Kind, "event_id", ev.ID)
	switch ev.Kind {
	case ientity.SignedOut, ientity.UserDeleted:
		l.store.clear()
		log.Debugw("session cleared")
		return
	case ientity.InitialSession, ientity.SignedIn, ientity.TokenRefreshed, ientity.PasswordRecovery:
	default:
		log.Debugw("ignoring event")
		return
	}

	p := ev.Principal()
	if p == nil {
		if ev.Kind == ientity.InitialSession {
			l.store.markLoaded()
		}
		return
	}
	if ev.Kind.Interactive() && l.consume(p.Email) {
		// the in-flight sign-in call reconciles and reports errors itself
		log.Debugw("sign-in event owned by caller", "principal_id", p.ID)
		return
	}

	seq := l.store.begin()
	principal := *p
	l.work.Add(1)
	go func() {
		defer l.work.Done()
		if ev.Kind == ientity.InitialSession {
			defer l.store.markLoaded()
		}
		prof, err := l.reconciler.Reconcile(context.Background(), principal)
		if err != nil {
			if ev.Kind.Passive() {
				log.Warnw("profile reconcile failed, keeping current session", "principal_id", principal.ID, "err", err)
			} else {
				log.Errorw("profile reconcile failed", "principal_id", principal.ID, "err", err)
			}
			return
		}
		if !l.store.apply(seq, prof) {
			log.Debugw("stale profile result dropped", "principal_id", principal.ID, "seq", seq)
		}
	}()
}

// claim marks the next SIGNED_IN or PASSWORD_RECOVERY for email as owned by
// a credentials call. The returned settle func keeps the claim for the
// coordinator to consume when the call succeeded, and withdraws it otherwise.
func (l *Listener) claim(email string) (settle func(succeeded bool)) {
	if l == nil {
		return func(bool) {}
	}
	key := normalizeEmail(email)
	l.mu.Lock()
	l.claims[key]++
	l.mu.Unlock()
	var once sync.Once
	return func(succeeded bool) {
		once.Do(func() {
			if !succeeded {
				l.consume(key)
			}
		})
	}
}

// consume takes one claim for email, reporting whether there was one.
func (l *Listener) consume(email string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := normalizeEmail(email)
	if l.claims[key] <= 0 {
		return false
	}
	if l.claims[key]--; l.claims[key] == 0 {
		delete(l.claims, key)
	}
	return true
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
