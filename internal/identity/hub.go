package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-session-go/pkg/utilities"
)

// ErrUnsubscribed is returned by Next once the subscription is closed.
var ErrUnsubscribed = errors.New("subscription closed")

// Hub fans provider events out to subscriptions. Publishing never blocks:
// every subscription keeps its own unbounded queue.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	now  func() time.Time
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Subscribe registers a subscription and queues INITIAL_SESSION carrying current.
func (h *Hub) Subscribe(current *entity.Session) *Subscription {
	s := &Subscription{hub: h, ready: make(chan struct{}, 1), done: make(chan struct{})}
	s.push(h.event(entity.InitialSession, current))
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers an event to every live subscription.
func (h *Hub) Publish(kind entity.EventKind, sess *entity.Session) {
	ev := h.event(kind, sess)
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.push(ev)
	}
}

// Len reports the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *Hub) event(kind entity.EventKind, sess *entity.Session) entity.Event {
	return entity.Event{
		ID:         utilities.NewSnowflakeID(),
		Kind:       kind,
		Session:    cloneSession(sess),
		ReceivedAt: h.now(),
	}
}

// Subscription is a cancellable, ordered stream of events.
type Subscription struct {
	hub   *Hub
	mu    sync.Mutex
	queue []entity.Event
	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *Subscription) push(ev entity.Event) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the context ends or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (entity.Event, error) {
	for {
		select {
		case <-s.done:
			return entity.Event{}, ErrUnsubscribed
		default:
		}
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = entity.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()
		select {
		case <-s.ready:
		case <-s.done:
			return entity.Event{}, ErrUnsubscribed
		case <-ctx.Done():
			return entity.Event{}, ctx.Err()
		}
	}
}

// Unsubscribe stops delivery. Queued events are dropped. Safe to call more
// than once; only the first call has an effect.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.queue = nil
		s.mu.Unlock()
		s.hub.remove(s)
	})
}

// Done is closed once Unsubscribe has run.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func cloneSession(in *entity.Session) *entity.Session {
	if in == nil {
		return nil
	}
	out := *in
	if in.Principal != nil {
		p := *in.Principal
		if in.Principal.Metadata != nil {
			p.Metadata = make(map[string]any, len(in.Principal.Metadata))
			for k, v := range in.Principal.Metadata {
				p.Metadata[k] = v
			}
		}
		out.Principal = &p
	}
	return &out
}
