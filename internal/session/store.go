// Package session holds the process-wide view of who is signed in and the
// components allowed to change it: the event Listener and Credentials.
package session

import (
	"sync"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile/entity"
)

// Snapshot is the read-only view handed to consumers. Profile is nil when
// nobody is signed in.
type Snapshot struct {
	Profile *entity.Profile `json:"profile"`
	Loading bool            `json:"loading"`
}

// Store is the single cell holding the current Snapshot. Writes are
// sequenced: a result tagged with seq is applied only if no higher seq has
// been applied. Only this package writes to it.
type Store struct {
	mu      sync.Mutex
	snap    Snapshot
	issued  uint64
	applied uint64
	sealed  bool
	subs    map[chan Snapshot]struct{}
}

func NewStore() *Store {
	return &Store{snap: Snapshot{Loading: true}, subs: make(map[chan Snapshot]struct{})}
}

// Snapshot returns a copy of the current value.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Subscribe returns a channel that always holds the latest snapshot,
// starting with the current one, and a func that ends the subscription.
// The channel is closed by cancel or when the store is sealed.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	ch <- s.copyLocked()
	if s.sealed {
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

// begin hands out the next sequence number.
func (s *Store) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued++
	return s.issued
}

// apply installs p if seq is newer than anything applied so far.
func (s *Store) apply(seq uint64, p *entity.Profile) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed || seq <= s.applied {
		return false
	}
	s.applied = seq
	cp := *p
	s.snap = Snapshot{Profile: &cp, Loading: false}
	s.publishLocked()
	return true
}

// clear drops the profile and supersedes every pending result.
func (s *Store) clear() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false
	}
	s.issued++
	s.applied = s.issued
	s.snap = Snapshot{Profile: nil, Loading: false}
	s.publishLocked()
	return true
}

// markLoaded ends the initial loading state without touching the profile.
func (s *Store) markLoaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed || !s.snap.Loading {
		return
	}
	s.snap.Loading = false
	s.publishLocked()
}

// seal stops all further writes and ends every subscription.
func (s *Store) seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	s.sealed = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

func (s *Store) copyLocked() Snapshot {
	out := Snapshot{Loading: s.snap.Loading}
	if s.snap.Profile != nil {
		cp := *s.snap.Profile
		out.Profile = &cp
	}
	return out
}

// publishLocked replaces whatever a subscriber has not read yet with the
// current snapshot. s.mu is the only sender, so the send never blocks.
func (s *Store) publishLocked() {
	snap := s.copyLocked()
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
