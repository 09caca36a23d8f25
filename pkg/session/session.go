package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultDebounce is the trailing-edge delay for preference-only updates.
const DefaultDebounce = 200 * time.Millisecond

// Subscriber receives a snapshot after every notified change. It runs in the
// goroutine that performed the update and must not block.
type Subscriber func(State)

// Session holds the live state of one conversation and its subscribers.
type Session struct {
	key      string
	debounce time.Duration

	mu        sync.Mutex
	state     State
	subs      map[uint64]Subscriber
	nextSubID uint64
	timer     *time.Timer
	timerGen  uint64
	removed   bool
}

func newSession(key string, cfg Config, debounce time.Duration) *Session {
	return &Session{
		key:      key,
		debounce: debounce,
		state: State{
			Key:      key,
			Messages: []Message{},
			Config:   cfg,
		},
		subs: map[uint64]Subscriber{},
	}
}

func (s *Session) Key() string { return s.key }

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers fn and returns a function that removes it.
func (s *Session) Subscribe(fn Subscriber) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Update merges p into the session and notifies subscribers. It returns
// false when p.When rejected the patch.
func (s *Session) Update(p Patch) bool {
	s.mu.Lock()
	if p.When != nil && !p.When(s.state.clone()) {
		s.mu.Unlock()
		return false
	}
	class := p.apply(&s.state)
	if class == changeNone {
		s.mu.Unlock()
		return true
	}
	s.state.Version++

	if s.removed || class == changeSilent {
		s.mu.Unlock()
		return true
	}
	if class == changeDebounced {
		s.scheduleLocked()
		s.mu.Unlock()
		return true
	}

	// The immediate snapshot already carries any pending preference change.
	s.stopTimerLocked()
	snap := s.state.clone()
	subs := s.subscribersLocked()
	s.mu.Unlock()

	deliver(s.key, subs, snap)
	return true
}

func (s *Session) scheduleLocked() {
	s.stopTimerLocked()
	gen := s.timerGen
	s.timer = time.AfterFunc(s.debounce, func() { s.fireDebounced(gen) })
}

// stopTimerLocked also invalidates a callback that already fired and is
// waiting for the lock.
func (s *Session) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) fireDebounced(gen uint64) {
	s.mu.Lock()
	if s.removed || s.timer == nil || gen != s.timerGen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	snap := s.state.clone()
	subs := s.subscribersLocked()
	s.mu.Unlock()

	deliver(s.key, subs, snap)
}

// dispose drops subscribers and pending notifications.
func (s *Session) dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	s.stopTimerLocked()
	s.subs = map[uint64]Subscriber{}
}

func (s *Session) subscribersLocked() []Subscriber {
	out := make([]Subscriber, 0, len(s.subs))
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		out = append(out, s.subs[id])
	}
	return out
}

func deliver(key string, subs []Subscriber, snap State) {
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("component", "session").Str("session", key).Str("panic", fmt.Sprint(r)).Msg("subscriber panicked")
				}
			}()
			fn(snap)
		}()
	}
}
