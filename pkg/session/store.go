// Package session keeps the per-key conversation state shared by every
// surface bound to the same conversation, and notifies subscribers when it
// changes.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store maps session keys to live sessions. All methods are safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	fallback Config
	debounce time.Duration
}

type StoreOption func(*Store)

// WithDebounce overrides DefaultDebounce. Non-positive values are ignored.
func WithDebounce(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithFallbackConfig sets the configuration used for sessions created
// without explicit defaults.
func WithFallbackConfig(cfg Config) StoreOption {
	return func(s *Store) {
		s.fallback = cfg
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions: map[string]*Session{},
		fallback: FallbackConfig,
		debounce: DefaultDebounce,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the session for key, creating it with the store fallback
// configuration when missing. It never returns nil.
func (s *Store) Get(key string) *Session {
	return s.GetOrCreate(key, nil)
}

// Lookup returns the session for key without creating it.
func (s *Store) Lookup(key string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// GetOrCreate returns the session for key, creating it with defaults (or the
// store fallback) when missing. Defaults of an existing session are not
// touched.
func (s *Store) GetOrCreate(key string, defaults *Config) *Session {
	if sess, ok := s.Lookup(key); ok {
		return sess
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	cfg := s.fallback
	if defaults != nil {
		cfg = *defaults
	}
	sess := newSession(key, cfg, s.debounce)
	s.sessions[key] = sess
	log.Debug().Str("component", "session").Str("session", key).Str("model", cfg.Model).Msg("session created")
	return sess
}

// Update applies p to the session for key, creating it if needed.
func (s *Store) Update(key string, p Patch) bool {
	return s.Get(key).Update(p)
}

// Snapshot returns the state for key, or false when the key is unknown.
func (s *Store) Snapshot(key string) (State, bool) {
	sess, ok := s.Lookup(key)
	if !ok {
		return State{}, false
	}
	return sess.Snapshot(), true
}

func (s *Store) Subscribe(key string, fn Subscriber) func() {
	return s.Get(key).Subscribe(fn)
}

// Remove discards the session. Pending debounced notifications are dropped
// and later updates through an old handle reach no subscriber.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.dispose()
	log.Debug().Str("component", "session").Str("session", key).Msg("session removed")
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
