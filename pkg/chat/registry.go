// Package chat hands out session bindings. Every binding for the same key
// shares one session and one stream controller, so independent surfaces
// observe and drive a single conversation.
package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/streamctl"
)

type RegistryConfig struct {
	Store       *session.Store
	Transport   streamctl.Transport
	Credentials streamctl.Credentials
	// History is optional; without it LoadHistory is a no-op.
	History    history.Fetcher
	Controller streamctl.Options

	// AutoLoadHistory starts a history load when a key is first bound.
	AutoLoadHistory bool
	// DisposeOnLastRelease cancels and removes a session once its last
	// binding is closed.
	DisposeOnLastRelease bool

	// BaseContext parents background work such as automatic history loads.
	BaseContext context.Context
}

type Registry struct {
	cfg    RegistryConfig
	loader *history.Loader

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	key  string
	sess *session.Session
	ctl  *streamctl.Controller
	refs int
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Transport == nil {
		return nil, errors.New("chat registry: transport is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("chat registry: credentials are required")
	}
	if cfg.Store == nil {
		cfg.Store = session.NewStore()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	r := &Registry{
		cfg:     cfg,
		entries: map[string]*entry{},
	}
	if cfg.History != nil {
		r.loader = history.NewLoader(cfg.History)
	}
	return r, nil
}

func (r *Registry) Store() *session.Store {
	return r.cfg.Store
}

// BindingFor returns a new handle on the session for key. The first caller's
// defaults create the session; defaults passed by later callers are ignored.
// Callers must Close the binding when done.
func (r *Registry) BindingFor(key string, defaults *session.Config) *Binding {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		sess := r.cfg.Store.GetOrCreate(key, defaults)
		e = &entry{
			key:  key,
			sess: sess,
			ctl:  streamctl.New(sess, r.cfg.Transport, r.cfg.Credentials, r.cfg.Controller),
		}
		r.entries[key] = e
		log.Debug().Str("component", "chat").Str("session", key).Msg("binding entry created")
	}
	e.refs++
	r.mu.Unlock()

	b := &Binding{reg: r, e: e}
	if !ok && r.cfg.AutoLoadHistory && r.loader != nil {
		go func() {
			_, _ = b.LoadHistory(r.cfg.BaseContext)
		}()
	}
	return b
}

// Keys lists the keys that currently have an entry.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Refs reports how many open bindings key has.
func (r *Registry) Refs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

// release drops one reference. The last one, with DisposeOnLastRelease,
// removes the registry entry and the stored session together under r.mu, so a
// concurrent BindingFor either finds the old entry or builds on a fresh
// session. The old run is cancelled afterwards.
func (r *Registry) release(e *entry) {
	r.mu.Lock()
	e.refs--
	dispose := e.refs <= 0 && r.cfg.DisposeOnLastRelease && r.entries[e.key] == e
	if dispose {
		delete(r.entries, e.key)
		if live, ok := r.cfg.Store.Lookup(e.key); ok && live == e.sess {
			r.cfg.Store.Remove(e.key)
		}
	}
	r.mu.Unlock()

	if !dispose {
		return
	}
	e.ctl.Cancel()
	log.Info().Str("component", "chat").Str("session", e.key).Msg("session disposed after last release")
}

// Close cancels every active send and waits for the runs to wind down.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.ctl.Cancel()
	}
	for _, e := range entries {
		if err := e.ctl.Wait(ctx); err != nil {
			return errors.Wrapf(err, "wait for session %s", e.key)
		}
	}
	return nil
}
