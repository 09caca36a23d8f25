package chat

import (
	"context"
	"sync"

	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/streamctl"
)

// Binding is one consumer's handle on a shared session. All methods are safe
// for concurrent use.
type Binding struct {
	reg  *Registry
	e    *entry
	once sync.Once
}

func (b *Binding) Key() string { return b.e.key }

// Session returns the shared session; every binding of the key returns the
// same pointer.
func (b *Binding) Session() *session.Session { return b.e.sess }

func (b *Binding) Controller() *streamctl.Controller { return b.e.ctl }

func (b *Binding) State() session.State { return b.e.sess.Snapshot() }

func (b *Binding) Subscribe(fn session.Subscriber) func() {
	return b.e.sess.Subscribe(fn)
}

func (b *Binding) Send(ctx context.Context, text string) error {
	return b.e.ctl.Send(ctx, text)
}

func (b *Binding) Restart(ctx context.Context, text string) error {
	return b.e.ctl.Restart(ctx, text)
}

func (b *Binding) Cancel() bool {
	return b.e.ctl.Cancel()
}

// Wait blocks until the current send, if any, has finished.
func (b *Binding) Wait(ctx context.Context) error {
	return b.e.ctl.Wait(ctx)
}

// Clear cancels any active send and empties the log.
func (b *Binding) Clear() {
	b.e.ctl.Cancel()
	b.e.sess.Update(session.Patch{
		Messages: session.Messages(nil),
		Error:    session.String(""),
	})
}

func (b *Binding) SetModel(model string) {
	b.e.sess.Update(session.Patch{Model: session.String(model)})
}

func (b *Binding) SetTemperature(t float64) {
	b.e.sess.Update(session.Patch{Temperature: session.Float(t)})
}

func (b *Binding) SetWebSearchEnabled(enabled bool) {
	b.e.sess.Update(session.Patch{WebSearchEnabled: session.Bool(enabled)})
}

// LoadHistory fetches the stored conversation once. It returns the number of
// messages added, zero when the history was already loaded or is loading.
func (b *Binding) LoadHistory(ctx context.Context) (int, error) {
	if b.reg.loader == nil {
		return 0, nil
	}
	return b.reg.loader.Load(ctx, b.e.sess)
}

// Close releases this handle. Calling it more than once is harmless.
func (b *Binding) Close() {
	b.once.Do(func() {
		b.reg.release(b.e)
	})
}
