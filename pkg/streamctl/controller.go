// Package streamctl drives one send at a time for a session: it appends the
// user turn, opens a single cancellable stream, feeds the parser, and commits
// the assembled assistant reply.
package streamctl

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/toolsteps"
)

const (
	DefaultIdleTimeout = 5 * time.Second
	DefaultHardTimeout = 30 * time.Second

	readBufferSize = 4096
)

// Transport opens the streaming response for one request. Cancelling ctx
// must abort the stream.
type Transport interface {
	Stream(ctx context.Context, token string, req protocol.ChatRequest) (io.ReadCloser, error)
}

// Credentials supplies a bearer token. An empty token counts as a failure.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

// Observer is told about committed messages and finished runs. Calls happen
// on the run goroutine and must not block.
type Observer interface {
	MessageCommitted(key string, msg session.Message)
	RunFinished(o Outcome)
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
)

func (p Phase) String() string {
	switch p {
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

type FinishReason string

const (
	FinishTerminator  FinishReason = "terminator"
	FinishEOF         FinishReason = "eof"
	FinishStall       FinishReason = "stall"
	FinishHardTimeout FinishReason = "hard_timeout"
	FinishCancelled   FinishReason = "cancelled"
	FinishError       FinishReason = "error"
)

// Outcome summarises a finished run.
type Outcome struct {
	Key       string        `json:"key"`
	RunID     string        `json:"run_id"`
	Reason    FinishReason  `json:"reason"`
	Committed bool          `json:"committed"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

type Options struct {
	IdleTimeout time.Duration
	HardTimeout time.Duration
	UserID      string
	Observer    Observer
	Now         func() time.Time
	NewID       func() string
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.HardTimeout <= 0 {
		o.HardTimeout = DefaultHardTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Controller owns the send lifecycle of one session. The session's ActiveRun
// field decides which run may write; a run whose id is no longer active has
// its writes rejected.
type Controller struct {
	sess      *session.Session
	transport Transport
	creds     Credentials
	opts      Options

	mu     sync.Mutex
	runID  string
	phase  Phase
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func New(sess *session.Session, transport Transport, creds Credentials, opts Options) *Controller {
	return &Controller{
		sess:      sess,
		transport: transport,
		creds:     creds,
		opts:      opts.withDefaults(),
	}
}

// Send appends text as a user message and starts streaming the reply in the
// background. It returns ErrBusy without touching the log when another send
// is active. The run outlives ctx's cancellation; use Cancel to abort it.
func (c *Controller) Send(ctx context.Context, text string) error {
	if c == nil || c.sess == nil {
		return errors.New("controller not initialized")
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPrompt
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := c.opts.Now()
	runID := c.opts.NewID()
	userMsg := session.Message{
		ID:        c.opts.NewID(),
		Role:      session.RoleUser,
		Content:   text,
		Timestamp: start,
	}

	var before session.State
	claimed := c.sess.Update(session.Patch{
		When: func(st session.State) bool {
			if st.ActiveRun != "" {
				return false
			}
			before = st
			return true
		},
		AppendMessages: []session.Message{userMsg},
		IsLoading:      session.Bool(true),
		Error:          session.String(""),
		StreamedText:   session.String(""),
		ActiveToolInfo: session.Steps(nil),
		ActiveRun:      session.String(runID),
	})
	if !claimed {
		log.Debug().Str("component", "streamctl").Str("session", c.sess.Key()).Msg("send rejected: busy")
		return ErrBusy
	}

	req := c.buildRequest(before, userMsg)

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	runCtx, stopHard := context.WithDeadlineCause(runCtx, start.Add(c.opts.HardTimeout), ErrHardTimeout)
	done := make(chan struct{})

	c.mu.Lock()
	c.runID = runID
	c.phase = PhaseSending
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	log.Info().
		Str("component", "streamctl").
		Str("session", c.sess.Key()).
		Str("run", runID).
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Msg("send started")

	go func() {
		defer close(done)
		defer stopHard()
		defer cancel(nil)
		c.run(runCtx, cancel, runID, req, start)
	}()
	return nil
}

// Cancel aborts the active send. Buffers are cleared and nothing is
// committed. It reports whether a send was active.
func (c *Controller) Cancel() bool {
	if c == nil || c.sess == nil {
		return false
	}
	runID := c.sess.Snapshot().ActiveRun
	if runID == "" {
		return false
	}
	cleared := c.sess.Update(clearPatch(runID))

	c.mu.Lock()
	if c.runID == runID && c.cancel != nil {
		c.cancel(ErrCancelled)
	}
	c.mu.Unlock()

	if cleared {
		log.Info().Str("component", "streamctl").Str("session", c.sess.Key()).Str("run", runID).Msg("send cancelled")
	}
	return cleared
}

// Restart cancels any active send and starts a new one with text.
func (c *Controller) Restart(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPrompt
	}
	c.Cancel()
	return c.Send(ctx, text)
}

func (c *Controller) State() Phase {
	if c == nil {
		return PhaseIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Wait blocks until the most recently started run has finished.
func (c *Controller) Wait(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) buildRequest(st session.State, userMsg session.Message) protocol.ChatRequest {
	msgs := make([]protocol.ChatMessage, 0, len(st.Messages)+1)
	for _, m := range append(st.Messages, userMsg) {
		role := string(m.Role)
		if m.Role == session.RoleContext {
			role = "system"
		}
		msgs = append(msgs, protocol.ChatMessage{Role: role, Content: m.Content})
	}
	sessionID := st.RemoteID
	if sessionID == "" {
		sessionID = c.sess.Key()
	}
	return protocol.ChatRequest{
		SessionID:   sessionID,
		UserID:      c.opts.UserID,
		Messages:    msgs,
		Model:       st.Config.Model,
		Temperature: st.Config.Temperature,
		WebSearch:   st.Config.WebSearchEnabled,
	}
}

func (c *Controller) setPhase(runID string, p Phase) {
	c.mu.Lock()
	if c.runID == runID {
		c.phase = p
	}
	c.mu.Unlock()
}

func owns(runID string) func(session.State) bool {
	return func(st session.State) bool { return st.ActiveRun == runID }
}

func clearPatch(runID string) session.Patch {
	return session.Patch{
		When:           owns(runID),
		IsLoading:      session.Bool(false),
		StreamedText:   session.String(""),
		ActiveToolInfo: session.Steps(nil),
		ActiveRun:      session.String(""),
	}
}

type readResult struct {
	data []byte
	err  error
}

// run executes one send. Every store write is conditional on runID still
// being the session's active run.
func (c *Controller) run(ctx context.Context, cancel context.CancelCauseFunc, runID string, req protocol.ChatRequest, start time.Time) {
	r := &runner{c: c, runID: runID, start: start, asm: &assembler{}}
	defer r.finish()

	if c.sess.Snapshot().ActiveRun != runID {
		r.reason = FinishCancelled
		return
	}

	token, err := c.creds.Token(ctx)
	if err == nil && strings.TrimSpace(token) == "" {
		err = errors.New("empty token")
	}
	if err != nil {
		if r.stoppedBy(ctx) {
			return
		}
		r.fail(&CredentialError{Err: err})
		return
	}

	body, err := c.transport.Stream(ctx, token, req)
	if err != nil {
		if r.stoppedBy(ctx) {
			return
		}
		r.fail(&TransportError{Err: err})
		return
	}
	defer func() {
		_ = body.Close()
	}()

	stop := make(chan struct{})
	defer close(stop)
	reads := make(chan readResult)
	go pump(body, reads, stop)

	idle := time.NewTimer(c.opts.IdleTimeout)
	defer idle.Stop()

	parser := protocol.NewParser()
	streaming := false
	for {
		select {
		case rr := <-reads:
			if len(rr.data) > 0 {
				if !streaming {
					streaming = true
					c.setPhase(runID, PhaseStreaming)
				}
				idle.Reset(c.opts.IdleTimeout)
				for _, ev := range parser.Feed(rr.data) {
					if r.handle(ev) {
						return
					}
				}
			}
			if rr.err == nil {
				continue
			}
			if rr.err == io.EOF {
				for _, ev := range parser.Flush() {
					if r.handle(ev) {
						return
					}
				}
				r.finalize(FinishEOF)
				return
			}
			if r.stoppedBy(ctx) {
				return
			}
			r.fail(&TransportError{Err: rr.err})
			return
		case <-idle.C:
			cancel(ErrStallTimeout)
			r.finalize(FinishStall)
			return
		case <-ctx.Done():
			r.stoppedBy(ctx)
			return
		}
	}
}

func pump(body io.Reader, out chan<- readResult, stop <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		var chunk []byte
		if n > 0 {
			chunk = make([]byte, n)
			copy(chunk, buf[:n])
		}
		if n == 0 && err == nil {
			continue
		}
		select {
		case out <- readResult{data: chunk, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// runner holds the per-run bookkeeping shared by the run loop helpers.
type runner struct {
	c     *Controller
	runID string
	start time.Time
	asm   *assembler

	reason    FinishReason
	committed bool
	errText   string
}

// stoppedBy resolves a done context into the matching terminal transition.
// It returns false when ctx is still live.
func (r *runner) stoppedBy(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrCancelled):
		r.reason = FinishCancelled
	case errors.Is(cause, ErrHardTimeout):
		r.finalize(FinishHardTimeout)
	case errors.Is(cause, ErrStallTimeout):
		r.finalize(FinishStall)
	default:
		r.fail(&TransportError{Err: cause})
	}
	return true
}

// handle applies one event and reports whether the run is over.
func (r *runner) handle(ev protocol.Event) bool {
	sess := r.c.sess
	switch ev.Kind {
	case protocol.EventToken, protocol.EventToolOutput:
		outcome, step, text := toolsteps.Interpret(ev.Payload)
		switch outcome {
		case toolsteps.Text:
			if text == "" {
				return false
			}
			r.asm.addText(text)
			if !sess.Update(session.Patch{When: owns(r.runID), AppendStreamedText: text}) {
				r.reason = FinishCancelled
				return true
			}
		case toolsteps.Structured:
			active := r.asm.addStep(step)
			if !sess.Update(session.Patch{When: owns(r.runID), ActiveToolInfo: session.Steps(active)}) {
				r.reason = FinishCancelled
				return true
			}
			log.Debug().Str("component", "streamctl").Str("session", sess.Key()).Str("run", r.runID).Str("step", string(step.Kind())).Msg("tool step")
		default:
			log.Debug().Str("component", "streamctl").Str("session", sess.Key()).Str("run", r.runID).Str("event", ev.Kind.String()).Msg("dropping unclassified payload")
		}
		return false
	case protocol.EventError:
		r.fail(&StreamError{Message: ev.Message})
		return true
	case protocol.EventEndOfStream:
		r.finalize(FinishTerminator)
		return true
	}
	return false
}

// finalize commits the accumulated reply, if any, and returns the session to
// idle.
func (r *runner) finalize(reason FinishReason) {
	c := r.c
	r.reason = reason
	p := clearPatch(r.runID)
	var msg session.Message
	if r.asm.HasText() {
		msg = session.Message{
			ID:         c.opts.NewID(),
			Role:       session.RoleAssistant,
			Content:    r.asm.Text(),
			Timestamp:  c.opts.Now(),
			ToolOutput: r.asm.Steps(),
		}
		p.AppendMessages = []session.Message{msg}
	}
	if !c.sess.Update(p) {
		r.reason = FinishCancelled
		return
	}
	r.committed = len(p.AppendMessages) > 0

	ev := log.Info()
	switch reason {
	case FinishStall, FinishHardTimeout:
		ev = log.Warn()
	case FinishEOF:
		ev = log.Info().Bool("terminator_missing", true)
	}
	ev.Str("component", "streamctl").
		Str("session", c.sess.Key()).
		Str("run", r.runID).
		Str("finish_reason", string(reason)).
		Int("chars", len(msg.Content)).
		Int("tool_steps", len(msg.ToolOutput)).
		Bool("committed", r.committed).
		Msg("send finalized")

	if r.committed && c.opts.Observer != nil {
		c.opts.Observer.MessageCommitted(c.sess.Key(), msg)
	}
}

// fail records err on the session and drops the partial reply.
func (r *runner) fail(err error) {
	c := r.c
	r.reason = FinishError
	r.errText = err.Error()
	p := clearPatch(r.runID)
	p.Error = session.String(err.Error())
	if !c.sess.Update(p) {
		r.reason = FinishCancelled
		r.errText = ""
		return
	}
	log.Error().Err(err).Str("component", "streamctl").Str("session", c.sess.Key()).Str("run", r.runID).Msg("send failed")
}

func (r *runner) finish() {
	c := r.c
	// No path may leave the session loading on behalf of this run.
	if c.sess.Update(clearPatch(r.runID)) && r.reason == "" {
		r.reason = FinishError
		log.Warn().Str("component", "streamctl").Str("session", c.sess.Key()).Str("run", r.runID).Msg("run ended without a terminal transition")
	}
	c.mu.Lock()
	if c.runID == r.runID {
		c.phase = PhaseIdle
		c.cancel = nil
	}
	c.mu.Unlock()

	if c.opts.Observer != nil {
		c.opts.Observer.RunFinished(Outcome{
			Key:       c.sess.Key(),
			RunID:     r.runID,
			Reason:    r.reason,
			Committed: r.committed,
			Error:     r.errText,
			Duration:  c.opts.Now().Sub(r.start),
		})
	}
}
