package redisstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/streamctl"
)

const (
	EventMessageCommitted = "message.committed"
	EventSendFinished     = "send.finished"
)

// Event is the JSON payload published for each session event.
type Event struct {
	Type    string             `json:"type"`
	Session string             `json:"session"`
	Message *session.Message   `json:"message,omitempty"`
	Outcome *streamctl.Outcome `json:"outcome,omitempty"`
	At      time.Time          `json:"at"`
}

// Mirror publishes committed messages and finished sends. It implements
// streamctl.Observer; the observer calls only enqueue, publishing happens in
// Run.
type Mirror struct {
	pub    message.Publisher
	queue  chan Event
	logger zerolog.Logger
	now    func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

var _ streamctl.Observer = (*Mirror)(nil)

func NewMirror(pub message.Publisher, buffer int) *Mirror {
	if buffer <= 0 {
		buffer = 256
	}
	return &Mirror{
		pub:    pub,
		queue:  make(chan Event, buffer),
		logger: log.With().Str("component", "mirror").Logger(),
		now:    time.Now,
		closed: make(chan struct{}),
	}
}

func (m *Mirror) MessageCommitted(key string, msg session.Message) {
	m.enqueue(Event{Type: EventMessageCommitted, Session: key, Message: &msg})
}

func (m *Mirror) RunFinished(o streamctl.Outcome) {
	m.enqueue(Event{Type: EventSendFinished, Session: o.Key, Outcome: &o})
}

func (m *Mirror) enqueue(ev Event) {
	if m == nil {
		return
	}
	ev.At = m.now().UTC()
	select {
	case <-m.closed:
		return
	default:
	}
	select {
	case m.queue <- ev:
	default:
		m.logger.Warn().Str("session", ev.Session).Str("type", ev.Type).Msg("mirror queue full, dropping event")
	}
}

// Run publishes queued events until ctx is done or Close is called.
func (m *Mirror) Run(ctx context.Context) error {
	if m == nil || m.pub == nil {
		return errors.New("mirror has no publisher")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.closed:
			return nil
		case ev := <-m.queue:
			if err := m.publish(ev); err != nil {
				m.logger.Warn().Err(err).Str("session", ev.Session).Str("type", ev.Type).Msg("publish event")
			}
		}
	}
}

func (m *Mirror) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

func (m *Mirror) publish(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("type", ev.Type)
	msg.Metadata.Set("session", ev.Session)
	return m.pub.Publish(TopicForSession(ev.Session), msg)
}

// Subscribe returns the decoded events of one session. The subscription is
// active when Subscribe returns; the channel closes when ctx is done or the
// subscriber is closed.
func Subscribe(ctx context.Context, sub message.Subscriber, key string) (<-chan Event, error) {
	if sub == nil {
		return nil, errors.New("subscriber is nil")
	}
	msgs, err := sub.Subscribe(ctx, TopicForSession(key))
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", TopicForSession(key))
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "mirror").Str("uuid", msg.UUID).Msg("skip undecodable event")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Tail calls fn for every event of a session until ctx is done or fn fails.
func Tail(ctx context.Context, sub message.Subscriber, key string, fn func(Event) error) error {
	events, err := Subscribe(ctx, sub, key)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
}
