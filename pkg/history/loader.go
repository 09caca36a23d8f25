// Package history pulls the stored conversation of a session from the backend
// once and merges it in front of the live log, skipping what the log already
// holds.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/toolsteps"
)

// Fetcher returns the stored messages of a remote session in order.
type Fetcher interface {
	FetchHistory(ctx context.Context, remoteID string) ([]protocol.HistoryRecord, error)
}

type Loader struct {
	fetcher Fetcher
}

func NewLoader(f Fetcher) *Loader {
	return &Loader{fetcher: f}
}

// Load fetches the history of sess unless it was loaded already or another
// load is in flight; those calls return (0, nil). On failure the guards are
// reset so a later call retries, and the error is recorded on the session.
func (l *Loader) Load(ctx context.Context, sess *session.Session) (int, error) {
	if l == nil || l.fetcher == nil || sess == nil {
		return 0, nil
	}
	var remoteID string
	claimed := sess.Update(session.Patch{
		When: func(st session.State) bool {
			if st.MessagesLoaded || st.MessagesLoading {
				return false
			}
			remoteID = st.RemoteID
			if remoteID == "" {
				remoteID = st.Key
			}
			return true
		},
		MessagesLoading: session.Bool(true),
	})
	if !claimed {
		return 0, nil
	}

	records, err := l.fetcher.FetchHistory(ctx, remoteID)
	if err != nil {
		err = errors.Wrapf(err, "load history for %s", remoteID)
		sess.Update(session.Patch{
			MessagesLoading: session.Bool(false),
			Error:           session.String(err.Error()),
		})
		log.Warn().Err(err).Str("component", "history").Str("session", sess.Key()).Msg("history fetch failed")
		return 0, err
	}

	msgs := Convert(records)
	added := 0
	sess.Update(session.Patch{
		// messages the live log already holds, such as a reply that finished
		// while the fetch was in flight, are not prepended again
		When: func(st session.State) bool {
			added = len(session.WithoutOverlap(msgs, st.Messages))
			return true
		},
		PrependMessages: msgs,
		MessagesLoading: session.Bool(false),
		MessagesLoaded:  session.Bool(true),
	})
	log.Info().Str("component", "history").Str("session", sess.Key()).Str("remote_id", remoteID).
		Int("fetched", len(msgs)).Int("messages", added).Msg("history loaded")
	return added, nil
}

// Convert maps stored records to log messages, keeping their order. Records
// with an unknown role are skipped.
func Convert(records []protocol.HistoryRecord) []session.Message {
	out := make([]session.Message, 0, len(records))
	for _, rec := range records {
		role, ok := roleOf(rec.Role)
		if !ok {
			log.Debug().Str("component", "history").Str("id", rec.ID).Str("role", rec.Role).Msg("skipping record with unknown role")
			continue
		}
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, session.Message{
			ID:         id,
			Role:       role,
			Content:    rec.Content,
			Timestamp:  rec.Timestamp.Time,
			ToolOutput: toolOutput(rec.ToolOutput),
		})
	}
	return out
}

func roleOf(s string) (session.Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "human":
		return session.RoleUser, true
	case "assistant", "ai":
		return session.RoleAssistant, true
	case "context", "system":
		return session.RoleContext, true
	}
	return "", false
}

// toolOutput classifies a stored payload. It may hold a single step or a
// list of them; anything unrecognised is kept as a Raw step.
func toolOutput(raw json.RawMessage) toolsteps.List {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var items []json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return toolsteps.List{toolsteps.Raw{Payload: raw}}
		}
	} else {
		items = []json.RawMessage{raw}
	}
	out := make(toolsteps.List, 0, len(items))
	for _, item := range items {
		out = append(out, stepOf(item))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func stepOf(raw json.RawMessage) toolsteps.Step {
	if step, ok := toolsteps.Classify(raw); ok {
		return step
	}
	// steps written by this client carry their own discriminator
	if step, err := toolsteps.Decode(raw); err == nil {
		return step
	}
	return toolsteps.Raw{Payload: append(json.RawMessage(nil), raw...)}
}
