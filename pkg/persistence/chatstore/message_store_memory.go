package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// InMemoryMessageStore is a size-limited MessageStore. It mirrors the ordering
// semantics of the SQLite store.
type InMemoryMessageStore struct {
	mu                    sync.Mutex
	maxMessagesPerSession int
	seq                   int64
	sessions              map[string][]MessageRecord
	ids                   map[string]struct{}
}

var _ MessageStore = &InMemoryMessageStore{}

func NewInMemoryMessageStore(maxMessagesPerSession int) *InMemoryMessageStore {
	if maxMessagesPerSession <= 0 {
		maxMessagesPerSession = 5000
	}
	return &InMemoryMessageStore{
		maxMessagesPerSession: maxMessagesPerSession,
		sessions:              map[string][]MessageRecord{},
		ids:                   map[string]struct{}{},
	}
}

func (s *InMemoryMessageStore) Close() error { return nil }

func (s *InMemoryMessageStore) Append(_ context.Context, rec MessageRecord) (MessageRecord, error) {
	if s == nil {
		return MessageRecord{}, errors.New("in-memory message store: nil store")
	}
	rec = normalizeMessageRecord(rec, time.Now().UnixMilli())
	if rec.SessionID == "" {
		return MessageRecord{}, errors.New("in-memory message store: sessionID is empty")
	}
	if rec.Role == "" {
		return MessageRecord{}, errors.New("in-memory message store: role is empty")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[rec.ID]; dup {
		return MessageRecord{}, errors.Errorf("in-memory message store: duplicate id %q", rec.ID)
	}
	s.seq++
	rec.Seq = s.seq
	rec.ToolOutput = append([]byte(nil), rec.ToolOutput...)
	if len(rec.ToolOutput) == 0 {
		rec.ToolOutput = nil
	}
	msgs := append(s.sessions[rec.SessionID], rec)
	if over := len(msgs) - s.maxMessagesPerSession; over > 0 {
		for _, old := range msgs[:over] {
			delete(s.ids, old.ID)
		}
		msgs = append([]MessageRecord(nil), msgs[over:]...)
	}
	s.sessions[rec.SessionID] = msgs
	s.ids[rec.ID] = struct{}{}
	return rec, nil
}

func (s *InMemoryMessageStore) List(_ context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("in-memory message store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.sessions[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]MessageRecord, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryMessageStore) ListSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for id, msgs := range s.sessions {
		if len(msgs) == 0 {
			continue
		}
		rec := SessionRecord{SessionID: id, MessageCount: len(msgs), CreatedAtMs: msgs[0].CreatedAtMs}
		for _, m := range msgs {
			if m.CreatedAtMs > rec.LastActivityMs {
				rec.LastActivityMs = m.CreatedAtMs
			}
			if m.CreatedAtMs < rec.CreatedAtMs {
				rec.CreatedAtMs = m.CreatedAtMs
			}
		}
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityMs != out[j].LastActivityMs {
			return out[i].LastActivityMs > out[j].LastActivityMs
		}
		return out[i].SessionID < out[j].SessionID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
