package chatstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-go-golems/chatsync/pkg/protocol"
)

// MessageRecord is one stored chat turn. Seq orders records within a session
// and is assigned by the store.
type MessageRecord struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Seq         int64           `json:"seq"`
	Role        string          `json:"role"`
	Content     string          `json:"content"`
	CreatedAtMs int64           `json:"created_at_ms"`
	ToolOutput  json.RawMessage `json:"tool_output,omitempty"`
}

// History converts the record to its wire shape.
func (r MessageRecord) History() protocol.HistoryRecord {
	return protocol.HistoryRecord{
		ID:         r.ID,
		SessionID:  r.SessionID,
		Role:       r.Role,
		Content:    r.Content,
		Timestamp:  protocol.Timestamp{Time: time.UnixMilli(r.CreatedAtMs).UTC()},
		ToolOutput: r.ToolOutput,
	}
}

// SessionRecord summarises a stored session for listings. It is served as is
// by the session listing endpoint.
type SessionRecord = protocol.SessionSummary

// MessageStore keeps the durable message log of the development backend.
// Implementations return messages in insertion order.
type MessageStore interface {
	Append(ctx context.Context, rec MessageRecord) (MessageRecord, error)
	List(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error)
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	Close() error
}

func normalizeMessageRecord(rec MessageRecord, now int64) MessageRecord {
	rec.ID = strings.TrimSpace(rec.ID)
	rec.SessionID = strings.TrimSpace(rec.SessionID)
	rec.Role = strings.TrimSpace(rec.Role)
	if rec.CreatedAtMs <= 0 {
		rec.CreatedAtMs = now
	}
	if len(rec.ToolOutput) > 0 && strings.TrimSpace(string(rec.ToolOutput)) == "null" {
		rec.ToolOutput = nil
	}
	return rec
}
