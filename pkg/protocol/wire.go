package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// DoneSentinel terminates a response stream.
const DoneSentinel = "[DONE]"

// ChatMessage is one entry of the conversation sent with a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of the streaming POST.
type ChatRequest struct {
	SessionID   string        `json:"session_id"`
	UserID      string        `json:"user_id"`
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	WebSearch   bool          `json:"web_search,omitempty"`
}

// HistoryRecord is one stored message as returned by the history endpoint.
type HistoryRecord struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Timestamp  Timestamp       `json:"timestamp"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
}

// SessionSummary is one entry of the session listing endpoint.
type SessionSummary struct {
	SessionID      string `json:"session_id"`
	MessageCount   int    `json:"message_count"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
}

// Timestamp accepts RFC 3339 strings or epoch milliseconds and always
// encodes as RFC 3339.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return errors.Wrap(err, "decode timestamp")
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed
				return nil
			}
		}
		return errors.Errorf("unsupported timestamp %q", s)
	}
	ms, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return errors.Wrap(err, "decode timestamp")
	}
	t.Time = time.UnixMilli(int64(ms))
	return nil
}
