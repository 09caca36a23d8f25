package session

import (
	"time"

	"github.com/go-go-golems/chatsync/pkg/toolsteps"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleContext   Role = "context"
)

// Message is an entry of the conversation log. It is never modified once
// appended.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	ToolOutput toolsteps.List `json:"tool_output,omitempty"`
}

type Config struct {
	Model            string  `json:"model" yaml:"model" mapstructure:"model"`
	Temperature      float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	WebSearchEnabled bool    `json:"web_search_enabled" yaml:"web_search_enabled" mapstructure:"web-search"`
}

// FallbackConfig is used when neither the caller nor the store supplies defaults.
var FallbackConfig = Config{Model: "gpt-4o-mini", Temperature: 0.7}

// State is an immutable snapshot of a session.
type State struct {
	Key      string `json:"key"`
	RemoteID string `json:"remote_id,omitempty"`
	Version  uint64 `json:"version"`

	Messages       []Message      `json:"messages"`
	IsLoading      bool           `json:"is_loading"`
	Error          string         `json:"error,omitempty"`
	StreamedText   string         `json:"streamed_text"`
	ActiveToolInfo toolsteps.List `json:"active_tool_info,omitempty"`
	// ActiveRun identifies the send that currently owns the transient fields.
	ActiveRun string `json:"active_run,omitempty"`

	Config Config `json:"config"`

	MessagesLoaded  bool `json:"messages_loaded"`
	MessagesLoading bool `json:"messages_loading"`
}

// clone copies the message log, every message's tool list and the active
// tool list, so snapshot holders can modify them freely. Step values are
// shared and treated as immutable.
func (s State) clone() State {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	for i := range out.Messages {
		if tools := out.Messages[i].ToolOutput; tools != nil {
			out.Messages[i].ToolOutput = append(toolsteps.List(nil), tools...)
		}
	}
	if s.ActiveToolInfo != nil {
		out.ActiveToolInfo = append(toolsteps.List(nil), s.ActiveToolInfo...)
	}
	return out
}

// LastMessage returns the newest committed message.
func (s State) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}
