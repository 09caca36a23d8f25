package webchat

import (
	"encoding/json"
	"time"

	"github.com/go-go-golems/chatsync/pkg/session"
)

const (
	frameHello    = "session.hello"
	frameSnapshot = "session.snapshot"
	framePong     = "pong"
	frameError    = "error"

	cmdSend    = "send"
	cmdRestart = "restart"
	cmdCancel  = "cancel"
	cmdClear   = "clear"
	cmdConfig  = "config"
	cmdPing    = "ping"
	cmdSync    = "sync"
)

// Frame is a server to client message.
type Frame struct {
	Type       string         `json:"type"`
	Session    *session.State `json:"session,omitempty"`
	Error      string         `json:"error,omitempty"`
	ServerTime int64          `json:"server_time"`
}

// Command is a client to server message.
type Command struct {
	Type        string   `json:"type"`
	Text        string   `json:"text,omitempty"`
	Model       *string  `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	WebSearch   *bool    `json:"web_search,omitempty"`
}

func snapshotFrame(kind string, st session.State) ([]byte, error) {
	return json.Marshal(Frame{Type: kind, Session: &st, ServerTime: time.Now().UnixMilli()})
}

func pongFrame() []byte {
	b, _ := json.Marshal(Frame{Type: framePong, ServerTime: time.Now().UnixMilli()})
	return b
}

func errorFrame(msg string) []byte {
	b, _ := json.Marshal(Frame{Type: frameError, Error: msg, ServerTime: time.Now().UnixMilli()})
	return b
}
