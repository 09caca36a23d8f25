// Package protocol decodes the newline-delimited `data:` stream returned by
// the chat backend and defines the request/history wire types.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

type EventKind int

const (
	EventToken EventKind = iota
	EventToolOutput
	EventError
	EventEndOfStream
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventToolOutput:
		return "tool_output"
	case EventError:
		return "error"
	case EventEndOfStream:
		return "end_of_stream"
	default:
		return "unknown"
	}
}

// Event is one decoded protocol record.
//
// Payload holds content.message.content for tokens (a JSON string or object)
// and content for tool outputs. Message is set for errors.
type Event struct {
	Kind    EventKind
	Payload json.RawMessage
	Message string
}

// Text returns the token delta when the payload is a JSON string.
func (e Event) Text() (string, bool) {
	if e.Kind != EventToken {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return "", false
	}
	return s, true
}

var dataPrefix = []byte("data:")

// Parser turns arbitrarily split chunks into events. It keeps the unfinished
// tail of the last line between calls. Not safe for concurrent use.
type Parser struct {
	buf []byte
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes a chunk and returns the events of every line it completed.
func (p *Parser) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	p.buf = append(p.buf, chunk...)
	var out []Event
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		if ev, ok := ParseLine(line); ok {
			out = append(out, ev)
		}
		p.buf = p.buf[idx+1:]
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return out
}

// Flush parses whatever is left in the buffer as a final line. A truncated
// JSON record fails to decode and is dropped like any malformed line.
func (p *Parser) Flush() []Event {
	rest := p.buf
	p.buf = nil
	if len(bytes.TrimSpace(rest)) == 0 {
		return nil
	}
	if ev, ok := ParseLine(rest); ok {
		return []Event{ev}
	}
	return nil
}

// Pending reports the number of buffered bytes not yet terminated by a newline.
func (p *Parser) Pending() int {
	return len(p.buf)
}

type wireRecord struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	Error   json.RawMessage `json:"error"`
}

type tokenContent struct {
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ParseLine decodes a single line. Lines that are blank, not data records,
// malformed, or of an unknown type yield false.
func ParseLine(line []byte) (Event, bool) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, dataPrefix) {
		return Event{}, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return Event{}, false
	}
	if string(payload) == DoneSentinel {
		return Event{Kind: EventEndOfStream}, true
	}

	var rec wireRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		log.Warn().Err(err).Str("component", "protocol").Int("bytes", len(payload)).Msg("skipping malformed data line")
		return Event{}, false
	}
	switch rec.Type {
	case "token":
		var tc tokenContent
		if len(rec.Content) > 0 {
			if err := json.Unmarshal(rec.Content, &tc); err != nil {
				log.Warn().Err(err).Str("component", "protocol").Msg("skipping token with malformed content")
				return Event{}, false
			}
		}
		if len(tc.Message.Content) == 0 || string(tc.Message.Content) == "null" {
			return Event{}, false
		}
		return Event{Kind: EventToken, Payload: cloneRaw(tc.Message.Content)}, true
	case "tool_output":
		if len(rec.Content) == 0 {
			return Event{}, false
		}
		return Event{Kind: EventToolOutput, Payload: cloneRaw(rec.Content)}, true
	case "error":
		return Event{Kind: EventError, Message: errorMessage(rec.Error)}, true
	default:
		log.Debug().Str("component", "protocol").Str("type", rec.Type).Msg("ignoring unknown record type")
		return Event{}, false
	}
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "stream error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "stream error"
		}
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
