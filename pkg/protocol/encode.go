package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// TokenLine encodes a text token as one terminated data record.
func TokenLine(text string) ([]byte, error) {
	var rec struct {
		Type    string `json:"type"`
		Content struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"content"`
	}
	rec.Type = "token"
	rec.Content.Message.Content = text
	return dataLine(rec)
}

// ToolOutputLine wraps an already encoded tool payload.
func ToolOutputLine(payload json.RawMessage) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, errors.New("tool output is not valid JSON")
	}
	return dataLine(struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}{Type: "tool_output", Content: payload})
}

func ErrorLine(message string) ([]byte, error) {
	return dataLine(struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}{Type: "error", Error: message})
}

func DoneLine() []byte {
	return []byte("data: " + DoneSentinel + "\n")
}

func dataLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	out := make([]byte, 0, len(b)+7)
	out = append(out, "data: "...)
	out = append(out, b...)
	return append(out, '\n'), nil
}
