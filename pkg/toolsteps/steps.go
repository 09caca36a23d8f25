// Package toolsteps models the structured side-results (web search, retrieval,
// generic tool calls) that accompany streamed assistant text, and classifies
// raw tool payloads into them.
package toolsteps

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindWebSearchCall Kind = "web_search_call"
	KindRAGResult     Kind = "rag_result"
	KindToolCall      Kind = "tool_call"
	// KindRaw only appears in loaded history, for stored payloads that no
	// longer classify.
	KindRaw Kind = "raw"
)

// Step is a closed union; only the types in this package implement it.
type Step interface {
	Kind() Kind
	isStep()
}

type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type WebSearchCall struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

type RAGResult struct {
	Method         string            `json:"method"`
	ChunksUsed     int               `json:"chunksUsed"`
	ContextTokens  int               `json:"contextTokens"`
	RelevantChunks []json.RawMessage `json:"relevantChunks"`
	Answer         string            `json:"answer"`
}

type ToolCall struct{}

type Raw struct {
	Payload json.RawMessage `json:"payload"`
}

func (WebSearchCall) Kind() Kind { return KindWebSearchCall }
func (RAGResult) Kind() Kind     { return KindRAGResult }
func (ToolCall) Kind() Kind      { return KindToolCall }
func (Raw) Kind() Kind           { return KindRaw }

func (WebSearchCall) isStep() {}
func (RAGResult) isStep()     {}
func (ToolCall) isStep()      {}
func (Raw) isStep()           {}

func (s WebSearchCall) MarshalJSON() ([]byte, error) {
	type plain WebSearchCall
	if s.Results == nil {
		s.Results = []SearchResult{}
	}
	return marshalTagged(KindWebSearchCall, plain(s))
}

func (s RAGResult) MarshalJSON() ([]byte, error) {
	type plain RAGResult
	if s.RelevantChunks == nil {
		s.RelevantChunks = []json.RawMessage{}
	}
	return marshalTagged(KindRAGResult, plain(s))
}

func (s ToolCall) MarshalJSON() ([]byte, error) {
	return marshalTagged(KindToolCall, struct{}{})
}

func (s Raw) MarshalJSON() ([]byte, error) {
	type plain Raw
	if len(s.Payload) == 0 {
		s.Payload = json.RawMessage("null")
	}
	return marshalTagged(KindRaw, plain(s))
}

// marshalTagged flattens v into an object carrying a "type" discriminator.
func marshalTagged(kind Kind, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	tag, _ := json.Marshal(string(kind))
	fields["type"] = tag
	return json.Marshal(fields)
}

// List is a JSON-friendly slice of steps. Decoding reads the "type"
// discriminator written by the step encoders.
type List []Step

func (l *List) UnmarshalJSON(b []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return errors.Wrap(err, "decode tool step list")
	}
	out := make(List, 0, len(raws))
	for _, raw := range raws {
		step, err := Decode(raw)
		if err != nil {
			return err
		}
		out = append(out, step)
	}
	*l = out
	return nil
}

// Decode reads a step previously produced by the step encoders.
func Decode(raw json.RawMessage) (Step, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.Wrap(err, "decode tool step")
	}
	switch head.Type {
	case KindWebSearchCall:
		var s WebSearchCall
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errors.Wrap(err, "decode web_search_call")
		}
		return s, nil
	case KindRAGResult:
		var s RAGResult
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errors.Wrap(err, "decode rag_result")
		}
		return s, nil
	case KindToolCall:
		return ToolCall{}, nil
	case KindRaw:
		var s Raw
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errors.Wrap(err, "decode raw step")
		}
		return s, nil
	default:
		return nil, errors.Errorf("unknown tool step type %q", head.Type)
	}
}
