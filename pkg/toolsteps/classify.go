package toolsteps

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

const unknownQuery = "Unknown query"

// Outcome says how a raw tool payload should be treated by the caller.
type Outcome int

const (
	// Dropped payloads are neither shown nor stored.
	Dropped Outcome = iota
	// Structured payloads classified into a Step.
	Structured
	// Text payloads are plain strings that belong to the assistant reply.
	Text
)

func (o Outcome) String() string {
	switch o {
	case Structured:
		return "structured"
	case Text:
		return "text"
	default:
		return "dropped"
	}
}

// Classify maps a raw payload onto a Step. The boolean is false for payloads
// that match no known shape. It never panics.
func Classify(raw json.RawMessage) (Step, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, false
	}
	return ClassifyObject(obj)
}

// ClassifyObject is Classify for an already decoded JSON object.
func ClassifyObject(obj map[string]any) (step Step, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("component", "toolsteps").Str("panic", fmt.Sprint(r)).Msg("tool payload classification failed")
			step, ok = nil, false
		}
	}()
	if obj == nil {
		return nil, false
	}
	if obj["searchParameters"] != nil && obj["organic"] != nil {
		return webSearchFromObject(obj), true
	}
	switch t, _ := obj["type"].(string); t {
	case string(KindRAGResult):
		return ragFromObject(obj), true
	case string(KindToolCall):
		return ToolCall{}, true
	}
	return nil, false
}

// Interpret applies the degrade-to-text rule: classified payloads become
// steps, JSON strings become assistant text, anything else is dropped.
func Interpret(raw json.RawMessage) (Outcome, Step, string) {
	if step, ok := Classify(raw); ok {
		return Structured, step, ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return Text, nil, text
	}
	return Dropped, nil, ""
}

func webSearchFromObject(obj map[string]any) WebSearchCall {
	out := WebSearchCall{Query: unknownQuery, Results: []SearchResult{}}
	if params, ok := obj["searchParameters"].(map[string]any); ok {
		if q := firstString(params, "q", "query"); q != "" {
			out.Query = q
		}
	}
	organic, _ := obj["organic"].([]any)
	for _, item := range organic {
		res, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out.Results = append(out.Results, SearchResult{
			Title:   firstString(res, "title", "name"),
			Link:    firstString(res, "link", "url", "href"),
			Snippet: firstString(res, "snippet", "description"),
		})
	}
	return out
}

func ragFromObject(obj map[string]any) RAGResult {
	out := RAGResult{
		Method:         firstString(obj, "method"),
		ChunksUsed:     firstInt(obj, "chunksUsed", "chunks_used"),
		ContextTokens:  firstInt(obj, "contextTokens", "context_tokens"),
		RelevantChunks: []json.RawMessage{},
		Answer:         firstString(obj, "answer"),
	}
	chunks, _ := obj["relevantChunks"].([]any)
	if chunks == nil {
		chunks, _ = obj["relevant_chunks"].([]any)
	}
	for _, c := range chunks {
		b, err := json.Marshal(c)
		if err != nil {
			continue
		}
		out.RelevantChunks = append(out.RelevantChunks, b)
	}
	return out
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstInt(obj map[string]any, keys ...string) int {
	for _, k := range keys {
		if f, ok := obj[k].(float64); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int(f)
		}
	}
	return 0
}
