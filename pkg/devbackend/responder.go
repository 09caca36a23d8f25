package devbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	loremgen "github.com/bozaro/golorem"

	"github.com/go-go-golems/chatsync/pkg/protocol"
)

// Reply is what the server streams back for one prompt. A non-empty Error is
// sent as an error record and nothing is persisted for the assistant.
type Reply struct {
	ToolOutputs []json.RawMessage
	Text        string
	Error       string
}

// Responder produces the assistant text for plain prompts.
type Responder interface {
	Respond(ctx context.Context, req protocol.ChatRequest, prompt string) string
}

type ResponderFunc func(ctx context.Context, req protocol.ChatRequest, prompt string) string

func (f ResponderFunc) Respond(ctx context.Context, req protocol.ChatRequest, prompt string) string {
	return f(ctx, req, prompt)
}

// EchoResponder repeats the prompt.
var EchoResponder = ResponderFunc(func(_ context.Context, _ protocol.ChatRequest, prompt string) string {
	return "You said: " + prompt
})

// LoremResponder answers with generated filler text.
type LoremResponder struct {
	mu  sync.Mutex
	gen *loremgen.Lorem
}

func NewLoremResponder() *LoremResponder {
	return &LoremResponder{gen: loremgen.New()}
}

func (r *LoremResponder) Respond(_ context.Context, req protocol.ChatRequest, _ string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.Temperature >= 1 {
		return r.gen.Paragraph(3, 5)
	}
	return r.gen.Sentence(5, 15)
}

// plan turns a prompt into a reply. Prompts prefixed with "search:", "rag:" or
// "error:" exercise the structured records; everything else goes to the
// responder.
func plan(ctx context.Context, responder Responder, req protocol.ChatRequest, prompt string) (Reply, error) {
	cmd, arg, found := strings.Cut(prompt, ":")
	if found {
		arg = strings.TrimSpace(arg)
		switch strings.ToLower(strings.TrimSpace(cmd)) {
		case "search":
			return searchReply(arg)
		case "rag":
			return ragReply(arg)
		case "error":
			if arg == "" {
				arg = "backend error"
			}
			return Reply{Error: arg}, nil
		}
	}
	return Reply{Text: responder.Respond(ctx, req, prompt)}, nil
}

func searchReply(query string) (Reply, error) {
	type organic struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	}
	results := []organic{
		{Title: query + " overview", Link: "https://example.com/" + slug(query), Snippet: "An overview of " + query + "."},
		{Title: query + " in depth", Link: "https://example.org/" + slug(query), Snippet: "Details about " + query + "."},
	}
	payload, err := json.Marshal(map[string]any{
		"searchParameters": map[string]any{"q": query, "type": "search"},
		"organic":          results,
	})
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		ToolOutputs: []json.RawMessage{payload},
		Text:        fmt.Sprintf("I found %d results for %q.", len(results), query),
	}, nil
}

func ragReply(question string) (Reply, error) {
	answer := "Based on the documents, " + question + " is covered in two places."
	payload, err := json.Marshal(map[string]any{
		"type":          "rag_result",
		"method":        "similarity",
		"chunksUsed":    2,
		"contextTokens": 128,
		"relevantChunks": []map[string]any{
			{"id": "chunk-1", "score": 0.91, "text": "First passage about " + question},
			{"id": "chunk-2", "score": 0.77, "text": "Second passage about " + question},
		},
		"answer": answer,
	})
	if err != nil {
		return Reply{}, err
	}
	return Reply{ToolOutputs: []json.RawMessage{payload}, Text: answer}, nil
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "-")
}
