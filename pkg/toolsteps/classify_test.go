package toolsteps

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify_WebSearchPrefersPrimaryFields(t *testing.T) {
	raw := json.RawMessage(`{
		"searchParameters": {"q": "golang generics", "query": "ignored"},
		"organic": [
			{"title": "Tutorial", "name": "x", "link": "https://go.dev", "url": "y", "snippet": "learn", "description": "z"},
			{"name": "Blog", "href": "https://blog", "description": "post"},
			{}
		]
	}`)
	step, ok := Classify(raw)
	require.True(t, ok)
	ws, ok := step.(WebSearchCall)
	require.True(t, ok)
	require.Equal(t, "golang generics", ws.Query)
	require.Equal(t, []SearchResult{
		{Title: "Tutorial", Link: "https://go.dev", Snippet: "learn"},
		{Title: "Blog", Link: "https://blog", Snippet: "post"},
		{},
	}, ws.Results)
}

func TestClassify_WebSearchQueryFallbacks(t *testing.T) {
	step, ok := Classify(json.RawMessage(`{"searchParameters": {"query": "fallback"}, "organic": []}`))
	require.True(t, ok)
	require.Equal(t, "fallback", step.(WebSearchCall).Query)

	step, ok = Classify(json.RawMessage(`{"searchParameters": {}, "organic": []}`))
	require.True(t, ok)
	require.Equal(t, "Unknown query", step.(WebSearchCall).Query)
}

func TestClassify_RAGDefaults(t *testing.T) {
	step, ok := Classify(json.RawMessage(`{"type": "rag_result"}`))
	require.True(t, ok)
	rag := step.(RAGResult)
	require.Equal(t, 0, rag.ChunksUsed)
	require.Equal(t, 0, rag.ContextTokens)
	require.NotNil(t, rag.RelevantChunks)
	require.Empty(t, rag.RelevantChunks)

	step, ok = Classify(json.RawMessage(`{"type": "rag_result", "method": "hybrid", "chunksUsed": 3, "contextTokens": 812, "relevantChunks": [{"id": 1}], "answer": "42"}`))
	require.True(t, ok)
	rag = step.(RAGResult)
	require.Equal(t, "hybrid", rag.Method)
	require.Equal(t, 3, rag.ChunksUsed)
	require.Equal(t, 812, rag.ContextTokens)
	require.Len(t, rag.RelevantChunks, 1)
	require.Equal(t, "42", rag.Answer)
}

func TestClassify_ToolCallAndUnknown(t *testing.T) {
	step, ok := Classify(json.RawMessage(`{"type": "tool_call", "name": "calc"}`))
	require.True(t, ok)
	require.Equal(t, KindToolCall, step.Kind())

	for _, raw := range []string{`{"type": "other"}`, `"just text"`, `42`, `[1,2]`, `not json`, ``} {
		_, ok := Classify(json.RawMessage(raw))
		require.False(t, ok, raw)
	}
}

func TestInterpret_DegradesStringsToText(t *testing.T) {
	outcome, step, text := Interpret(json.RawMessage(`"plain reply"`))
	require.Equal(t, Text, outcome)
	require.Nil(t, step)
	require.Equal(t, "plain reply", text)

	outcome, step, text = Interpret(json.RawMessage(`{"unexpected": true}`))
	require.Equal(t, Dropped, outcome)
	require.Nil(t, step)
	require.Empty(t, text)

	outcome, step, _ = Interpret(json.RawMessage(`{"type": "tool_call"}`))
	require.Equal(t, Structured, outcome)
	require.Equal(t, ToolCall{}, step)
}

func TestList_EncodesWithDiscriminator(t *testing.T) {
	in := List{
		WebSearchCall{Query: "q"},
		RAGResult{Method: "m", ChunksUsed: 2},
		ToolCall{},
		Raw{Payload: json.RawMessage(`{"legacy":1}`)},
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	require.JSONEq(t, `[
		{"type":"web_search_call","query":"q","results":[]},
		{"type":"rag_result","method":"m","chunksUsed":2,"contextTokens":0,"relevantChunks":[],"answer":""},
		{"type":"tool_call"},
		{"type":"raw","payload":{"legacy":1}}
	]`, string(b))

	var out List
	require.NoError(t, json.Unmarshal(b, &out))
	require.Len(t, out, 4)
	require.Equal(t, KindRAGResult, out[1].Kind())
	require.Equal(t, "q", out[0].(WebSearchCall).Query)
}
