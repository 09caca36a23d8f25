package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/protocol"
)

func TestClient_StreamPostsRequestWithBearer(t *testing.T) {
	var got protocol.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/stream", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", Options{})
	require.NoError(t, err)
	body, err := c.Stream(context.Background(), "tok", protocol.ChatRequest{
		SessionID: "S1",
		UserID:    "u1",
		Messages:  []protocol.ChatMessage{{Role: "user", Content: "hello"}},
		Model:     "m",
	})
	require.NoError(t, err)
	defer body.Close()
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "data: [DONE]\n", string(b))
	require.Equal(t, "S1", got.SessionID)
	require.Equal(t, "hello", got.Messages[0].Content)
}

func TestClient_StreamReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, Options{})
	require.NoError(t, err)
	_, err = c.Stream(context.Background(), "nope", protocol.ChatRequest{})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusUnauthorized, se.StatusCode)
	require.Equal(t, "bad token", se.Body)
}

func TestClient_FetchHistoryRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sessions/a%20b/messages", r.URL.EscapedPath())
		require.Equal(t, "Bearer h", r.Header.Get("Authorization"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `[{"id":"1","session_id":"a b","role":"user","content":"hi","timestamp":"2024-05-01T10:00:00Z"},
			{"id":"2","session_id":"a b","role":"assistant","content":"yo","timestamp":1714557601000,"tool_output":[{"type":"tool_call"}]}]`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, Options{
		RetryWaitMin:       time.Millisecond,
		RetryWaitMax:       5 * time.Millisecond,
		HistoryCredentials: StaticToken("h"),
	})
	require.NoError(t, err)
	recs, err := c.FetchHistory(context.Background(), "a b")
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Len(t, recs, 2)
	require.Equal(t, "yo", recs[1].Content)
	require.JSONEq(t, `[{"type":"tool_call"}]`, string(recs[1].ToolOutput))
	require.Equal(t, int64(1714557601000), recs[1].Timestamp.UnixMilli())
}

func TestClient_FetchHistoryStatuses(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, Options{HistoryRetries: 1, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond})
	require.NoError(t, err)

	recs, err := c.FetchHistory(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, recs)

	status.Store(http.StatusBadGateway)
	_, err = c.FetchHistory(context.Background(), "x")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadGateway, se.StatusCode)
}

func TestClient_ListSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sessions", r.URL.Path)
		require.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `[{"session_id":"S2","message_count":4,"created_at_ms":10,"last_activity_ms":40},
			{"session_id":"S1","message_count":2,"created_at_ms":5,"last_activity_ms":20}]`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, Options{})
	require.NoError(t, err)
	sessions, err := c.ListSessions(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "S2", sessions[0].SessionID)
	require.Equal(t, 4, sessions[0].MessageCount)
	require.Equal(t, int64(20), sessions[1].LastActivityMs)
}

func TestCredentials(t *testing.T) {
	_, err := StaticToken("").Token(context.Background())
	require.Error(t, err)

	t.Setenv("CHATSYNC_TEST_TOKEN", " abc ")
	tok, err := EnvToken("CHATSYNC_TEST_TOKEN").Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", tok)

	_, err = EnvToken("CHATSYNC_TEST_TOKEN_UNSET").Token(context.Background())
	require.Error(t, err)

	_, err = NewClient("  ", Options{})
	require.Error(t, err)
}
