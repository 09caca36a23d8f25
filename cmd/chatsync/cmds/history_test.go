package cmds

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/toolsteps"
)

type collectRows struct {
	rows []types.Row
}

func (c *collectRows) AddRow(_ context.Context, row types.Row) error {
	c.rows = append(c.rows, row)
	return nil
}

func cell(t *testing.T, row types.Row, field string) any {
	t.Helper()
	v, ok := row.Get(field)
	require.True(t, ok, "missing field %s", field)
	return v
}

func sampleMessages() []session.Message {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return []session.Message{
		{ID: "1", Role: session.RoleUser, Content: "search: go", Timestamp: ts},
		{ID: "2", Role: session.RoleAssistant, Content: "found", Timestamp: ts,
			ToolOutput: toolsteps.List{toolsteps.WebSearchCall{Query: "go"}, toolsteps.ToolCall{}}},
	}
}

func TestAddMessageRows(t *testing.T) {
	sink := &collectRows{}
	require.NoError(t, addMessageRows(context.Background(), sink, sampleMessages()))
	require.Len(t, sink.rows, 2)

	require.Equal(t, "user", cell(t, sink.rows[0], "role"))
	require.Equal(t, "search: go", cell(t, sink.rows[0], "content"))
	require.Equal(t, "2024-05-01T10:00:00Z", cell(t, sink.rows[0], "timestamp"))
	require.Equal(t, "", cell(t, sink.rows[0], "tools"))
	require.Equal(t, "web_search_call,tool_call", cell(t, sink.rows[1], "tools"))
}

func TestAddToolStepRows(t *testing.T) {
	sink := &collectRows{}
	require.NoError(t, addToolStepRows(context.Background(), sink, sampleMessages()))
	require.Len(t, sink.rows, 2)

	require.Equal(t, "2", cell(t, sink.rows[0], "message_id"))
	require.Equal(t, 0, cell(t, sink.rows[0], "index"))
	require.Equal(t, "web_search_call", cell(t, sink.rows[0], "kind"))
	require.Equal(t, "go", cell(t, sink.rows[0], "query"))
	_, ok := sink.rows[0].Get("type")
	require.False(t, ok)
	require.Equal(t, "tool_call", cell(t, sink.rows[1], "kind"))
}

func TestAddSessionRows(t *testing.T) {
	sink := &collectRows{}
	require.NoError(t, addSessionRows(context.Background(), sink, []protocol.SessionSummary{
		{SessionID: "S1", MessageCount: 2, CreatedAtMs: 1714557600000, LastActivityMs: 1714557601000},
		{SessionID: "S2"},
	}))
	require.Len(t, sink.rows, 2)
	require.Equal(t, "S1", cell(t, sink.rows[0], "session_id"))
	require.Equal(t, 2, cell(t, sink.rows[0], "message_count"))
	require.Equal(t, "2024-05-01T10:00:00Z", cell(t, sink.rows[0], "created_at"))
	require.Equal(t, "", cell(t, sink.rows[1], "last_activity"))
}

func TestEventWriter(t *testing.T) {
	ev := redisstream.Event{
		Type:    redisstream.EventMessageCommitted,
		Session: "S1",
		Message: &session.Message{ID: "m1", Role: session.RoleAssistant, Content: "Hi there"},
		At:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	var js bytes.Buffer
	write, err := eventWriter(&js, "json")
	require.NoError(t, err)
	require.NoError(t, write(ev))
	require.Contains(t, js.String(), `"type":"message.committed"`)

	var ym bytes.Buffer
	write, err = eventWriter(&ym, "yaml")
	require.NoError(t, err)
	require.NoError(t, write(ev))
	require.NoError(t, write(ev))
	dec := yaml.NewDecoder(&ym)
	for i := 0; i < 2; i++ {
		var doc map[string]any
		require.NoError(t, dec.Decode(&doc))
		require.Equal(t, "S1", doc["session"])
		require.Equal(t, "Hi there", doc["message"].(map[string]any)["content"])
	}

	_, err = eventWriter(&js, "xml")
	require.Error(t, err)
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"serve", "chat", "send", "history", "sessions", "tail", "backend"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, cmd.Name())
	}
	require.NotNil(t, root.PersistentFlags().Lookup("backend-url"))
	require.NotNil(t, root.PersistentFlags().Lookup("redis-enabled"))

	history, _, err := root.Find([]string{"history"})
	require.NoError(t, err)
	require.NotNil(t, history.Flags().Lookup("tool-steps"))
	require.NotNil(t, history.Flags().Lookup("output"))
}
