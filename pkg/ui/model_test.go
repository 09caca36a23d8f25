package ui

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/toolsteps"
)

type staticCreds string

func (s staticCreds) Token(context.Context) (string, error) { return string(s), nil }

type replyTransport string

func (t replyTransport) Stream(context.Context, string, protocol.ChatRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(t))), nil
}

const hiThere = "data: {\"type\":\"token\",\"content\":{\"message\":{\"content\":\"Hi there\"}}}\n" +
	"data: [DONE]\n"

func newBinding(t *testing.T) *chat.Binding {
	t.Helper()
	reg, err := chat.NewRegistry(chat.RegistryConfig{
		Transport:   replyTransport(hiThere),
		Credentials: staticCreds("tok"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	b := reg.BindingFor("tui", &session.Config{Model: "m1", Temperature: 0.3})
	t.Cleanup(b.Close)
	return b
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func TestModel_EnterSendsThroughBinding(t *testing.T) {
	b := newBinding(t)
	m := NewModel(context.Background(), b)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 60, Height: 20})

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Nil(t, cmd, "empty input sends nothing")

	m.input.SetValue("  hello ")
	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	require.Empty(t, m.input.Value())
	require.Nil(t, cmd())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))

	m, _ = update(t, m, StateMsg(b.State()))
	require.Len(t, m.state.Messages, 2)
	view := m.View()
	require.Contains(t, view, "hello")
	require.Contains(t, view, "Hi there")
	require.Contains(t, view, "m1")
}

func TestModel_SendErrorShowsStatus(t *testing.T) {
	b := newBinding(t)
	m := NewModel(context.Background(), b)
	m, _ = update(t, m, sendErrMsg{err: io.ErrUnexpectedEOF})
	require.Contains(t, m.View(), io.ErrUnexpectedEOF.Error())
}

func TestModel_ClearAndQuit(t *testing.T) {
	b := newBinding(t)
	b.Session().Update(session.Patch{AppendMessages: []session.Message{{ID: "1", Role: session.RoleUser, Content: "old"}}})

	m := NewModel(context.Background(), b)
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlL})
	require.Nil(t, cmd)
	require.Empty(t, b.State().Messages)

	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	require.Nil(t, cmd)

	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	require.IsType(t, tea.QuitMsg{}, cmd())
}

func TestRenderTranscript_ShowsStepsAndStreaming(t *testing.T) {
	st := session.State{
		Messages: []session.Message{{
			Role:       session.RoleAssistant,
			Content:    "answer",
			ToolOutput: toolsteps.List{toolsteps.WebSearchCall{Query: "go", Results: []toolsteps.SearchResult{{Title: "a"}}}},
		}},
		IsLoading:      true,
		StreamedText:   "partial",
		ActiveToolInfo: toolsteps.List{toolsteps.RAGResult{Method: "similarity", ChunksUsed: 2}},
	}
	out := renderTranscript(st, 0)
	require.Contains(t, out, `searched "go" (1 results)`)
	require.Contains(t, out, "retrieval similarity, 2 chunks")
	require.Contains(t, out, "partial")
}
