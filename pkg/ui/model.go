// Package ui is a terminal surface for one chat session. It renders the shared
// session state and drives the session through its binding, so a terminal and
// other surfaces bound to the same key stay in step.
package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/toolsteps"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62")).Padding(0, 1)
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	contextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	stepStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// StateMsg carries a session snapshot into the program.
type StateMsg session.State

type sendErrMsg struct{ err error }

type Model struct {
	ctx     context.Context
	binding *chat.Binding

	input textinput.Model
	view  viewport.Model

	state  session.State
	status string
}

func NewModel(ctx context.Context, b *chat.Binding) Model {
	in := textinput.New()
	in.Placeholder = "Type a message"
	in.Prompt = "> "
	in.CharLimit = 4000
	in.Focus()
	return Model{
		ctx:     ctx,
		binding: b,
		input:   in,
		view:    viewport.New(80, 20),
		state:   b.State(),
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.view.Width = msg.Width
		m.view.Height = max(msg.Height-4, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()

	case StateMsg:
		m.state = session.State(msg)
		if m.state.Error != "" {
			m.status = ""
		}
		m.refresh()

	case sendErrMsg:
		m.status = msg.err.Error()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			if m.binding.Cancel() {
				m.status = "cancelled"
			}
			return m, nil
		case tea.KeyCtrlL:
			m.binding.Clear()
			m.status = ""
			return m, nil
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.status = ""
			return m, m.send(text)
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.view, cmd = m.view.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) send(text string) tea.Cmd {
	b, ctx := m.binding, m.ctx
	return func() tea.Msg {
		if err := b.Send(ctx, text); err != nil {
			return sendErrMsg{err: err}
		}
		return nil
	}
}

func (m *Model) refresh() {
	m.view.SetContent(renderTranscript(m.state, m.view.Width))
	m.view.GotoBottom()
}

func (m Model) View() string {
	cfg := m.state.Config
	header := headerStyle.Render(fmt.Sprintf("%s  %s  t=%.1f  search=%t", m.state.Key, cfg.Model, cfg.Temperature, cfg.WebSearchEnabled))
	status := helpStyle.Render("enter send · esc cancel · ctrl+l clear · ctrl+c quit")
	switch {
	case m.status != "":
		status = errorStyle.Render(m.status)
	case m.state.Error != "":
		status = errorStyle.Render("error: " + m.state.Error)
	case m.state.IsLoading:
		status = helpStyle.Render("waiting for reply… (esc to cancel)")
	case m.state.MessagesLoading:
		status = helpStyle.Render("loading history…")
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, m.view.View(), m.input.View(), status)
}

func renderTranscript(st session.State, width int) string {
	var sb strings.Builder
	wrap := lipgloss.NewStyle()
	if width > 0 {
		wrap = wrap.Width(width)
	}
	for _, msg := range st.Messages {
		sb.WriteString(roleLabel(msg.Role))
		sb.WriteString("\n")
		for _, step := range msg.ToolOutput {
			sb.WriteString(stepStyle.Render(describeStep(step)))
			sb.WriteString("\n")
		}
		sb.WriteString(wrap.Render(msg.Content))
		sb.WriteString("\n\n")
	}
	if st.IsLoading {
		sb.WriteString(roleLabel(session.RoleAssistant))
		sb.WriteString("\n")
		for _, step := range st.ActiveToolInfo {
			sb.WriteString(stepStyle.Render(describeStep(step)))
			sb.WriteString("\n")
		}
		sb.WriteString(wrap.Render(st.StreamedText + "▌"))
		sb.WriteString("\n")
	}
	return sb.String()
}

func roleLabel(r session.Role) string {
	switch r {
	case session.RoleUser:
		return userStyle.Render("you")
	case session.RoleAssistant:
		return assistantStyle.Render("assistant")
	default:
		return contextStyle.Render(string(r))
	}
}

func describeStep(s toolsteps.Step) string {
	switch s := s.(type) {
	case toolsteps.WebSearchCall:
		return fmt.Sprintf("⌕ searched %q (%d results)", s.Query, len(s.Results))
	case toolsteps.RAGResult:
		return fmt.Sprintf("⎘ retrieval %s, %d chunks", s.Method, s.ChunksUsed)
	case toolsteps.ToolCall:
		return "⚙ tool call"
	default:
		return "· " + string(s.Kind())
	}
}

// Forward pushes session notifications into p. Notifications arrive on the
// goroutine that changed the session, which may be the program's own Update,
// so they are handed over through a latest-wins slot instead of calling
// p.Send inline. The returned function stops forwarding.
func Forward(p *tea.Program, b *chat.Binding) func() {
	var (
		mu      sync.Mutex
		pending *session.State
	)
	signal := make(chan struct{}, 1)
	done := make(chan struct{})

	unsubscribe := b.Subscribe(func(st session.State) {
		mu.Lock()
		if pending == nil || st.Version >= pending.Version {
			pending = &st
		}
		mu.Unlock()
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-signal:
			}
			mu.Lock()
			st := pending
			pending = nil
			mu.Unlock()
			if st != nil {
				p.Send(StateMsg(*st))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			close(done)
		})
	}
}

// Run starts the terminal surface and blocks until the user quits or ctx ends.
func Run(ctx context.Context, b *chat.Binding, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(NewModel(ctx, b), opts...)
	stop := Forward(p, b)
	defer stop()
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
