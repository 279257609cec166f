package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lair-chat/lair-chat/internal/client"
)

var (
	statusStyle = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// messageMsg/errorMsg/statusMsg bridge the connection
// manager's observer callbacks (which fire from the receive-loop goroutine)
// into bubbletea's single-threaded Update loop via tea.Program.Send.
type messageMsg string
type errorMsg string
type statusMsg bool
type authResultMsg struct {
	state *client.AuthState
	err   error
}

// model is the out-of-scope-detail TUI shell: a scrollback viewport plus one
// input line. Room/DM layout and key bindings beyond basic editing are not
// part of this spec.
type model struct {
	mgr     *client.ConnectionManager
	program *tea.Program

	viewport viewport.Model
	input    textinput.Model
	lines    []string

	status        client.ConnectionStatus
	authenticated bool
	loginPending  bool
}

func newModel(mgr *client.ConnectionManager) *model {
	ti := textinput.New()
	ti.Placeholder = "/login <user> <pass>  |  /dm <user> <text>  |  <message>"
	ti.Focus()

	return &model{
		mgr:      mgr,
		viewport: viewport.New(80, 20),
		input:    ti,
		status:   client.StatusDisconnected,
	}
}

func (m *model) Init() tea.Cmd {
	return m.connectCmd
}

func (m *model) connectCmd() tea.Msg {
	if err := m.mgr.Connect(context.Background()); err != nil {
		return errorMsg(err.Error())
	}
	return statusMsg(true)
}

// OnMessage, OnError, OnStatusChange implement client.Observer. They run on
// the connection manager's receive-loop goroutine, so they only ever hand
// the event to the program's message queue rather than touching model state
// directly.
func (m *model) OnMessage(text string) {
	if m.program != nil {
		m.program.Send(messageMsg(text))
	}
}

func (m *model) OnError(text string) {
	if m.program != nil {
		m.program.Send(errorMsg(text))
	}
}

func (m *model) OnStatusChange(connected bool) {
	if m.program != nil {
		m.program.Send(statusMsg(connected))
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 3
		m.input.Width = msg.Width
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.handleSubmit()
		}
	case messageMsg:
		m.appendLine(string(msg))
	case errorMsg:
		m.appendLine(errorStyle.Render("error: " + string(msg)))
	case statusMsg:
		if bool(msg) {
			m.status = client.StatusConnected
		} else {
			m.status = client.StatusDisconnected
			m.authenticated = false
		}
	case authResultMsg:
		m.loginPending = false
		if msg.err != nil {
			m.appendLine(errorStyle.Render("login failed: " + msg.err.Error()))
		} else {
			m.authenticated = true
			m.appendLine(fmt.Sprintf("logged in as %s", msg.state.Username))
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) handleSubmit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")
	if text == "" {
		return m, nil
	}

	switch {
	case strings.HasPrefix(text, "/login "):
		fields := strings.SplitN(strings.TrimPrefix(text, "/login "), " ", 2)
		if len(fields) != 2 {
			m.appendLine(errorStyle.Render("usage: /login <user> <pass>"))
			return m, nil
		}
		m.loginPending = true
		return m, m.loginCmd(fields[0], fields[1])
	case strings.HasPrefix(text, "/dm "):
		fields := strings.SplitN(strings.TrimPrefix(text, "/dm "), " ", 2)
		if len(fields) != 2 {
			m.appendLine(errorStyle.Render("usage: /dm <user> <text>"))
			return m, nil
		}
		if err := m.mgr.SendDM(fields[0], fields[1]); err != nil {
			m.appendLine(errorStyle.Render(err.Error()))
		}
		return m, nil
	default:
		if err := m.mgr.SendMessage(text); err != nil {
			m.appendLine(errorStyle.Render(err.Error()))
		}
		return m, nil
	}
}

func (m *model) loginCmd(username, password string) tea.Cmd {
	return func() tea.Msg {
		state, err := m.mgr.Login(context.Background(), username, password)
		return authResultMsg{state: state, err: err}
	}
}

func (m *model) appendLine(line string) {
	m.lines = append(m.lines, line)
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *model) View() string {
	return fmt.Sprintf(
		"%s\n%s\n%s",
		statusStyle.Render(fmt.Sprintf("lair-chat [%s]", m.status)),
		m.viewport.View(),
		m.input.View(),
	)
}
