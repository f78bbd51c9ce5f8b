// Package console интерактивная консоль phi на bubbletea.
package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/udisondev/phi/p2p"
)

const (
	peersWidth = 28
	maxLines   = 1000
)

type line struct {
	at   time.Time
	text string
	kind lineKind
}

type lineKind int

const (
	lineSystem lineKind = iota
	lineIncoming
	lineOutgoing
	lineError
)

// model состояние консоли
type model struct {
	client Client
	events <-chan p2p.Event

	viewport viewport.Model
	input    textarea.Model
	lines    []line
	peers    []p2p.PeerInfo

	width  int
	height int
	ready  bool

	statusMsg string
	error     string
}

// Styles
var (
	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62"))

	peersBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	connectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	incomingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	outgoingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Padding(0, 1)
)

func newModel(c Client, events <-chan p2p.Event) *model {
	ta := textarea.New()
	ta.Placeholder = "Message or /command (Enter to send)"
	ta.Prompt = "│ "
	ta.CharLimit = 1000
	ta.SetWidth(40)
	ta.SetHeight(1)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.Focus()

	m := &model{
		client:   c,
		events:   events,
		viewport: viewport.New(40, 20),
		input:    ta,
	}
	m.appendLine(lineSystem, "Type /name <username> to sign in. Commands: "+commandList())
	return m
}

func commandList() string {
	return "/name /host /join /rooms /info /peers /pm /open /close /relay /quit"
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.waitForEvents,
	)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		logWidth := msg.Width - peersWidth - 8
		logHeight := msg.Height - 7
		if !m.ready {
			m.viewport = viewport.New(logWidth, logHeight)
			m.ready = true
		} else {
			m.viewport.Width = logWidth
			m.viewport.Height = logHeight
		}
		m.input.SetWidth(logWidth)
		m.updateViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case tea.KeyEnter:
			return m, m.submit()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case eventMsg:
		m.handleEvent(msg.event)
		return m, m.waitForEvents

	case eventsClosedMsg:
		return m, tea.Quit

	case outgoingMsg:
		text := "you: " + msg.text
		if msg.to != "" {
			text = "you -> " + msg.to + ": " + msg.text
		}
		text += relayMark(msg.relayed)
		m.appendLine(lineOutgoing, text)

	case peersMsg:
		m.peers = msg
		if len(msg) == 0 {
			m.appendLine(lineSystem, "No peers")
		}
		for _, p := range msg {
			m.appendLine(lineSystem, fmt.Sprintf("%s (%s) %s encrypted=%v channels=%s",
				p.Username, p.ID, p.State, p.Encrypted, strings.Join(p.Channels, ",")))
		}

	case systemMsg:
		m.appendLine(lineSystem, string(msg))

	case statusMsg:
		m.statusMsg = string(msg)
		m.error = ""

	case errorMsg:
		m.error = string(msg)
		m.statusMsg = ""
		m.appendLine(lineError, string(msg))
	}
	return m, nil
}

func (m *model) submit() tea.Cmd {
	value := m.input.Value()
	m.input.Reset()
	if strings.TrimSpace(value) == "" {
		return nil
	}

	cmd, err := parseCommand(value)
	if err != nil {
		m.error = err.Error()
		return nil
	}
	return run(m.client, cmd)
}

func (m *model) handleEvent(ev p2p.Event) {
	switch ev.Type {
	case p2p.EventNewPeer, p2p.EventPeerConnected, p2p.EventPeerDisconnected,
		p2p.EventChannelOpen, p2p.EventChannelClose, p2p.EventDisconnected:
		m.peers = m.client.Peers()
	}

	text, ok := formatEvent(ev)
	if !ok {
		return
	}
	kind := lineSystem
	switch ev.Type {
	case p2p.EventBroadcast, p2p.EventPrivateMessage:
		kind = lineIncoming
	case p2p.EventError:
		kind = lineError
	}
	m.appendLine(kind, text)
}

func (m *model) appendLine(kind lineKind, text string) {
	m.lines = append(m.lines, line{at: time.Now(), text: text, kind: kind})
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	m.updateViewport()
}

func (m *model) updateViewport() {
	var b strings.Builder
	for _, l := range m.lines {
		style := statusBarStyle
		switch l.kind {
		case lineIncoming:
			style = incomingStyle
		case lineOutgoing:
			style = outgoingStyle
		case lineError:
			style = errorStyle
		}
		b.WriteString(timeStyle.Render(l.at.Format("15:04:05")))
		b.WriteString(" ")
		b.WriteString(style.Render(l.text))
		b.WriteString("\n")
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.renderPeers(), m.renderLog())
	return lipgloss.JoinVertical(lipgloss.Left, body, m.renderStatusBar())
}

func (m *model) renderPeers() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Peers") + "\n")

	if len(m.peers) == 0 {
		b.WriteString(statusBarStyle.Render("nobody yet") + "\n")
	}
	for _, p := range m.peers {
		status := pendingStyle.Render("●")
		if p.State == p2p.PeerConnected {
			status = connectedStyle.Render("●")
		}
		name := p.Username
		if limit := peersWidth - 6; len(name) > limit {
			name = name[:limit-3] + "..."
		}
		lock := ""
		if p.Encrypted {
			lock = " *"
		}
		b.WriteString(fmt.Sprintf(" %s %s%s\n", status, name, lock))
	}

	return peersBorderStyle.Width(peersWidth).Height(m.height - 4).Render(b.String())
}

func (m *model) renderLog() string {
	s := m.client.Session()
	title := "phi"
	if s.Username != "" {
		title = fmt.Sprintf("phi - %s (%s)", s.Username, s.Role)
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		headerStyle.Render(title),
		m.viewport.View(),
		m.input.View(),
	)
	return borderStyle.Width(m.width - peersWidth - 6).Height(m.height - 4).Render(content)
}

func (m *model) renderStatusBar() string {
	if m.error != "" {
		return errorStyle.Render("Error: " + m.error)
	}
	s := m.client.Session()
	parts := []string{s.State.String()}
	if s.ID != "" {
		parts = append(parts, "id "+s.ID)
	}
	if m.client.RelayEnabled() {
		parts = append(parts, "relay")
	}
	if m.statusMsg != "" {
		parts = append(parts, m.statusMsg)
	}
	return statusBarStyle.Render(strings.Join(parts, " | ") + " | PgUp/PgDn scroll | Esc quit")
}

// Messages

type eventMsg struct {
	event p2p.Event
}

type eventsClosedMsg struct{}

type outgoingMsg struct {
	text    string
	to      string
	relayed bool
}

type peersMsg []p2p.PeerInfo

type systemMsg string
type statusMsg string
type errorMsg string

func (m *model) waitForEvents() tea.Msg {
	ev, ok := <-m.events
	if !ok {
		return eventsClosedMsg{}
	}
	return eventMsg{ev}
}

// Run запускает консоль и блокирует до выхода пользователя.
func Run(c Client, events <-chan p2p.Event) error {
	p := tea.NewProgram(
		newModel(c, events),
		tea.WithAltScreen(),
	)

	_, err := p.Run()
	return err
}
