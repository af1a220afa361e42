// Package tui provides the terminal chat client for llama-relay.
package tui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/MegaGrindStone/llama-relay/internal/models"
	"github.com/MegaGrindStone/llama-relay/internal/protocol"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const modelCommand = "/model"

// FrameConn is the session the model talks to. *Conn implements it.
type FrameConn interface {
	Send(msg protocol.ClientMessage) error
	Receive() (protocol.ServerMessage, error)
}

type (
	frameMsg struct {
		frame protocol.ServerMessage
	}
	connErrMsg struct {
		err error
	}
)

type entryKind int

const (
	entryUser entryKind = iota
	entryAssistant
	entrySystem
	entryError
)

type entry struct {
	kind    entryKind
	content string
}

// Model is the bubbletea model of the chat client. It mirrors the shared history the server replays on
// connect, streams assistant replies as they arrive and lets the user switch the server's model.
type Model struct {
	conn FrameConn

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer

	entries    []entry
	pending    string
	generating bool

	availableModels []string
	currentModel    string

	picking bool
	cursor  int

	disconnected bool
	ready        bool
	width        int
	height       int
}

// NewModel creates a chat model for an open session.
func NewModel(conn FrameConn) Model {
	ta := textarea.New()
	ta.Placeholder = "Type a message, or /model <name> to switch models..."
	ta.CharLimit = 8000
	ta.ShowLineNumbers = false
	ta.SetHeight(2)
	ta.Focus()
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.BlurredStyle = ta.FocusedStyle

	return Model{
		conn:     conn,
		textarea: ta,
	}
}

// Init starts listening for server frames.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		waitForFrame(m.conn),
	)
}

func waitForFrame(conn FrameConn) tea.Cmd {
	return func() tea.Msg {
		frame, err := conn.Receive()
		if err != nil {
			return connErrMsg{err: err}
		}
		return frameMsg{frame: frame}
	}
}

func send(conn FrameConn, msg protocol.ClientMessage) tea.Cmd {
	return func() tea.Msg {
		if err := conn.Send(msg); err != nil {
			return connErrMsg{err: err}
		}
		return nil
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		m.updateViewport()

	case tea.KeyMsg:
		if m.picking {
			return m.updatePicker(msg)
		}

		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "ctrl+s":
			if len(m.availableModels) > 0 {
				m.picking = true
				m.cursor = max(slices.Index(m.availableModels, m.currentModel), 0)
			}
			return m, nil

		case "enter":
			return m.submit()
		}

	case frameMsg:
		m.applyFrame(msg.frame)
		m.updateViewport()
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForFrame(m.conn))

	case connErrMsg:
		if !m.disconnected {
			m.disconnected = true
			m.entries = append(m.entries, entry{kind: entryError, content: "Disconnected: " + msg.err.Error()})
			m.updateViewport()
			m.viewport.GotoBottom()
		}
	}

	if _, ok := msg.(tea.KeyMsg); ok {
		m.textarea, cmd = m.textarea.Update(msg)
		cmds = append(cmds, cmd)
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// submit sends the input line. A "/model <name>" line switches models, anything else is a chat
// message. Messages typed while a reply streams are queued by the server.
func (m Model) submit() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textarea.Value())
	if input == "" || m.disconnected {
		return m, nil
	}
	m.textarea.Reset()

	if input == modelCommand || strings.HasPrefix(input, modelCommand+" ") {
		id := strings.TrimSpace(strings.TrimPrefix(input, modelCommand))
		if id == "" {
			m.entries = append(m.entries, entry{kind: entrySystem, content: "Usage: /model <name>"})
			m.updateViewport()
			m.viewport.GotoBottom()
			return m, nil
		}
		return m, send(m.conn, protocol.SetModel{ID: id})
	}

	m.entries = append(m.entries, entry{kind: entryUser, content: input})
	m.updateViewport()
	m.viewport.GotoBottom()
	return m, send(m.conn, protocol.Text{Content: input})
}

func (m Model) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc", "ctrl+s":
		m.picking = false
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.availableModels)-1 {
			m.cursor++
		}
	case "enter":
		m.picking = false
		if m.cursor < len(m.availableModels) {
			return m, send(m.conn, protocol.SetModel{ID: m.availableModels[m.cursor]})
		}
	}
	return m, nil
}

func (m *Model) applyFrame(frame protocol.ServerMessage) {
	switch f := frame.(type) {
	case protocol.History:
		m.entries = make([]entry, 0, len(f.History.Messages))
		for _, msg := range f.History.Messages {
			kind := entryUser
			if msg.Role == models.RoleAssistant {
				kind = entryAssistant
			}
			m.entries = append(m.entries, entry{kind: kind, content: msg.Content})
		}
		m.currentModel = f.History.CurrentModel

	case protocol.AvailableModels:
		m.availableModels = f.IDs

	case protocol.Token:
		m.generating = true
		m.pending += f.Fragment

	case protocol.EndOfMessage:
		m.entries = append(m.entries, entry{kind: entryAssistant, content: m.pending})
		m.pending = ""
		m.generating = false

	case protocol.ModelChanged:
		m.currentModel = f.ID
		m.entries = append(m.entries, entry{kind: entrySystem, content: "Model changed to " + f.ID})

	case protocol.Error:
		m.entries = append(m.entries, entry{kind: entryError, content: "Error: " + f.Message})
	}
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	headerHeight := 3
	inputHeight := 4
	hintHeight := 1
	vpHeight := max(height-headerHeight-inputHeight-hintHeight, 3)
	contentWidth := max(width-2, 10)

	if !m.ready {
		m.viewport = viewport.New(contentWidth, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = contentWidth
		m.viewport.Height = vpHeight
	}
	m.textarea.SetWidth(contentWidth - 4)

	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(contentWidth-4),
	)
	if err == nil {
		m.renderer = renderer
	}
}

func (m *Model) updateViewport() {
	if !m.ready {
		return
	}

	var content strings.Builder
	for i, e := range m.entries {
		if i > 0 {
			content.WriteString("\n")
		}
		content.WriteString(m.renderEntry(e))
		content.WriteString("\n")
	}
	if m.generating {
		if len(m.entries) > 0 {
			content.WriteString("\n")
		}
		content.WriteString(assistantLabelStyle.Render("Assistant") + "\n")
		content.WriteString(streamingStyle.Render(m.pending+"▌") + "\n")
	}

	m.viewport.SetContent(content.String())
}

func (m Model) renderEntry(e entry) string {
	switch e.kind {
	case entryUser:
		return userLabelStyle.Render("You") + "\n" + userTextStyle.Render(e.content)
	case entryAssistant:
		return assistantLabelStyle.Render("Assistant") + "\n" + m.renderMarkdown(e.content)
	case entryError:
		return errorStyle.Render(e.content)
	default:
		return systemStyle.Render(e.content)
	}
}

func (m Model) renderMarkdown(content string) string {
	if m.renderer == nil {
		return streamingStyle.Render(content)
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return streamingStyle.Render(content)
	}
	return strings.TrimRight(out, "\n")
}

// View renders the chat.
func (m Model) View() string {
	if !m.ready {
		return hintStyle.Render("  Connecting...")
	}

	contentWidth := max(m.width-2, 10)

	model := m.currentModel
	if model == "" {
		model = "no model"
	}
	status := ""
	switch {
	case m.disconnected:
		status = errorStyle.Render("  •  disconnected")
	case m.generating:
		status = hintStyle.Render("  •  generating...")
	}
	header := headerStyle.Width(contentWidth).Render(
		titleStyle.Render("llama-relay") + hintStyle.Render("  •  ") + modelNameStyle.Render(model) + status,
	)

	body := m.viewport.View()
	if m.picking {
		body = m.renderPicker()
	}

	input := inputPanelStyle.Width(contentWidth).Render(m.textarea.View())
	hints := hintStyle.Render("Enter send  •  Ctrl+S models  •  /model <name>  •  Esc quit")

	return lipgloss.JoinVertical(lipgloss.Left, header, body, input, hints)
}

func (m Model) renderPicker() string {
	lines := []string{titleStyle.Render("Select a model"), ""}
	for i, id := range m.availableModels {
		label := id
		if id == m.currentModel {
			label += " (current)"
		}
		if i == m.cursor {
			lines = append(lines, pickerSelectedStyle.Render("> "+label))
		} else {
			lines = append(lines, pickerItemStyle.Render("  "+label))
		}
	}
	lines = append(lines, "", hintStyle.Render(fmt.Sprintf("↑/↓ move  •  Enter select  •  Esc close  (%d models)", len(m.availableModels))))

	return lipgloss.Place(m.viewport.Width, m.viewport.Height, lipgloss.Center, lipgloss.Center,
		pickerStyle.Render(strings.Join(lines, "\n")))
}
