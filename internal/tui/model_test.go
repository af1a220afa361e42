package tui

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/llama-relay/internal/models"
	"github.com/MegaGrindStone/llama-relay/internal/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []protocol.ClientMessage
	err  error
}

func (f *fakeConn) Send(msg protocol.ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Receive() (protocol.ServerMessage, error) {
	return nil, errors.New("not used")
}

func (f *fakeConn) messages() []protocol.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]protocol.ClientMessage(nil), f.sent...)
}

func readyModel(t *testing.T, conn FrameConn) Model {
	t.Helper()

	m := NewModel(conn)
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	m = update(t, m, frameMsg{frame: protocol.History{History: models.ChatHistory{
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hello"},
		},
		CurrentModel: "llama",
	}}})
	m = update(t, m, frameMsg{frame: protocol.AvailableModels{IDs: []string{"llama", "mistral", "qwen"}}})
	return m
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()

	next, _ := m.Update(msg)
	model, ok := next.(Model)
	require.True(t, ok)
	return model
}

func typeAndSubmit(t *testing.T, m Model, input string) (Model, tea.Cmd) {
	t.Helper()

	m.textarea.SetValue(input)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(Model), cmd
}

func TestModelAppliesHandshake(t *testing.T) {
	m := readyModel(t, &fakeConn{})

	assert.Equal(t, "llama", m.currentModel)
	assert.Equal(t, []string{"llama", "mistral", "qwen"}, m.availableModels)
	assert.Equal(t, []entry{
		{kind: entryUser, content: "hi"},
		{kind: entryAssistant, content: "hello"},
	}, m.entries)
	assert.Contains(t, m.View(), "llama")
}

func TestModelStreamsReply(t *testing.T) {
	m := readyModel(t, &fakeConn{})

	m = update(t, m, frameMsg{frame: protocol.Token{Fragment: "he"}})
	m = update(t, m, frameMsg{frame: protocol.Token{Fragment: "llo"}})
	assert.True(t, m.generating)
	assert.Equal(t, "hello", m.pending)
	assert.Contains(t, m.View(), "generating")

	m = update(t, m, frameMsg{frame: protocol.EndOfMessage{}})
	assert.False(t, m.generating)
	assert.Empty(t, m.pending)
	assert.Equal(t, entry{kind: entryAssistant, content: "hello"}, m.entries[len(m.entries)-1])
}

func TestModelEmptyReplyStillCommits(t *testing.T) {
	m := readyModel(t, &fakeConn{})

	m = update(t, m, frameMsg{frame: protocol.Error{Message: "backend unreachable"}})
	m = update(t, m, frameMsg{frame: protocol.EndOfMessage{}})

	n := len(m.entries)
	assert.Equal(t, entry{kind: entryError, content: "Error: backend unreachable"}, m.entries[n-2])
	assert.Equal(t, entry{kind: entryAssistant, content: ""}, m.entries[n-1])
}

func TestModelModelChanged(t *testing.T) {
	m := readyModel(t, &fakeConn{})

	m = update(t, m, frameMsg{frame: protocol.ModelChanged{ID: "mistral"}})

	assert.Equal(t, "mistral", m.currentModel)
	assert.Equal(t, entry{kind: entrySystem, content: "Model changed to mistral"}, m.entries[len(m.entries)-1])
}

func TestModelSubmitText(t *testing.T) {
	conn := &fakeConn{}
	m := readyModel(t, conn)

	m, cmd := typeAndSubmit(t, m, "  how are you  ")
	require.NotNil(t, cmd)
	assert.Nil(t, cmd())

	assert.Equal(t, []protocol.ClientMessage{protocol.Text{Content: "how are you"}}, conn.messages())
	assert.Equal(t, entry{kind: entryUser, content: "how are you"}, m.entries[len(m.entries)-1])
	assert.Empty(t, m.textarea.Value())
}

func TestModelSubmitModelCommand(t *testing.T) {
	conn := &fakeConn{}
	m := readyModel(t, conn)
	before := len(m.entries)

	m, cmd := typeAndSubmit(t, m, "/model mistral")
	require.NotNil(t, cmd)
	cmd()

	assert.Equal(t, []protocol.ClientMessage{protocol.SetModel{ID: "mistral"}}, conn.messages())
	assert.Len(t, m.entries, before, "switching models adds no chat entry")

	m, cmd = typeAndSubmit(t, m, "/model")
	assert.Nil(t, cmd)
	assert.Equal(t, entrySystem, m.entries[len(m.entries)-1].kind)
	assert.Len(t, conn.messages(), 1)
}

func TestModelSubmitIgnoresEmptyInput(t *testing.T) {
	conn := &fakeConn{}
	m := readyModel(t, conn)

	_, cmd := typeAndSubmit(t, m, "   ")
	assert.Nil(t, cmd)
	assert.Empty(t, conn.messages())
}

func TestModelPicker(t *testing.T) {
	conn := &fakeConn{}
	m := readyModel(t, conn)

	m = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlS})
	require.True(t, m.picking)
	assert.Equal(t, 0, m.cursor)
	assert.Contains(t, m.View(), "Select a model")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 2, m.cursor)
	m = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, 1, m.cursor)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	require.NotNil(t, cmd)
	cmd()

	assert.False(t, m.picking)
	assert.Equal(t, []protocol.ClientMessage{protocol.SetModel{ID: "mistral"}}, conn.messages())
}

func TestModelPickerEscCloses(t *testing.T) {
	m := readyModel(t, &fakeConn{})

	m = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlS})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})

	assert.False(t, m.picking)
}

func TestModelQuit(t *testing.T) {
	m := readyModel(t, &fakeConn{})

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModelDisconnect(t *testing.T) {
	conn := &fakeConn{}
	m := readyModel(t, conn)

	m = update(t, m, connErrMsg{err: errors.New("connection reset")})
	m = update(t, m, connErrMsg{err: errors.New("connection reset")})

	assert.True(t, m.disconnected)
	assert.Equal(t, entryError, m.entries[len(m.entries)-1].kind)
	assert.Equal(t, entryAssistant, m.entries[len(m.entries)-2].kind)
	assert.Contains(t, m.View(), "disconnected")

	_, cmd := typeAndSubmit(t, m, "hello?")
	assert.Nil(t, cmd)
	assert.Empty(t, conn.messages())
}

func TestConnRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"Unknown":1}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"Token":"he"}`))
		_, data, err := ws.ReadMessage()
		if err == nil {
			received <- data
		}
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)

	msg, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.Token{Fragment: "he"}, msg)

	require.NoError(t, conn.Send(protocol.SetModel{ID: "llama"}))
	assert.JSONEq(t, `{"SetModel":"llama"}`, string(<-received))

	require.NoError(t, conn.Close())
}
