package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/llama-relay/internal/models"
	"github.com/MegaGrindStone/llama-relay/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// errGenerating is sent to a client that asks for a model switch while its reply is still streaming.
var errGenerating = errors.New("model switch rejected: a response is still being generated")

type session struct {
	id   string
	main *Main
	conn *websocket.Conn

	writeMu sync.Mutex

	failed   chan struct{}
	failOnce sync.Once

	logger *slog.Logger
}

// HandleWS upgrades the request to a WebSocket connection and runs a chat session on it until the
// client goes away, a send fails, or the server shuts down.
//
// On open the session sends the current History followed by the AvailableModels, before any inbound
// frame is processed. A Text frame appends a user message and streams the assistant reply as Token
// frames terminated by EndOfMessage; a SetModel frame restarts the backend for the requested model and
// answers with ModelChanged or Error. Frames that are not valid client messages are taken as plain
// text.
func (m *Main) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		m.logger.Error("Failed to upgrade connection",
			slog.String("remote", r.RemoteAddr),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	s := &session{
		id:     uuid.New().String(),
		main:   m,
		conn:   conn,
		failed: make(chan struct{}),
	}
	s.logger = m.logger.With(slog.String("session", s.id))

	if !m.track(s) {
		s.close(websocket.CloseGoingAway, "server shutting down")
		conn.Close()
		return
	}
	defer m.untrack(s)

	s.logger.Info("Session opened", slog.String("remote", r.RemoteAddr))
	s.run(r.Context())
	s.logger.Info("Session closed")
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	var genDone <-chan struct{}
	defer func() {
		cancel()
		s.conn.Close()
		if genDone != nil {
			<-genDone
		}
	}()

	// Both frames come from one history snapshot; the model list never changes.
	history := s.main.History()
	if !s.send(protocol.History{History: history}) {
		return
	}
	if !s.send(protocol.AvailableModels{IDs: s.main.config.Identifiers()}) {
		return
	}

	inbound := make(chan protocol.ClientMessage)
	go s.readLoop(ctx, inbound)

	var queue []string
	for {
		if genDone == nil && len(queue) > 0 {
			content := queue[0]
			queue = queue[1:]
			genDone = s.startGeneration(ctx, content)
		}

		select {
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			switch msg := msg.(type) {
			case protocol.Text:
				queue = append(queue, msg.Content)
			case protocol.SetModel:
				if genDone != nil {
					s.logger.Warn("Rejecting model switch during generation", slog.String("model", msg.ID))
					s.send(protocol.Error{Message: errGenerating.Error()})
					continue
				}
				s.setModel(ctx, msg.ID)
			}
		case <-genDone:
			genDone = nil
		case <-s.failed:
			return
		}
	}
}

// readLoop forwards every inbound frame to out and closes it once the connection can no longer be read.
func (s *session) readLoop(ctx context.Context, out chan<- protocol.ClientMessage) {
	defer close(out)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Connection lost", slog.String(errLoggerKey, err.Error()))
			}
			return
		}

		msg := protocol.ParseClientMessage(data)
		s.logger.Debug("Received frame", slog.String("frame", fmt.Sprintf("%T", msg)))

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) setModel(ctx context.Context, id string) {
	mc, ok := s.main.config.Model(id)
	if !ok {
		s.logger.Warn("Unknown model requested", slog.String("model", id))
		s.send(protocol.Error{Message: fmt.Sprintf("unknown model %q", id)})
		return
	}

	s.logger.Info("Switching model", slog.String("model", id))
	if err := s.main.backend.Restart(mc.Path, mc.Args); err != nil {
		s.logger.Error("Failed to switch model",
			slog.String("model", id),
			slog.String(errLoggerKey, err.Error()))
		s.send(protocol.Error{Message: err.Error()})
		return
	}

	s.main.setCurrentModel(ctx, id)
	s.send(protocol.ModelChanged{ID: id})
}

func (s *session) startGeneration(ctx context.Context, content string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.generate(ctx, content)
	}()
	return done
}

// generate runs one round: the user message is persisted, the reply is streamed to the client and then
// persisted as well, even when it is empty or cut short.
func (s *session) generate(ctx context.Context, content string) {
	conversation := s.main.appendMessage(ctx, models.ChatMessage{Role: models.RoleUser, Content: content})

	var reply strings.Builder
	var chatErr error
	for fragment, err := range s.main.llm.Chat(ctx, conversation) {
		if err != nil {
			chatErr = err
			break
		}
		reply.WriteString(fragment)
		if !s.send(protocol.Token{Fragment: fragment}) {
			break
		}
	}

	if chatErr != nil {
		s.logger.Error("Error from inference backend", slog.String(errLoggerKey, chatErr.Error()))
		s.send(protocol.Error{Message: chatErr.Error()})
	}
	s.send(protocol.EndOfMessage{})

	s.main.appendMessage(ctx, models.ChatMessage{Role: models.RoleAssistant, Content: reply.String()})
	s.logger.Debug("Reply finished", slog.Int("length", reply.Len()))
}

// send writes one frame. It returns false once any write on this session has failed; the session then
// winds down.
func (s *session) send(msg protocol.ServerMessage) bool {
	select {
	case <-s.failed:
		return false
	default:
	}

	data, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		s.logger.Error("Failed to encode frame",
			slog.String("frame", fmt.Sprintf("%T", msg)),
			slog.String(errLoggerKey, err.Error()))
		return true
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.failOnce.Do(func() {
			s.logger.Warn("Failed to send frame", slog.String(errLoggerKey, err.Error()))
			close(s.failed)
		})
		return false
	}
	return true
}

// close sends a close frame. The session ends once the client answers or the read fails.
func (s *session) close(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		s.logger.Debug("Failed to send close frame", slog.String(errLoggerKey, err.Error()))
	}
}
