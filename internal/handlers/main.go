package handlers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/llama-relay/internal/models"
	"github.com/MegaGrindStone/llama-relay/internal/services"
	"github.com/gorilla/websocket"
)

// LLM represents the inference backend interface that provides chat functionality. It accepts a context
// and the whole conversation, returning an iterator that yields reply fragments and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[string, error]
}

// Store defines the interface for persisting the chat history. The whole history is saved as one
// document after every mutation.
type Store interface {
	Load(ctx context.Context) (models.ChatHistory, error)
	Save(ctx context.Context, history models.ChatHistory) error
}

// Backend switches the inference process to another model. Restart must not return before the previous
// process is confirmed dead.
type Backend interface {
	Restart(modelPath string, args []string) error
	Running() bool
}

// Main holds the state shared by every WebSocket session: the configured models, the chat history and
// the inference backend. The history and the backend are guarded by separate locks, so a model switch
// that takes seconds never blocks another session from reading or appending history.
type Main struct {
	config  models.ServerConfig
	llm     LLM
	store   Store
	backend Backend

	upgrader websocket.Upgrader

	historyMu sync.Mutex
	history   models.ChatHistory

	sessionsMu sync.Mutex
	sessions   map[string]*session
	sessionsWG sync.WaitGroup
	closing    bool

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	writeWait = 10 * time.Second

	backendStatusHeader = "X-Backend-Status"
	backendRunning      = "running"
	backendStopped      = "stopped"
)

// NewMain creates a new Main instance with the provided configuration, LLM, Store and Backend
// implementations. The persisted history is loaded from store; if it is missing or unreadable, Main
// starts with an empty history pointing at the default model. A loaded history whose current model is
// no longer configured is switched to the default model as well.
func NewMain(cfg models.ServerConfig, llm LLM, store Store, backend Backend, logger *slog.Logger) (*Main, error) {
	if len(cfg.Models) == 0 {
		return nil, errors.New("at least one model must be configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "main"))

	history, err := store.Load(context.Background())
	switch {
	case errors.Is(err, services.ErrNoHistory):
		logger.Info("No history found, starting with an empty one", slog.String("model", cfg.Default))
		history = models.NewChatHistory(cfg.Default)
	case err != nil:
		logger.Warn("Failed to load history, starting with an empty one",
			slog.String("model", cfg.Default),
			slog.String(errLoggerKey, err.Error()))
		history = models.NewChatHistory(cfg.Default)
	}
	if _, ok := cfg.Model(history.CurrentModel); !ok {
		logger.Warn("History points at an unknown model, using the default",
			slog.String("model", history.CurrentModel),
			slog.String("default", cfg.Default))
		history.CurrentModel = cfg.Default
	}

	return &Main{
		config:  cfg,
		llm:     llm,
		store:   store,
		backend: backend,
		upgrader: websocket.Upgrader{
			// The relay serves local terminal clients, which send no Origin header at all.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		history:  history.Clone(),
		sessions: make(map[string]*session),
		logger:   logger,
	}, nil
}

// CurrentModel returns the identifier of the model the history currently points at.
func (m *Main) CurrentModel() string {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	return m.history.CurrentModel
}

// History returns a copy of the current chat history.
func (m *Main) History() models.ChatHistory {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	return m.history.Clone()
}

// HandleHealth reports that the relay is serving. The X-Backend-Status header tells whether the inference
// backend is currently alive; the relay itself stays healthy while the backend is down.
func (m *Main) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := backendStopped
	if m.backend.Running() {
		status = backendRunning
	}
	w.Header().Set(backendStatusHeader, status)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Shutdown sends a going-away close frame to every live session and waits until all of them have
// ended or ctx is done. Sessions opened after Shutdown are refused.
func (m *Main) Shutdown(ctx context.Context) error {
	m.sessionsMu.Lock()
	m.closing = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessionsMu.Unlock()

	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.sessionsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	}
}

func (m *Main) track(s *session) bool {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()

	if m.closing {
		return false
	}
	m.sessions[s.id] = s
	m.sessionsWG.Add(1)
	return true
}

func (m *Main) untrack(s *session) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()

	delete(m.sessions, s.id)
	m.sessionsWG.Done()
}

// appendMessage appends msg to the history, persists it and returns a copy of the resulting
// conversation. The lock is held across the mutation and the persist call only.
func (m *Main) appendMessage(ctx context.Context, msg models.ChatMessage) []models.ChatMessage {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	m.history.Messages = append(m.history.Messages, msg)
	m.persist(ctx)

	return m.history.Clone().Messages
}

func (m *Main) setCurrentModel(ctx context.Context, id string) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	m.history.CurrentModel = id
	m.persist(ctx)
}

// persist must be called with historyMu held. A failed write is logged and otherwise ignored: the
// in-memory history stays authoritative.
func (m *Main) persist(ctx context.Context) {
	// A session that is closing still persists what it appended.
	ctx = context.WithoutCancel(ctx)
	if err := m.store.Save(ctx, m.history.Clone()); err != nil {
		m.logger.Error("Failed to persist history",
			slog.Int("messages", len(m.history.Messages)),
			slog.String(errLoggerKey, err.Error()))
	}
}
