package models

import (
	"slices"
	"strings"
)

// ChatMessage is a single entry of the conversation. Once appended to a ChatHistory it is never modified.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatHistory is the whole persisted conversation plus the identifier of the model that is currently
// serving it. Messages are kept in append order, which is also chronological order.
type ChatHistory struct {
	Messages     []ChatMessage `json:"messages"`
	CurrentModel string        `json:"current_model"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the person using the client.
	RoleUser Role = "User"
	// RoleAssistant represents a message produced by the inference backend.
	RoleAssistant Role = "Assistant"
)

// NewChatHistory returns an empty history that points at the given model.
func NewChatHistory(currentModel string) ChatHistory {
	return ChatHistory{
		Messages:     []ChatMessage{},
		CurrentModel: currentModel,
	}
}

// Clone returns a deep copy of h, so callers can hand the copy to other goroutines without sharing the
// backing array of Messages.
func (h ChatHistory) Clone() ChatHistory {
	msgs := slices.Clone(h.Messages)
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	return ChatHistory{
		Messages:     msgs,
		CurrentModel: h.CurrentModel,
	}
}

// UpstreamRole returns the lower-case role name used by OpenAI-compatible chat endpoints.
func (r Role) UpstreamRole() string {
	return strings.ToLower(string(r))
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}
