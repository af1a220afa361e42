// Package protocol implements the JSON frames exchanged between the relay server and its clients.
//
// Every frame is an externally tagged value: variants that carry data are encoded as a single-key
// object ({"Token": "he"}), variants without data as a bare string ("EndOfMessage"). Both ClientMessage
// and ServerMessage are closed sets; only the types in this package implement them.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/llama-relay/internal/models"
)

// ErrUnknownFrame is returned when a frame is valid JSON but does not name a known variant.
var ErrUnknownFrame = errors.New("unknown frame")

// ClientMessage is a frame sent from a client to the server.
type ClientMessage interface {
	clientMessage()
}

// ServerMessage is a frame sent from the server to a client.
type ServerMessage interface {
	serverMessage()
}

// Text asks the server to append Content as a user message and generate a reply.
type Text struct {
	Content string
}

// SetModel asks the server to switch the active inference backend to the model named ID.
type SetModel struct {
	ID string
}

// History carries a full snapshot of the conversation. It is sent once when a session opens.
type History struct {
	History models.ChatHistory
}

// Token carries one fragment of the assistant reply being generated.
type Token struct {
	Fragment string
}

// EndOfMessage marks the end of an assistant reply.
type EndOfMessage struct{}

// ModelChanged confirms a successful model switch.
type ModelChanged struct {
	ID string
}

// AvailableModels lists the configured model identifiers in ascending order.
type AvailableModels struct {
	IDs []string
}

// Error reports a failure local to the session. The connection stays open.
type Error struct {
	Message string
}

const (
	tagText            = "Text"
	tagSetModel        = "SetModel"
	tagHistory         = "History"
	tagToken           = "Token"
	tagEndOfMessage    = "EndOfMessage"
	tagModelChanged    = "ModelChanged"
	tagAvailableModels = "AvailableModels"
	tagError           = "Error"
)

func (Text) clientMessage()     {}
func (SetModel) clientMessage() {}

func (History) serverMessage()         {}
func (Token) serverMessage()           {}
func (EndOfMessage) serverMessage()    {}
func (ModelChanged) serverMessage()    {}
func (AvailableModels) serverMessage() {}
func (Error) serverMessage()           {}

func tagged(tag string, v any) ([]byte, error) {
	return json.Marshal(map[string]any{tag: v})
}

// MarshalJSON implements json.Marshaler.
func (t Text) MarshalJSON() ([]byte, error) { return tagged(tagText, t.Content) }

// MarshalJSON implements json.Marshaler.
func (s SetModel) MarshalJSON() ([]byte, error) { return tagged(tagSetModel, s.ID) }

// MarshalJSON implements json.Marshaler.
func (h History) MarshalJSON() ([]byte, error) {
	hist := h.History
	if hist.Messages == nil {
		hist.Messages = []models.ChatMessage{}
	}
	return tagged(tagHistory, hist)
}

// MarshalJSON implements json.Marshaler.
func (t Token) MarshalJSON() ([]byte, error) { return tagged(tagToken, t.Fragment) }

// MarshalJSON implements json.Marshaler.
func (EndOfMessage) MarshalJSON() ([]byte, error) { return json.Marshal(tagEndOfMessage) }

// MarshalJSON implements json.Marshaler.
func (m ModelChanged) MarshalJSON() ([]byte, error) { return tagged(tagModelChanged, m.ID) }

// MarshalJSON implements json.Marshaler.
func (a AvailableModels) MarshalJSON() ([]byte, error) {
	ids := a.IDs
	if ids == nil {
		ids = []string{}
	}
	return tagged(tagAvailableModels, ids)
}

// MarshalJSON implements json.Marshaler.
func (e Error) MarshalJSON() ([]byte, error) { return tagged(tagError, e.Message) }

// EncodeClientMessage encodes a client frame.
func EncodeClientMessage(m ClientMessage) ([]byte, error) {
	return json.Marshal(m)
}

// EncodeServerMessage encodes a server frame.
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeClientMessage strictly decodes a client frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	tag, payload, err := splitTagged(data)
	if err != nil {
		return nil, err
	}

	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", tag, err)
	}

	switch tag {
	case tagText:
		return Text{Content: s}, nil
	case tagSetModel:
		return SetModel{ID: s}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, tag)
	}
}

// ParseClientMessage decodes a client frame, treating anything that is not a valid frame as plain
// text. Older clients send the bare message instead of {"Text": ...}.
func ParseClientMessage(data []byte) ClientMessage {
	msg, err := DecodeClientMessage(data)
	if err != nil {
		return Text{Content: string(data)}
	}
	return msg
}

// DecodeServerMessage decodes a server frame.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var unit string
	if err := json.Unmarshal(data, &unit); err == nil {
		if unit == tagEndOfMessage {
			return EndOfMessage{}, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, unit)
	}

	tag, payload, err := splitTagged(data)
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagHistory:
		var h models.ChatHistory
		if err := json.Unmarshal(payload, &h); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		return History{History: h}, nil
	case tagAvailableModels:
		var ids []string
		if err := json.Unmarshal(payload, &ids); err != nil {
			return nil, fmt.Errorf("failed to decode available models: %w", err)
		}
		return AvailableModels{IDs: ids}, nil
	}

	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", tag, err)
	}
	switch tag {
	case tagToken:
		return Token{Fragment: s}, nil
	case tagModelChanged:
		return ModelChanged{ID: s}, nil
	case tagError:
		return Error{Message: s}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, tag)
	}
}

func splitTagged(data []byte) (string, json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if len(raw) != 1 {
		return "", nil, fmt.Errorf("%w: expected exactly one variant, got %d", ErrUnknownFrame, len(raw))
	}
	for tag, payload := range raw {
		return tag, payload, nil
	}
	return "", nil, ErrUnknownFrame
}
