package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/llama-relay/internal/models"
)

// JSONFile stores the chat history as a single JSON document on disk. Every Save rewrites the whole
// document.
type JSONFile struct {
	path string
}

// NewJSONFile creates a JSONFile store for the given path. The file and its parent directory are
// created on the first Save.
func NewJSONFile(path string) JSONFile {
	return JSONFile{path: path}
}

// Load reads the history document. It returns ErrNoHistory if the file does not exist, and a decode
// error if the file is corrupt.
func (j JSONFile) Load(context.Context) (models.ChatHistory, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.ChatHistory{}, ErrNoHistory
		}
		return models.ChatHistory{}, fmt.Errorf("failed to read history file: %w", err)
	}

	return decodeHistory(data)
}

// Save writes the history document. The new content is written to a temporary file in the same
// directory and renamed over the old one, so a crash mid-write leaves the previous document intact.
func (j JSONFile) Save(_ context.Context, history models.ChatHistory) error {
	data, err := json.Marshal(history)
	if err != nil {
		return &PersistError{Path: j.path, Err: fmt.Errorf("failed to marshal history: %w", err)}
	}

	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistError{Path: j.path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".history-*.json")
	if err != nil {
		return &PersistError{Path: j.path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistError{Path: j.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistError{Path: j.path, Err: err}
	}
	if err := os.Rename(tmpName, j.path); err != nil {
		os.Remove(tmpName)
		return &PersistError{Path: j.path, Err: err}
	}

	return nil
}

func decodeHistory(data []byte) (models.ChatHistory, error) {
	var history models.ChatHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return models.ChatHistory{}, fmt.Errorf("failed to decode history: %w", err)
	}
	for i, msg := range history.Messages {
		if !msg.Role.Valid() {
			return models.ChatHistory{}, fmt.Errorf("message %d has unknown role %q", i, msg.Role)
		}
	}
	if history.Messages == nil {
		history.Messages = []models.ChatMessage{}
	}
	return history, nil
}
