package services

import (
	"errors"
	"fmt"
)

// ErrNoHistory is returned by stores that have never saved a history.
var ErrNoHistory = errors.New("no history stored")

// SpawnError is returned when the backend executable cannot be launched.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ShutdownError is returned when the backend process could not be confirmed dead.
type ShutdownError struct {
	PID int
	Err error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("failed to stop backend process %d: %v", e.PID, e.Err)
}

func (e *ShutdownError) Unwrap() error { return e.Err }

// ConnectError is returned when the streaming request to the backend cannot be established, or when
// the backend answers with a non-success status.
type ConnectError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend at %s answered %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("failed to reach backend at %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// PersistError is returned when the history could not be written to stable storage.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist history to %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

const errLoggerKey = "err"
