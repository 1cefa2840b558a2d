package workflow

import (
	"errors"

	"github.com/feichai0017/page-colorizer/internal/state"
)

var (
	// ErrNotFound means no processing state exists for the document.
	ErrNotFound = state.ErrNotFound
	// ErrAlreadyRunning means a processing run for the document still exists.
	ErrAlreadyRunning = errors.New("processing already running")
	// ErrNotRunning means the operation needs an active run and there is none.
	ErrNotRunning = errors.New("processing is not running")
	// ErrInvalidState means the persisted status does not allow the operation.
	ErrInvalidState = errors.New("operation not allowed in current state")
	ErrEmptyPrompt  = errors.New("prompt must not be empty")
)
