package repository

import (
	"errors"
	"fmt"
)

var (
	ErrHandleInUse       = errors.New("repository: handle already in use")
	ErrAlreadyRegistered = errors.New("repository: table already registered")
	ErrInvalidHandle     = errors.New("repository: handle must be positive")
	ErrClosed            = errors.New("repository: repository is closed")
)

// UnknownHandleError is returned when a handle has no live table, either
// because it was never registered or because its count already hit zero.
type UnknownHandleError struct {
	Handle Handle
}

func (e *UnknownHandleError) Error() string {
	return fmt.Sprintf("repository: unknown table handle %d", e.Handle)
}
