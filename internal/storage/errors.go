package storage

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptBlock = errors.New("storage: corrupt spill block")
	ErrChecksum     = errors.New("storage: spill block checksum mismatch")
	ErrFinished     = errors.New("storage: spill file already finished")
)

// IOError reports a failed read or write of a spill file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
