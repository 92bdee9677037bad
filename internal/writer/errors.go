package writer

import (
	"errors"
	"fmt"

	"github.com/stjordanis/knime-core/internal/record"
)

var (
	ErrClosed    = errors.New("writer: writer is closed")
	ErrDiscarded = errors.New("writer: writer was discarded")
)

// DuplicateKeyError reports a row key that was already written. Index is
// the zero-based position of the offending row.
type DuplicateKeyError struct {
	Key   record.RowKey
	Index int64
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("writer: duplicate row key %q at row %d", e.Key, e.Index)
}
