package join

import (
	"fmt"

	"github.com/stjordanis/knime-core/internal/record"
)

// RowCountMismatchError is returned when the two sides differ in length.
type RowCountMismatchError struct {
	Left, Right int64
}

func (e *RowCountMismatchError) Error() string {
	return fmt.Sprintf("join: row counts differ: left has %d rows, right has %d", e.Left, e.Right)
}

// RowKeyMismatchError names the first position where the keys differ.
type RowKeyMismatchError struct {
	Index       int64
	Left, Right record.RowKey
}

func (e *RowKeyMismatchError) Error() string {
	return fmt.Sprintf("join: row keys differ at row %d: left %q, right %q", e.Index, e.Left, e.Right)
}
