package record

import (
	"errors"
	"fmt"
)

var ErrSchemaMismatch = errors.New("record: row does not match schema")

// DuplicateColumnError is returned when two columns of one schema, or of two
// schemas being concatenated, share a name.
type DuplicateColumnError struct {
	Name string
}

func (e *DuplicateColumnError) Error() string {
	return fmt.Sprintf("record: duplicate column name %q", e.Name)
}
