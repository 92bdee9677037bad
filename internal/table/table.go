package table

import (
	"context"
	"errors"
	"io"

	"github.com/stjordanis/knime-core/internal/record"
)

var (
	ErrCleared        = errors.New("table: table has been cleared")
	ErrIteratorClosed = errors.New("table: iterator is closed")
)

// Table is a read-only, finite sequence of rows sharing one schema.
//
// Implementations in this module are *MemoryTable, *ContainerTable and the
// joined table in package join.
type Table interface {
	// Schema is fixed at construction.
	Schema() record.TableSchema

	// RowCount is the exact number of rows.
	RowCount() int64

	// Iterator returns a fresh iterator positioned before the first row.
	// Iterators are independent of each other and may be used concurrently.
	Iterator() Iterator

	// Clear releases the table's storage. It is idempotent.
	Clear() error

	// ReferenceTables lists the tables this one reads from, if any.
	ReferenceTables() []Table
}

// Iterator walks the rows of a table in order. Next returns io.EOF after
// the last row. Returned rows must be treated as read-only.
type Iterator interface {
	Next() (record.Row, error)
	Close() error
}

// Scan calls fn for every row of t in order. The context is checked between
// rows so long scans can be abandoned.
func Scan(ctx context.Context, t Table, fn func(record.Row) error) (err error) {
	it := t.Iterator()
	defer func() {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

// ReadAll collects every row of t. Usually this is used for testing, or with
// very small tables.
func ReadAll(t Table) ([]record.Row, error) {
	rows := make([]record.Row, 0, t.RowCount())
	err := Scan(context.Background(), t, func(r record.Row) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
