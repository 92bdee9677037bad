package table

import (
	"io"
	"sync"

	"github.com/stjordanis/knime-core/internal/record"
)

// MemoryTable keeps all rows in memory. A writer produces one when its
// rows never exceeded the in-memory cache.
type MemoryTable struct {
	schema record.TableSchema

	mu      sync.RWMutex
	rows    []record.Row
	count   int64
	cleared bool
}

var _ Table = (*MemoryTable)(nil)

// NewMemoryTable takes ownership of rows.
func NewMemoryTable(schema record.TableSchema, rows []record.Row) *MemoryTable {
	return &MemoryTable{schema: schema, rows: rows, count: int64(len(rows))}
}

func (t *MemoryTable) Schema() record.TableSchema { return t.schema }

func (t *MemoryTable) RowCount() int64 { return t.count }

// Rows returns the backing slice; callers must not modify it.
func (t *MemoryTable) Rows() ([]record.Row, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cleared {
		return nil, ErrCleared
	}
	return t.rows, nil
}

func (t *MemoryTable) Iterator() Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cleared {
		return &errIterator{err: ErrCleared}
	}
	return &sliceIterator{rows: t.rows}
}

func (t *MemoryTable) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = nil
	t.cleared = true
	return nil
}

func (t *MemoryTable) ReferenceTables() []Table { return nil }

type sliceIterator struct {
	rows []record.Row
	pos  int
}

func (it *sliceIterator) Next() (record.Row, error) {
	if it.pos >= len(it.rows) {
		return record.Row{}, io.EOF
	}
	r := it.rows[it.pos]
	it.pos++
	return r, nil
}

func (it *sliceIterator) Close() error {
	it.rows = nil
	return nil
}

type errIterator struct{ err error }

func (it *errIterator) Next() (record.Row, error) { return record.Row{}, it.err }

func (it *errIterator) Close() error { return nil }
