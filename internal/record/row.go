package record

import (
	"slices"
	"strings"
)

// RowKey identifies a row inside one table.
type RowKey string

func (k RowKey) String() string { return string(k) }

// Row is a key plus one cell per schema column.
type Row struct {
	Key   RowKey
	Cells []Cell
}

// NewRow copies cells, rows handed to a writer must not change afterwards.
func NewRow(key RowKey, cells ...Cell) Row {
	return Row{Key: key, Cells: slices.Clone(cells)}
}

func (r Row) NumCells() int { return len(r.Cells) }

func (r Row) Cell(i int) Cell { return r.Cells[i] }

// Clone returns a row that shares nothing mutable with r.
func (r Row) Clone() Row {
	return NewRow(r.Key, r.Cells...)
}

func (r Row) String() string {
	var sb strings.Builder
	sb.WriteString(string(r.Key))
	sb.WriteString(": [")
	for i, c := range r.Cells {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.String())
	}
	sb.WriteString("]")
	return sb.String()
}
