package record

import (
	"fmt"
	"slices"
)

type ColumnType uint8

const (
	ColInt64 ColumnType = iota
	ColFloat64
	ColBool
	ColString
	ColBytes
)

func (t ColumnType) String() string {
	switch t {
	case ColInt64:
		return "int64"
	case ColFloat64:
		return "float64"
	case ColBool:
		return "bool"
	case ColString:
		return "string"
	case ColBytes:
		return "bytes"
	default:
		return fmt.Sprintf("ColumnType(%d)", uint8(t))
	}
}

// Domain describes the values a column may hold. Lower/Upper and Values are
// optional; a missing Lower or Upper means "unbounded".
type Domain struct {
	Type   ColumnType
	Lower  Cell
	Upper  Cell
	Values []Cell
}

// ColumnSpec is a named column with its value domain.
type ColumnSpec struct {
	Name   string
	Domain Domain
}

// NewColumnSpec copies the nominal value list so later changes by the caller
// can not leak into the column.
func NewColumnSpec(name string, d Domain) ColumnSpec {
	d.Values = slices.Clone(d.Values)
	return ColumnSpec{Name: name, Domain: d}
}

// Col is shorthand for a column without bounds or nominal values.
func Col(name string, t ColumnType) ColumnSpec {
	return ColumnSpec{Name: name, Domain: Domain{Type: t}}
}

// TableSchema is an ordered, immutable list of uniquely named columns.
type TableSchema struct {
	cols  []ColumnSpec
	index map[string]int
}

func NewTableSchema(cols ...ColumnSpec) (TableSchema, error) {
	s := TableSchema{
		cols:  make([]ColumnSpec, 0, len(cols)),
		index: make(map[string]int, len(cols)),
	}
	for _, c := range cols {
		if _, dup := s.index[c.Name]; dup {
			return TableSchema{}, &DuplicateColumnError{Name: c.Name}
		}
		s.index[c.Name] = len(s.cols)
		s.cols = append(s.cols, NewColumnSpec(c.Name, c.Domain))
	}
	return s, nil
}

// MustTableSchema is NewTableSchema for statically known column lists.
func MustTableSchema(cols ...ColumnSpec) TableSchema {
	s, err := NewTableSchema(cols...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s TableSchema) NumColumns() int { return len(s.cols) }

func (s TableSchema) Column(i int) ColumnSpec { return s.cols[i] }

func (s TableSchema) Columns() []ColumnSpec { return slices.Clone(s.cols) }

func (s TableSchema) IndexOf(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Names returns the column names in order.
func (s TableSchema) Names() []string {
	out := make([]string, len(s.cols))
	for i, c := range s.cols {
		out[i] = c.Name
	}
	return out
}

// Equal reports whether both schemas have the same column names and types in
// the same order. Domain bounds are not compared.
func (s TableSchema) Equal(o TableSchema) bool {
	if len(s.cols) != len(o.cols) {
		return false
	}
	for i := range s.cols {
		if s.cols[i].Name != o.cols[i].Name || s.cols[i].Domain.Type != o.cols[i].Domain.Type {
			return false
		}
	}
	return true
}

// Concat builds the schema of left's columns followed by right's columns.
func Concat(left, right TableSchema) (TableSchema, error) {
	cols := make([]ColumnSpec, 0, len(left.cols)+len(right.cols))
	cols = append(cols, left.cols...)
	cols = append(cols, right.cols...)
	return NewTableSchema(cols...)
}

// Validate checks that r has one cell per column and that every present cell
// matches its column type.
func (s TableSchema) Validate(r Row) error {
	if len(r.Cells) != len(s.cols) {
		return fmt.Errorf("%w: row %q has %d cells, schema has %d columns",
			ErrSchemaMismatch, r.Key, len(r.Cells), len(s.cols))
	}
	for i, c := range r.Cells {
		if c.IsMissing() {
			continue
		}
		if t := c.Type(); t != s.cols[i].Domain.Type {
			return fmt.Errorf("%w: row %q column %q expects %s, got %s",
				ErrSchemaMismatch, r.Key, s.cols[i].Name, s.cols[i].Domain.Type, t)
		}
	}
	return nil
}
