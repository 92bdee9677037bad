// Package join composes two tables with identical row keys into one table
// whose columns are the left columns followed by the right columns. No cell
// is copied into new storage.
package join

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/multierr"

	"github.com/stjordanis/knime-core/internal/progress"
	"github.com/stjordanis/knime-core/internal/record"
	"github.com/stjordanis/knime-core/internal/table"
)

type Side uint8

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// Source says where an output column comes from.
type Source struct {
	Side   Side
	Column int
}

// Table is the joined view. It owns no storage.
type Table struct {
	left, right table.Table
	schema      record.TableSchema
	provenance  []Source
}

var _ table.Table = (*Table)(nil)

const progressEvery = 1024

// Create validates that left and right can be joined and returns the joined
// view. Row counts are compared first, then column names, then every pair
// of row keys in order. mon is polled on every row of that walk.
func Create(ctx context.Context, left, right table.Table, mon progress.Monitor) (*Table, error) {
	if mon == nil {
		mon = progress.Nop
	}
	if l, r := left.RowCount(), right.RowCount(); l != r {
		return nil, &RowCountMismatchError{Left: l, Right: r}
	}
	t, err := compose(left, right)
	if err != nil {
		return nil, err
	}
	if err := walkKeys(ctx, left, right, mon); err != nil {
		return nil, err
	}
	return t, nil
}

// compose builds the schema and provenance map without looking at rows.
func compose(left, right table.Table) (*Table, error) {
	schema, err := record.Concat(left.Schema(), right.Schema())
	if err != nil {
		return nil, err
	}
	return &Table{
		left:       left,
		right:      right,
		schema:     schema,
		provenance: provenance(left.Schema().NumColumns(), right.Schema().NumColumns()),
	}, nil
}

func provenance(nl, nr int) []Source {
	p := make([]Source, 0, nl+nr)
	for i := 0; i < nl; i++ {
		p = append(p, Source{Side: Left, Column: i})
	}
	for i := 0; i < nr; i++ {
		p = append(p, Source{Side: Right, Column: i})
	}
	return p
}

func walkKeys(ctx context.Context, left, right table.Table, mon progress.Monitor) (err error) {
	li, ri := left.Iterator(), right.Iterator()
	defer func() {
		err = multierr.Combine(err, li.Close(), ri.Close())
	}()

	total := left.RowCount()
	for i := int64(0); ; i++ {
		if err := ctx.Err(); err != nil {
			return progress.Canceled(err)
		}
		if err := mon.CheckCanceled(); err != nil {
			return err
		}
		if total > 0 && i%progressEvery == 0 {
			mon.SetProgress(float64(i)/float64(total), fmt.Sprintf("checking row %d of %d", i, total))
		}

		lr, lerr := li.Next()
		rr, rerr := ri.Next()
		lend, rend := errors.Is(lerr, io.EOF), errors.Is(rerr, io.EOF)
		switch {
		case lerr != nil && !lend:
			return lerr
		case rerr != nil && !rend:
			return rerr
		case lend && rend:
			return nil
		case lend || rend:
			// a table delivered fewer rows than its RowCount
			l, r := i, i
			if !lend {
				l = total
			}
			if !rend {
				r = total
			}
			return &RowCountMismatchError{Left: l, Right: r}
		}
		if lr.Key != rr.Key {
			return &RowKeyMismatchError{Index: i, Left: lr.Key, Right: rr.Key}
		}
	}
}

func (t *Table) Schema() record.TableSchema { return t.schema }

func (t *Table) RowCount() int64 { return t.left.RowCount() }

func (t *Table) Left() table.Table { return t.left }

func (t *Table) Right() table.Table { return t.right }

// Provenance returns a copy of the per-column source map.
func (t *Table) Provenance() []Source {
	return append([]Source(nil), t.provenance...)
}

// Clear does nothing; the sources belong to their own holders.
func (t *Table) Clear() error { return nil }

func (t *Table) ReferenceTables() []table.Table {
	return []table.Table{t.left, t.right}
}

func (t *Table) Iterator() table.Iterator {
	return &iterator{t: t, left: t.left.Iterator(), right: t.right.Iterator()}
}

type iterator struct {
	t           *Table
	left, right table.Iterator
	pos         int64
}

func (it *iterator) Next() (record.Row, error) {
	lr, lerr := it.left.Next()
	rr, rerr := it.right.Next()
	if lerr != nil || rerr != nil {
		if errors.Is(lerr, io.EOF) && errors.Is(rerr, io.EOF) {
			return record.Row{}, io.EOF
		}
		if lerr != nil && !errors.Is(lerr, io.EOF) {
			return record.Row{}, lerr
		}
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return record.Row{}, rerr
		}
		return record.Row{}, fmt.Errorf("join: source ended early at row %d", it.pos)
	}
	if lr.Key != rr.Key {
		return record.Row{}, &RowKeyMismatchError{Index: it.pos, Left: lr.Key, Right: rr.Key}
	}

	cells := make([]record.Cell, len(it.t.provenance))
	for i, src := range it.t.provenance {
		if src.Side == Left {
			cells[i] = lr.Cells[src.Column]
		} else {
			cells[i] = rr.Cells[src.Column]
		}
	}
	it.pos++
	return record.Row{Key: lr.Key, Cells: cells}, nil
}

func (it *iterator) Close() error {
	return multierr.Combine(it.left.Close(), it.right.Close())
}
