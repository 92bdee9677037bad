// Package arrowio exports tables as Arrow record batches.
package arrowio

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/stjordanis/knime-core/internal/progress"
	"github.com/stjordanis/knime-core/internal/record"
	"github.com/stjordanis/knime-core/internal/table"
)

// RowKeyField is the name of the leading column that carries row keys.
const RowKeyField = "__row_key"

const DefaultBatchRows = 4096

// Schema maps a table schema to Arrow. The row key becomes a leading
// non-nullable string column; every data column is nullable so missing
// cells map to nulls.
func Schema(s record.TableSchema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, s.NumColumns()+1)
	fields = append(fields, arrow.Field{Name: RowKeyField, Type: arrow.BinaryTypes.String})
	for _, c := range s.Columns() {
		dt, err := dataType(c.Domain.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		fields = append(fields, arrow.Field{Name: c.Name, Type: dt, Nullable: true})
	}
	return arrow.NewSchema(fields, nil), nil
}

func dataType(t record.ColumnType) (arrow.DataType, error) {
	switch t {
	case record.ColInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case record.ColFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case record.ColBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case record.ColString:
		return arrow.BinaryTypes.String, nil
	case record.ColBytes:
		return arrow.BinaryTypes.Binary, nil
	default:
		return nil, fmt.Errorf("arrowio: unsupported column type %v", t)
	}
}

// Export reads t once and returns its rows as record batches of at most
// batchRows rows. The caller releases the batches. The context is checked
// between rows.
func Export(ctx context.Context, t table.Table, alloc memory.Allocator, batchRows int) (_ []arrow.RecordBatch, err error) {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	if batchRows <= 0 {
		batchRows = DefaultBatchRows
	}
	schema, err := Schema(t.Schema())
	if err != nil {
		return nil, err
	}

	b := array.NewRecordBuilder(alloc, schema)
	defer b.Release()

	var batches []arrow.RecordBatch
	defer func() {
		if err != nil {
			for _, rb := range batches {
				rb.Release()
			}
		}
	}()

	n := 0
	err = table.Scan(ctx, t, func(r record.Row) error {
		if err := appendRow(b, r); err != nil {
			return err
		}
		n++
		if n == batchRows {
			batches = append(batches, b.NewRecordBatch())
			n = 0
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, progress.Canceled(err)
		}
		return nil, err
	}
	if n > 0 || len(batches) == 0 {
		batches = append(batches, b.NewRecordBatch())
	}
	return batches, nil
}

// Reader is Export wrapped in a RecordReader.
func Reader(ctx context.Context, t table.Table, alloc memory.Allocator, batchRows int) (array.RecordReader, error) {
	batches, err := Export(ctx, t, alloc, batchRows)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, rb := range batches {
			rb.Release()
		}
	}()
	schema, err := Schema(t.Schema())
	if err != nil {
		return nil, err
	}
	return array.NewRecordReader(schema, batches)
}

func appendRow(b *array.RecordBuilder, r record.Row) error {
	b.Field(0).(*array.StringBuilder).Append(string(r.Key))
	for i, c := range r.Cells {
		fb := b.Field(i + 1)
		if c.IsMissing() {
			fb.AppendNull()
			continue
		}
		switch fb := fb.(type) {
		case *array.Int64Builder:
			v, _ := c.AsInt()
			fb.Append(v)
		case *array.Float64Builder:
			v, _ := c.AsFloat()
			fb.Append(v)
		case *array.BooleanBuilder:
			v, _ := c.AsBool()
			fb.Append(v)
		case *array.StringBuilder:
			v, _ := c.AsString()
			fb.Append(v)
		case *array.BinaryBuilder:
			v, _ := c.AsBytes()
			fb.Append(v)
		default:
			return fmt.Errorf("arrowio: row %q column %d: unexpected builder %T", r.Key, i, fb)
		}
	}
	return nil
}
