package arrowio

import (
	"context"
	"fmt"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/stjordanis/knime-core/internal/progress"
	"github.com/stjordanis/knime-core/internal/record"
	"github.com/stjordanis/knime-core/internal/table"
)

var testSchema = record.MustTableSchema(
	record.Col("n", record.ColInt64),
	record.Col("x", record.ColFloat64),
	record.Col("ok", record.ColBool),
	record.Col("s", record.ColString),
	record.Col("raw", record.ColBytes),
)

func testTable(n int) *table.MemoryTable {
	rows := make([]record.Row, n)
	for i := range rows {
		s := record.String(fmt.Sprintf("s%d", i))
		if i%2 == 1 {
			s = record.Missing()
		}
		rows[i] = record.NewRow(record.RowKey(fmt.Sprintf("Row%d", i)),
			record.Int(int64(i)), record.Float(float64(i)), record.Bool(i%3 == 0), s, record.Bytes([]byte{byte(i)}))
	}
	return table.NewMemoryTable(testSchema, rows)
}

func TestSchema(t *testing.T) {
	s, err := Schema(testSchema)
	require.NoError(t, err)
	require.Equal(t, 6, s.NumFields())
	require.Equal(t, RowKeyField, s.Field(0).Name)
	require.False(t, s.Field(0).Nullable)
	require.Equal(t, "raw", s.Field(5).Name)
	require.True(t, s.Field(5).Nullable)
}

func TestExport(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	batches, err := Export(context.Background(), testTable(10), alloc, 4)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	defer func() {
		for _, b := range batches {
			b.Release()
		}
	}()

	require.EqualValues(t, 4, batches[0].NumRows())
	require.EqualValues(t, 2, batches[2].NumRows())

	keys := batches[0].Column(0).(*array.String)
	require.Equal(t, "Row1", keys.Value(1))
	ints := batches[1].Column(1).(*array.Int64)
	require.EqualValues(t, 5, ints.Value(1))
	strs := batches[0].Column(4).(*array.String)
	require.True(t, strs.IsNull(1))
	require.Equal(t, "s2", strs.Value(2))
	bools := batches[0].Column(3).(*array.Boolean)
	require.True(t, bools.Value(3))
}

func TestExport_EmptyTable(t *testing.T) {
	batches, err := Export(context.Background(), testTable(0), nil, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.EqualValues(t, 0, batches[0].NumRows())
	batches[0].Release()
}

func TestExport_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Export(ctx, testTable(10), nil, 0)
	require.ErrorIs(t, err, progress.ErrCanceled)
}

func TestReader(t *testing.T) {
	rr, err := Reader(context.Background(), testTable(9), nil, 5)
	require.NoError(t, err)
	defer rr.Release()

	total := int64(0)
	for rr.Next() {
		total += rr.RecordBatch().NumRows()
	}
	require.NoError(t, rr.Err())
	require.EqualValues(t, 9, total)
}
