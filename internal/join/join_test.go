package join

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stjordanis/knime-core/internal/progress"
	"github.com/stjordanis/knime-core/internal/record"
	"github.com/stjordanis/knime-core/internal/repository"
	"github.com/stjordanis/knime-core/internal/settings"
	"github.com/stjordanis/knime-core/internal/storage"
	"github.com/stjordanis/knime-core/internal/table"
)

func intTable(t *testing.T, col string, keys []string, vals []int64) *table.MemoryTable {
	t.Helper()
	require.Len(t, vals, len(keys))
	rows := make([]record.Row, len(keys))
	for i := range keys {
		rows[i] = record.NewRow(record.RowKey(keys[i]), record.Int(vals[i]))
	}
	return table.NewMemoryTable(record.MustTableSchema(record.Col(col, record.ColInt64)), rows)
}

func cellsOf(t *testing.T, r record.Row) []int64 {
	t.Helper()
	out := make([]int64, len(r.Cells))
	for i, c := range r.Cells {
		v, ok := c.AsInt()
		require.True(t, ok)
		out[i] = v
	}
	return out
}

func TestCreate_ThreeRows(t *testing.T) {
	keys := []string{"k1", "k2", "k3"}
	a := intTable(t, "a", keys, []int64{1, 2, 3})
	b := intTable(t, "b", keys, []int64{10, 20, 30})

	j, err := Create(context.Background(), a, b, progress.Nop)
	require.NoError(t, err)
	require.EqualValues(t, 3, j.RowCount())
	require.Equal(t, []string{"a", "b"}, j.Schema().Names())
	require.Equal(t, []Source{{Left, 0}, {Right, 0}}, j.Provenance())

	rows, err := table.ReadAll(j)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	want := [][]int64{{1, 10}, {2, 20}, {3, 30}}
	for i, r := range rows {
		require.Equal(t, record.RowKey(keys[i]), r.Key)
		require.Equal(t, want[i], cellsOf(t, r))
	}

	require.NoError(t, j.Clear())
	// sources untouched by Clear
	rows, err = table.ReadAll(a)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, []table.Table{a, b}, j.ReferenceTables())
}

func TestCreate_Failures(t *testing.T) {
	keys := []string{"k1", "k2", "k3"}

	t.Run("row count", func(t *testing.T) {
		a := intTable(t, "a", keys, []int64{1, 2, 3})
		// same first keys, one row longer
		b := intTable(t, "b", append(keys, "k4"), []int64{1, 2, 3, 4})
		_, err := Create(context.Background(), a, b, nil)
		var rc *RowCountMismatchError
		require.ErrorAs(t, err, &rc)
		require.EqualValues(t, 3, rc.Left)
		require.EqualValues(t, 4, rc.Right)
	})

	t.Run("row count checked before columns", func(t *testing.T) {
		a := intTable(t, "x", keys, []int64{1, 2, 3})
		b := intTable(t, "x", keys[:2], []int64{1, 2})
		_, err := Create(context.Background(), a, b, nil)
		var rc *RowCountMismatchError
		require.ErrorAs(t, err, &rc)
	})

	t.Run("duplicate column", func(t *testing.T) {
		a := intTable(t, "x", keys, []int64{1, 2, 3})
		b := intTable(t, "x", keys, []int64{1, 2, 3})
		_, err := Create(context.Background(), a, b, nil)
		var dc *record.DuplicateColumnError
		require.ErrorAs(t, err, &dc)
		require.Equal(t, "x", dc.Name)
	})

	t.Run("key mismatch", func(t *testing.T) {
		a := intTable(t, "a", keys, []int64{1, 2, 3})
		b := intTable(t, "b", []string{"k1", "kX", "k3"}, []int64{1, 2, 3})
		_, err := Create(context.Background(), a, b, nil)
		var km *RowKeyMismatchError
		require.ErrorAs(t, err, &km)
		require.EqualValues(t, 1, km.Index)
		require.Equal(t, record.RowKey("k2"), km.Left)
		require.Equal(t, record.RowKey("kX"), km.Right)
	})

	t.Run("canceled", func(t *testing.T) {
		a := intTable(t, "a", keys, []int64{1, 2, 3})
		b := intTable(t, "b", keys, []int64{1, 2, 3})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Create(ctx, a, b, progress.FromContext(ctx))
		require.ErrorIs(t, err, progress.ErrCanceled)
	})
}

func TestCreate_ZeroRows(t *testing.T) {
	a := intTable(t, "a", nil, nil)
	b := intTable(t, "b", nil, nil)
	j, err := Create(context.Background(), a, b, nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, j.RowCount())
	rows, err := table.ReadAll(j)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestJoin_OverContainerTables(t *testing.T) {
	fs := storage.NewMemFileSet("/spill")
	mk := func(col string, mul int64) table.Table {
		s := record.MustTableSchema(record.Col(col, record.ColInt64), record.Col(col+"_s", record.ColString))
		rows := make([]record.Row, 250)
		for i := range rows {
			rows[i] = record.NewRow(record.RowKey(fmt.Sprintf("Row%d", i)), record.Int(int64(i)*mul), record.String(col))
		}
		file, err := storage.WriteRows(fs, s, storage.CodecZstd, rows, 64, nil)
		require.NoError(t, err)
		ct, err := table.NewContainerTable(s, file, nil)
		require.NoError(t, err)
		return ct
	}
	j, err := Create(context.Background(), mk("l", 1), mk("r", 10), nil)
	require.NoError(t, err)

	require.Equal(t, []Source{{Left, 0}, {Left, 1}, {Right, 0}, {Right, 1}}, j.Provenance())
	rows, err := table.ReadAll(j)
	require.NoError(t, err)
	require.Len(t, rows, 250)
	for i, r := range rows {
		l, _ := r.Cells[0].AsInt()
		rv, _ := r.Cells[2].AsInt()
		ls, _ := r.Cells[1].AsString()
		require.EqualValues(t, i, l)
		require.EqualValues(t, i*10, rv)
		require.Equal(t, "l", ls)
	}
}

func TestSaveLoad(t *testing.T) {
	keys := []string{"k1", "k2"}
	a := intTable(t, "a", keys, []int64{1, 2})
	b := intTable(t, "b", keys, []int64{3, 4})

	repo := repository.New(1)
	t.Cleanup(func() { _ = repo.Close(context.Background()) })
	ah, err := repo.Register(a)
	require.NoError(t, err)
	bh, err := repo.Register(b)
	require.NoError(t, err)

	j, err := Create(context.Background(), a, b, nil)
	require.NoError(t, err)

	node := settings.NewNode()
	require.NoError(t, j.Save(node, repo))

	meta, err := node.GetSettings(cfgInternalMeta)
	require.NoError(t, err)
	lid, err := meta.GetInt(cfgLeftTableID)
	require.NoError(t, err)
	rid, err := meta.GetInt(cfgRightTableID)
	require.NoError(t, err)
	require.Equal(t, int(ah), lid)
	require.Equal(t, int(bh), rid)

	loaded, err := Load(node, repo)
	require.NoError(t, err)
	require.True(t, loaded.Schema().Equal(j.Schema()))
	require.Equal(t, j.Provenance(), loaded.Provenance())
	rows, err := table.ReadAll(loaded)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 4}, cellsOf(t, rows[1]))
}

func TestLoad_InvalidSettings(t *testing.T) {
	repo := repository.New(1)

	t.Run("missing meta", func(t *testing.T) {
		_, err := Load(settings.NewNode(), repo)
		require.ErrorIs(t, err, settings.ErrInvalidSettings)
	})

	t.Run("unknown handle", func(t *testing.T) {
		node := settings.NewNode()
		meta := node.AddSettings(cfgInternalMeta)
		meta.AddInt(cfgLeftTableID, 41)
		meta.AddInt(cfgRightTableID, 42)
		_, err := Load(node, repo)
		require.ErrorIs(t, err, settings.ErrInvalidSettings)
		var unknown *repository.UnknownHandleError
		require.ErrorAs(t, err, &unknown)
		require.Equal(t, repository.Handle(41), unknown.Handle)
	})

	t.Run("malformed handle", func(t *testing.T) {
		node := settings.NewNode()
		meta := node.AddSettings(cfgInternalMeta)
		meta.AddString(cfgLeftTableID, "one")
		_, err := Load(node, repo)
		var inv *settings.InvalidError
		require.ErrorAs(t, err, &inv)
		require.Equal(t, cfgLeftTableID, inv.Key)
	})
}

func TestSave_RequiresRegisteredSources(t *testing.T) {
	a := intTable(t, "a", []string{"k"}, []int64{1})
	b := intTable(t, "b", []string{"k"}, []int64{2})
	j, err := Create(context.Background(), a, b, nil)
	require.NoError(t, err)
	require.Error(t, j.Save(settings.NewNode(), repository.New(1)))
}
