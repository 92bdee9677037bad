package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/stjordanis/knime-core/internal/progress"
	"github.com/stjordanis/knime-core/internal/record"
	"github.com/stjordanis/knime-core/internal/storage"
	"github.com/stjordanis/knime-core/internal/table"
	"github.com/stjordanis/knime-core/internal/workerpool"
)

var testSchema = record.MustTableSchema(
	record.Col("n", record.ColInt64),
	record.Col("label", record.ColString),
	record.Col("ratio", record.ColFloat64),
)

func row(i int) record.Row {
	label := record.String(fmt.Sprintf("label-%d", i))
	if i%7 == 0 {
		label = record.Missing()
	}
	return record.NewRow(record.RowKey(fmt.Sprintf("Row%d", i)), record.Int(int64(i)), label, record.Float(float64(i)*0.5))
}

type testEnv struct {
	pool *workerpool.Pool
	fs   storage.FileSet
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	p := workerpool.New(4)
	t.Cleanup(func() { require.NoError(t, p.Shutdown(context.Background())) })
	return &testEnv{pool: p, fs: storage.NewMemFileSet("/tmp/knime")}
}

func (e *testEnv) newWriter(t *testing.T, opts Options) *Writer {
	t.Helper()
	w, err := New(testSchema, opts, e.pool, e.fs)
	require.NoError(t, err)
	return w
}

func (e *testEnv) spillFiles(t *testing.T) []string {
	t.Helper()
	entries, err := afero.ReadDir(e.fs.FS, e.fs.Dir)
	if errors.Is(err, afero.ErrFileNotFound) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, fi := range entries {
		names = append(names, fi.Name())
	}
	return names
}

func requireInsertionOrder(t *testing.T, tbl table.Table, n int) {
	t.Helper()
	rows, err := table.ReadAll(tbl)
	require.NoError(t, err)
	require.Len(t, rows, n)
	for i, r := range rows {
		want := row(i)
		require.Equal(t, want.Key, r.Key)
		for c := range want.Cells {
			require.True(t, want.Cells[c].Equal(r.Cells[c]), "row %d col %d", i, c)
		}
	}
}

func TestWriter_AsyncTenThousandRows(t *testing.T) {
	env := newTestEnv(t)
	opts := DefaultOptions()
	opts.CacheRowCount = 1000
	opts.AsyncWrite = true
	w := env.newWriter(t, opts)

	for i := 0; i < 10_000; i++ {
		require.NoError(t, w.AddRow(context.Background(), row(i)))
	}
	tbl, err := w.Close(context.Background())
	require.NoError(t, err)

	ct, ok := tbl.(*table.ContainerTable)
	require.True(t, ok, "expected a container table, got %T", tbl)
	require.EqualValues(t, 10_000, ct.RowCount())
	require.Equal(t, 10, ct.File().Blocks)
	requireInsertionOrder(t, ct, 10_000)

	require.NoError(t, ct.Clear())
	require.Empty(t, env.spillFiles(t))
}

func TestWriter_Modes(t *testing.T) {
	tests := []struct {
		name        string
		async       bool
		compression bool
		codec       storage.Codec
	}{
		{"sync raw", false, false, storage.CodecZstd},
		{"sync zstd", false, true, storage.CodecZstd},
		{"async snappy", true, true, storage.CodecSnappy},
		{"async raw", true, false, storage.CodecNone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			opts := DefaultOptions()
			opts.CacheRowCount = 64
			opts.AsyncWrite = tc.async
			opts.Compression = tc.compression
			opts.Codec = tc.codec
			w := env.newWriter(t, opts)

			for i := 0; i < 1000; i++ {
				require.NoError(t, w.AddRow(context.Background(), row(i)))
			}
			tbl, err := w.Close(context.Background())
			require.NoError(t, err)
			requireInsertionOrder(t, tbl, 1000)

			ct := tbl.(*table.ContainerTable)
			if tc.compression {
				require.Equal(t, tc.codec, ct.File().Codec)
			} else {
				require.Equal(t, storage.CodecNone, ct.File().Codec)
			}
		})
	}
}

func TestWriter_SmallTableStaysInMemory(t *testing.T) {
	env := newTestEnv(t)
	opts := DefaultOptions()
	opts.CacheRowCount = 100
	w := env.newWriter(t, opts)

	for i := 0; i < 99; i++ {
		require.NoError(t, w.AddRow(context.Background(), row(i)))
	}
	tbl, err := w.Close(context.Background())
	require.NoError(t, err)
	_, ok := tbl.(*table.MemoryTable)
	require.True(t, ok)
	requireInsertionOrder(t, tbl, 99)
	require.Empty(t, env.spillFiles(t))
}

func TestWriter_EmptyTable(t *testing.T) {
	env := newTestEnv(t)
	w := env.newWriter(t, DefaultOptions())
	tbl, err := w.Close(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0, tbl.RowCount())
}

func TestWriter_DuplicateKeys(t *testing.T) {
	t.Run("check enabled", func(t *testing.T) {
		env := newTestEnv(t)
		opts := DefaultOptions()
		opts.CacheRowCount = 10
		w := env.newWriter(t, opts)

		for i := 0; i < 25; i++ {
			require.NoError(t, w.AddRow(context.Background(), row(i)))
		}
		err := w.AddRow(context.Background(), row(3))
		var dup *DuplicateKeyError
		require.ErrorAs(t, err, &dup)
		require.Equal(t, record.RowKey("Row3"), dup.Key)
		require.EqualValues(t, 25, dup.Index)

		// writer is dead and its partial spill file is gone
		require.ErrorAs(t, w.AddRow(context.Background(), row(99)), &dup)
		_, err = w.Close(context.Background())
		require.ErrorAs(t, err, &dup)
		require.Empty(t, env.spillFiles(t))
	})

	t.Run("check disabled", func(t *testing.T) {
		env := newTestEnv(t)
		opts := DefaultOptions()
		opts.DuplicateCheck = false
		w := env.newWriter(t, opts)

		require.NoError(t, w.AddRow(context.Background(), row(1)))
		require.NoError(t, w.AddRow(context.Background(), row(1)))
		tbl, err := w.Close(context.Background())
		require.NoError(t, err)
		require.EqualValues(t, 2, tbl.RowCount())
	})
}

func TestWriter_CancellationCleansUp(t *testing.T) {
	env := newTestEnv(t)
	opts := DefaultOptions()
	opts.CacheRowCount = 50
	opts.CancelInterval = 10
	w := env.newWriter(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 120; i++ {
		require.NoError(t, w.AddRow(ctx, row(i)))
	}
	require.NotEmpty(t, env.spillFiles(t))

	cancel()
	var err error
	for i := 120; i < 140 && err == nil; i++ {
		err = w.AddRow(ctx, row(i))
	}
	require.ErrorIs(t, err, progress.ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, env.spillFiles(t))
}

// cancelAfter cancels once CheckCanceled has been called n times.
type cancelAfter struct {
	n, calls int
}

func (c *cancelAfter) CheckCanceled() error {
	c.calls++
	if c.calls > c.n {
		return progress.ErrCanceled
	}
	return nil
}

func (c *cancelAfter) SetProgress(float64, string) {}

func TestWriter_MonitorIsPolledAtInterval(t *testing.T) {
	env := newTestEnv(t)
	mon := &cancelAfter{n: 3}
	opts := DefaultOptions()
	opts.CancelInterval = 100
	opts.Monitor = mon
	w := env.newWriter(t, opts)

	var err error
	n := 0
	for ; n < 1000 && err == nil; n++ {
		err = w.AddRow(context.Background(), row(n))
	}
	require.ErrorIs(t, err, progress.ErrCanceled)
	// polled before rows 0, 100, 200 and failed at 300
	require.Equal(t, 301, n)
}

func TestWriter_RejectsMalformedRow(t *testing.T) {
	env := newTestEnv(t)
	w := env.newWriter(t, DefaultOptions())

	err := w.AddRow(context.Background(), record.NewRow("bad", record.Int(1)))
	require.ErrorIs(t, err, record.ErrSchemaMismatch)

	// still usable
	require.NoError(t, w.AddRow(context.Background(), row(0)))
	tbl, err := w.Close(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, tbl.RowCount())
}

func TestWriter_BackgroundErrorSurfaces(t *testing.T) {
	env := newTestEnv(t)
	opts := DefaultOptions()
	opts.CacheRowCount = 10
	w := env.newWriter(t, opts)

	// a shut down pool fails every flush it is handed
	require.NoError(t, env.pool.Shutdown(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, w.AddRow(context.Background(), row(i)))
	}
	_, err := w.Close(context.Background())
	require.ErrorIs(t, err, workerpool.ErrPoolShutdown)
	require.Empty(t, env.spillFiles(t))
}

var errDiskFull = errors.New("disk full")

// fullFs hands out files that fail once budget bytes have been written.
type fullFs struct {
	afero.Fs
	budget int
}

func (f *fullFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil || flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return file, err
	}
	return &fullFile{File: file, left: f.budget}, nil
}

type fullFile struct {
	afero.File
	left int
}

func (f *fullFile) Write(p []byte) (int, error) {
	if len(p) > f.left {
		return 0, errDiskFull
	}
	f.left -= len(p)
	return f.File.Write(p)
}

func TestWriter_DiskFullIsIOError(t *testing.T) {
	for _, async := range []bool{false, true} {
		t.Run(fmt.Sprintf("async=%v", async), func(t *testing.T) {
			env := newTestEnv(t)
			env.fs = storage.FileSet{FS: &fullFs{Fs: afero.NewMemMapFs(), budget: 1000}, Dir: "/tmp/knime"}
			opts := DefaultOptions()
			opts.CacheRowCount = 20
			opts.AsyncWrite = async
			opts.Compression = false
			w := env.newWriter(t, opts)

			var err error
			for i := 0; i < 200 && err == nil; i++ {
				err = w.AddRow(context.Background(), row(i))
			}
			if err == nil {
				_, err = w.Close(context.Background())
			}

			var ioErr *storage.IOError
			require.ErrorAs(t, err, &ioErr)
			require.ErrorIs(t, err, errDiskFull)
			require.Empty(t, env.spillFiles(t))

			err = w.AddRow(context.Background(), row(500))
			require.Error(t, err)
		})
	}
}

func TestWriter_Discard(t *testing.T) {
	env := newTestEnv(t)
	opts := DefaultOptions()
	opts.CacheRowCount = 10
	w := env.newWriter(t, opts)
	for i := 0; i < 35; i++ {
		require.NoError(t, w.AddRow(context.Background(), row(i)))
	}
	require.NoError(t, w.Discard())
	require.Empty(t, env.spillFiles(t))

	require.ErrorIs(t, w.AddRow(context.Background(), row(100)), ErrDiscarded)
	require.NoError(t, w.Discard())
}

func TestWriter_CloseTwice(t *testing.T) {
	env := newTestEnv(t)
	w := env.newWriter(t, DefaultOptions())
	_, err := w.Close(context.Background())
	require.NoError(t, err)
	_, err = w.Close(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestNew_RejectsBadCacheSize(t *testing.T) {
	opts := DefaultOptions()
	opts.CacheRowCount = 0
	_, err := New(testSchema, opts, nil, storage.NewMemFileSet("/x"))
	require.Error(t, err)
}

func TestKeySet(t *testing.T) {
	s := newKeySet()
	require.True(t, s.add("a"))
	require.True(t, s.add("b"))
	require.False(t, s.add("a"))
}
