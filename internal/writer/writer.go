// Package writer turns a stream of rows into a table, spilling to disk once
// the in-memory cache is full.
package writer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"github.com/stjordanis/knime-core/internal/progress"
	"github.com/stjordanis/knime-core/internal/record"
	"github.com/stjordanis/knime-core/internal/storage"
	"github.com/stjordanis/knime-core/internal/table"
	"github.com/stjordanis/knime-core/internal/workerpool"
)

const (
	DefaultCacheRowCount  = 10_000
	DefaultCancelInterval = 1_000
)

type Options struct {
	// CacheRowCount is the number of rows buffered before a flush.
	CacheRowCount int
	// AsyncWrite schedules flushes on the worker pool.
	AsyncWrite bool
	// Compression selects Codec for spill blocks; without it blocks are raw.
	Compression bool
	Codec       storage.Codec
	// DuplicateCheck rejects repeated row keys.
	DuplicateCheck bool
	// CancelInterval is the number of rows between cancellation checks.
	CancelInterval int
	// BlockCacheSize is passed on to the resulting ContainerTable.
	BlockCacheSize int

	Monitor progress.Monitor
	Logger  *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		CacheRowCount:  DefaultCacheRowCount,
		AsyncWrite:     true,
		Compression:    true,
		Codec:          storage.CodecZstd,
		DuplicateCheck: true,
		CancelInterval: DefaultCancelInterval,
		BlockCacheSize: table.DefaultBlockCacheSize,
	}
}

func (o Options) codec() storage.Codec {
	if !o.Compression {
		return storage.CodecNone
	}
	return o.Codec
}

// Writer is used by a single producer goroutine.
type Writer struct {
	schema record.TableSchema
	opts   Options
	pool   *workerpool.Pool
	fs     storage.FileSet
	logger *slog.Logger
	mon    progress.Monitor

	buf  []record.Row
	head []record.Row
	bw   *storage.BlockWriter
	// at most one flush is in flight; the next one waits for it
	pending *workerpool.Future
	keys    *keySet
	rows    int64

	err    error
	closed bool
}

// New returns a writer for rows of schema. pool may be nil, in which case
// every flush is synchronous.
func New(schema record.TableSchema, opts Options, pool *workerpool.Pool, fs storage.FileSet) (*Writer, error) {
	if opts.CacheRowCount <= 0 {
		return nil, fmt.Errorf("writer: cache row count must be positive, got %d", opts.CacheRowCount)
	}
	if opts.CancelInterval <= 0 {
		opts.CancelInterval = DefaultCancelInterval
	}
	if pool == nil {
		opts.AsyncWrite = false
	}

	w := &Writer{
		schema: schema,
		opts:   opts,
		pool:   pool,
		fs:     fs,
		logger: opts.Logger,
		mon:    opts.Monitor,
		buf:    make([]record.Row, 0, opts.CacheRowCount),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.mon == nil {
		w.mon = progress.Nop
	}
	if opts.DuplicateCheck {
		w.keys = newKeySet()
	}
	return w, nil
}

func (w *Writer) Schema() record.TableSchema { return w.schema }

// RowCount is the number of rows accepted so far.
func (w *Writer) RowCount() int64 { return w.rows }

// AddRow appends a copy of row. A row that does not match the schema is
// rejected and the writer stays usable; every other failure aborts the
// writer and deletes its spill file.
func (w *Writer) AddRow(ctx context.Context, row record.Row) error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return ErrClosed
	}
	if err := w.schema.Validate(row); err != nil {
		return fmt.Errorf("writer: row %d: %w", w.rows, err)
	}

	if w.rows%int64(w.opts.CancelInterval) == 0 {
		if err := w.checkCanceled(ctx); err != nil {
			return w.fail(err)
		}
	}
	if w.pending != nil {
		if err := w.pending.Err(); err != nil {
			return w.fail(err)
		}
	}

	if w.keys != nil && !w.keys.add(row.Key) {
		return w.fail(&DuplicateKeyError{Key: row.Key, Index: w.rows})
	}

	w.buf = append(w.buf, row.Clone())
	w.rows++

	if len(w.buf) >= w.opts.CacheRowCount {
		if err := w.flush(); err != nil {
			return w.fail(err)
		}
	}
	return nil
}

func (w *Writer) checkCanceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return progress.Canceled(err)
	}
	return w.mon.CheckCanceled()
}

// flush hands the full buffer to the spill file and starts a fresh one.
func (w *Writer) flush() error {
	if w.bw == nil {
		bw, err := storage.CreateBlockWriter(w.fs, w.schema, w.opts.codec())
		if err != nil {
			return err
		}
		w.bw = bw
		w.head = w.buf
		w.logger.Debug("writer spilling", "path", bw.Path(), "codec", w.opts.codec())
	}

	block := w.buf
	w.buf = make([]record.Row, 0, w.opts.CacheRowCount)

	if err := w.awaitPending(); err != nil {
		return err
	}
	if !w.opts.AsyncWrite {
		return w.bw.WriteBlock(block)
	}
	bw := w.bw
	w.pending = w.pool.Submit(func(context.Context) error {
		return bw.WriteBlock(block)
	})
	return nil
}

// awaitPending waits for the in-flight flush. It does not honor
// cancellation: the flush owns the block writer until it returns.
func (w *Writer) awaitPending() error {
	if w.pending == nil {
		return nil
	}
	f := w.pending
	w.pending = nil
	<-f.Done()
	return f.Err()
}

// Close waits for outstanding flushes and returns the finished table: a
// MemoryTable if nothing was spilled, otherwise a ContainerTable that owns
// the spill file.
func (w *Writer) Close(ctx context.Context) (table.Table, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.closed {
		return nil, ErrClosed
	}
	if err := w.checkCanceled(ctx); err != nil {
		return nil, w.fail(err)
	}
	w.closed = true

	if w.bw == nil {
		t := table.NewMemoryTable(w.schema, w.buf)
		w.release()
		w.logger.Debug("table kept in memory", "rows", t.RowCount())
		return t, nil
	}

	if err := w.awaitPending(); err != nil {
		return nil, w.fail(err)
	}
	if err := w.bw.WriteBlock(w.buf); err != nil {
		return nil, w.fail(err)
	}
	file, err := w.bw.Finish()
	if err != nil {
		return nil, w.fail(err)
	}

	t, err := table.NewContainerTable(w.schema, file, w.head,
		table.WithBlockCache(w.opts.BlockCacheSize),
		table.WithLogger(w.logger))
	if err != nil {
		return nil, w.fail(err)
	}
	w.logger.Info("table written",
		"rows", file.Rows,
		"blocks", file.Blocks,
		"size", humanize.Bytes(uint64(file.Size)),
		"path", file.Path())
	w.release()
	return t, nil
}

// Discard abandons the writer and deletes any partial spill file.
func (w *Writer) Discard() error {
	if w.err != nil || w.closed {
		return nil
	}
	// only cleanup failures are reported
	errs := multierr.Errors(w.fail(ErrDiscarded))
	return multierr.Combine(errs[1:]...)
}

// fail aborts the writer with cause. Cleanup failures are appended to cause.
func (w *Writer) fail(cause error) error {
	err := cause
	if perr := w.awaitPending(); perr != nil && perr != cause {
		w.logger.Debug("pending flush failed during abort", "err", perr)
	}
	if w.bw != nil {
		if aerr := w.bw.Abort(); aerr != nil {
			err = multierr.Append(err, aerr)
		}
		w.logger.Debug("spill file discarded", "path", w.bw.Path(), "cause", cause)
	}
	w.err = err
	w.closed = true
	w.release()
	return err
}

func (w *Writer) release() {
	w.buf = nil
	w.head = nil
	w.bw = nil
	w.keys = nil
}
