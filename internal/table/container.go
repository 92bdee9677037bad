package table

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stjordanis/knime-core/internal/record"
	"github.com/stjordanis/knime-core/internal/storage"
)

const DefaultBlockCacheSize = 8

// ContainerTable is a table whose rows live in a spill file. The first block
// may additionally be held in memory (the head). Decoded blocks are shared
// between iterators through an LRU cache.
type ContainerTable struct {
	schema record.TableSchema
	logger *slog.Logger

	mu      sync.RWMutex
	file    storage.SpillFile
	head    []record.Row
	cache   *lru.Cache[int, []record.Row]
	owned   bool
	cleared bool
}

var _ Table = (*ContainerTable)(nil)

type Option func(*containerOptions)

type containerOptions struct {
	cacheSize int
	logger    *slog.Logger
	owned     bool
}

// WithBlockCache sets how many decoded blocks are cached. Zero or less
// disables the cache.
func WithBlockCache(n int) Option {
	return func(o *containerOptions) { o.cacheSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *containerOptions) { o.logger = l }
}

// WithOwnedFile makes a loaded table the owner of its spill file, so Clear
// deletes it.
func WithOwnedFile() Option {
	return func(o *containerOptions) { o.owned = true }
}

// NewContainerTable wraps a spill file produced by a writer. The table owns
// the file and deletes it on Clear. head, if non-empty, must hold exactly the
// rows of block 0.
func NewContainerTable(schema record.TableSchema, file storage.SpillFile, head []record.Row, opts ...Option) (*ContainerTable, error) {
	if len(head) > 0 && int64(len(head)) > file.Rows {
		return nil, fmt.Errorf("table: head has %d rows, file only %d", len(head), file.Rows)
	}
	return newContainerTable(schema, file, head, append(opts[:len(opts):len(opts)], WithOwnedFile()))
}

// LoadContainerTable binds a table to an existing spill file without reading
// it. Unless WithOwnedFile is given the table does not own the file and
// Clear leaves it on disk.
func LoadContainerTable(schema record.TableSchema, file storage.SpillFile, opts ...Option) (*ContainerTable, error) {
	ok, err := file.Set.Exists(file.Name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &storage.IOError{Op: "load", Path: file.Path(), Err: os.ErrNotExist}
	}
	return newContainerTable(schema, file, nil, opts)
}

func newContainerTable(schema record.TableSchema, file storage.SpillFile, head []record.Row, opts []Option) (*ContainerTable, error) {
	o := containerOptions{cacheSize: DefaultBlockCacheSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	t := &ContainerTable{
		schema: schema,
		logger: o.logger,
		file:   file,
		head:   head,
		owned:  o.owned,
	}
	if o.cacheSize > 0 {
		c, err := lru.New[int, []record.Row](o.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("table: block cache: %w", err)
		}
		t.cache = c
	}
	return t, nil
}

func (t *ContainerTable) Schema() record.TableSchema { return t.schema }

func (t *ContainerTable) RowCount() int64 { return t.file.Rows }

// File returns the descriptor of the backing spill file.
func (t *ContainerTable) File() storage.SpillFile { return t.file }

// Owned reports whether Clear will delete the spill file.
func (t *ContainerTable) Owned() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.owned
}

// Detach hands the spill file over to a persisted record. Afterwards Clear
// keeps the file on disk.
func (t *ContainerTable) Detach() (storage.SpillFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cleared {
		return storage.SpillFile{}, ErrCleared
	}
	t.owned = false
	return t.file, nil
}

func (t *ContainerTable) Iterator() Iterator {
	return &containerIterator{t: t}
}

func (t *ContainerTable) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cleared {
		return nil
	}
	t.cleared = true
	t.head = nil
	if t.cache != nil {
		t.cache.Purge()
	}
	if !t.owned {
		return nil
	}
	if err := t.file.Remove(); err != nil {
		return err
	}
	t.logger.Debug("spill file removed", "path", t.file.Path(), "rows", t.file.Rows)
	return nil
}

func (t *ContainerTable) ReferenceTables() []Table { return nil }

// cachedBlock returns rows of block i if they are in memory already.
func (t *ContainerTable) cachedBlock(i int) ([]record.Row, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cleared {
		return nil, false, ErrCleared
	}
	if i == 0 && len(t.head) > 0 {
		return t.head, true, nil
	}
	if t.cache == nil {
		return nil, false, nil
	}
	rows, ok := t.cache.Get(i)
	return rows, ok, nil
}

func (t *ContainerTable) storeBlock(i int, rows []record.Row) {
	if t.cache == nil {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.cleared {
		t.cache.Add(i, rows)
	}
}

// containerIterator opens its own read handle on first use.
type containerIterator struct {
	t      *ContainerTable
	r      *storage.BlockReader
	rows   []record.Row
	pos    int
	done   bool
	closed bool
}

func (it *containerIterator) Next() (record.Row, error) {
	for it.pos >= len(it.rows) {
		if it.closed {
			return record.Row{}, ErrIteratorClosed
		}
		if it.done {
			return record.Row{}, io.EOF
		}
		if err := it.advance(); err != nil {
			return record.Row{}, err
		}
	}
	r := it.rows[it.pos]
	it.pos++
	return r, nil
}

func (it *containerIterator) advance() error {
	if it.r == nil {
		// a cleared table must not be reopened
		if _, _, err := it.t.cachedBlock(-1); err != nil {
			return err
		}
		r, err := storage.OpenBlockReader(it.t.file, it.t.schema)
		if err != nil {
			return err
		}
		it.r = r
	}

	h, err := it.r.Next()
	if errors.Is(err, io.EOF) {
		it.done = true
		it.rows, it.pos = nil, 0
		return nil
	}
	if err != nil {
		return err
	}

	rows, ok, err := it.t.cachedBlock(h.Index)
	if err != nil {
		return err
	}
	if ok {
		if err := it.r.Skip(h); err != nil {
			return err
		}
	} else {
		rows, err = it.r.Rows(h)
		if err != nil {
			return err
		}
		it.t.storeBlock(h.Index, rows)
	}
	it.rows, it.pos = rows, 0
	return nil
}

func (it *containerIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.rows = nil
	if it.r == nil {
		return nil
	}
	return it.r.Close()
}
