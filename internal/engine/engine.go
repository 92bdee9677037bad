// Package engine holds the explicitly constructed process context: the
// configuration, the worker pool, the spill directory and the sessions
// whose repositories own the live tables.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.uber.org/multierr"

	"github.com/stjordanis/knime-core/internal"
	"github.com/stjordanis/knime-core/internal/storage"
	"github.com/stjordanis/knime-core/internal/workerpool"
	"github.com/stjordanis/knime-core/internal/writer"
)

var (
	ErrContextClosed  = errors.New("engine: context is closed")
	ErrUnknownSession = errors.New("engine: unknown session")
)

// Context is created once at process start and passed to everything that
// needs the pool or a repository. Tests create as many as they like.
type Context struct {
	cfg    *internal.Config
	logger *slog.Logger
	pool   *workerpool.Pool
	files  storage.FileSet

	mu       sync.Mutex
	sessions map[int]*Session
	nextID   int
	closed   bool
}

type Option func(*Context)

// WithFileSet overrides where spill files go; the default is the configured
// temp directory on the OS filesystem.
func WithFileSet(fs storage.FileSet) Option {
	return func(c *Context) { c.files = fs }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Context) { c.logger = l }
}

func New(cfg *internal.Config, opts ...Option) *Context {
	c := &Context{
		cfg:      cfg,
		logger:   slog.Default(),
		files:    storage.NewOsFileSet(cfg.Storage.TmpDir),
		sessions: make(map[int]*Session),
		nextID:   1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pool = workerpool.New(cfg.Pool.MaxThreads, workerpool.WithLogger(c.logger))
	c.logger.Info("engine started",
		"workers", c.pool.Capacity(),
		"spill_dir", c.files.Dir,
		"cache_rows", cfg.Storage.CacheRowCount,
		"async", !cfg.Storage.SynchronousIO)
	return c
}

func (c *Context) Config() *internal.Config { return c.cfg }

func (c *Context) Pool() *workerpool.Pool { return c.pool }

func (c *Context) FileSet() storage.FileSet { return c.files }

func (c *Context) Logger() *slog.Logger { return c.logger }

// WriterOptions translates the configuration into writer options.
func (c *Context) WriterOptions() writer.Options {
	s := c.cfg.Storage
	o := writer.DefaultOptions()
	o.CacheRowCount = s.CacheRowCount
	o.AsyncWrite = !s.SynchronousIO
	o.Compression = s.Compress
	o.DuplicateCheck = !s.DisableDuplicateCheck
	o.BlockCacheSize = s.BlockCacheSize
	o.Logger = c.logger
	codec, err := storage.ParseCodec(s.Codec)
	if err != nil {
		c.logger.Warn("ignoring invalid codec", "codec", s.Codec, "default", o.Codec)
	} else {
		o.Codec = codec
	}
	return o
}

// NewSession opens a session with an empty repository.
func (c *Context) NewSession() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrContextClosed
	}
	id := c.nextID
	c.nextID++
	s := newSession(c, id)
	c.sessions[id] = s
	return s, nil
}

func (c *Context) Session(id int) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return s, nil
}

func (c *Context) forget(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

// Close ends every open session, then drains the worker pool.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ids := make([]int, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	slices.Sort(ids)
	var errs error
	for _, id := range ids {
		s, err := c.Session(id)
		if err != nil {
			continue
		}
		errs = multierr.Append(errs, s.Close(ctx))
	}
	errs = multierr.Append(errs, c.pool.Shutdown(ctx))
	c.logger.Info("engine stopped")
	return errs
}
