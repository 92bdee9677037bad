package engine

import (
	"context"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"github.com/stjordanis/knime-core/internal/join"
	"github.com/stjordanis/knime-core/internal/progress"
	"github.com/stjordanis/knime-core/internal/record"
	"github.com/stjordanis/knime-core/internal/repository"
	"github.com/stjordanis/knime-core/internal/storage"
	"github.com/stjordanis/knime-core/internal/table"
	"github.com/stjordanis/knime-core/internal/writer"
)

// Session scopes table handles. Handles saved from a session are loaded
// back into a session, usually a fresh one after a restart.
type Session struct {
	id     int
	ctx    *Context
	repo   *repository.Repository
	logger *slog.Logger

	mu sync.Mutex
	// spill files written on behalf of saved memory tables
	saved map[repository.Handle]storage.SpillFile
}

func newSession(c *Context, id int) *Session {
	logger := c.logger.With("session", id)
	return &Session{
		id:     id,
		ctx:    c,
		repo:   repository.New(id, repository.WithLogger(c.logger)),
		logger: logger,
		saved:  make(map[repository.Handle]storage.SpillFile),
	}
}

func (s *Session) ID() int { return s.id }

func (s *Session) Repository() *repository.Repository { return s.repo }

// NewWriter returns a writer configured from the context. Adjust may tweak
// the options, for example to attach a progress monitor.
func (s *Session) NewWriter(schema record.TableSchema, adjust ...func(*writer.Options)) (*writer.Writer, error) {
	opts := s.ctx.WriterOptions()
	opts.Logger = s.logger
	for _, f := range adjust {
		f(&opts)
	}
	return writer.New(schema, opts, s.ctx.pool, s.ctx.files)
}

// Register, Retain, Release and Resolve forward to the repository.
func (s *Session) Register(t table.Table) (repository.Handle, error) {
	return s.repo.Register(t)
}

func (s *Session) Retain(h repository.Handle) error { return s.repo.Retain(h) }

func (s *Session) Release(h repository.Handle) error { return s.repo.Release(h) }

func (s *Session) Resolve(h repository.Handle) (table.Table, error) { return s.repo.Resolve(h) }

// WriteTable drains rows into a new table and registers it.
func (s *Session) WriteTable(ctx context.Context, schema record.TableSchema, rows []record.Row) (repository.Handle, error) {
	w, err := s.NewWriter(schema)
	if err != nil {
		return repository.NoHandle, err
	}
	for _, r := range rows {
		if err := w.AddRow(ctx, r); err != nil {
			return repository.NoHandle, multierr.Append(err, w.Discard())
		}
	}
	t, err := w.Close(ctx)
	if err != nil {
		return repository.NoHandle, err
	}
	h, err := s.repo.Register(t)
	if err != nil {
		return repository.NoHandle, multierr.Append(err, t.Clear())
	}
	return h, nil
}

// CreateJoinedTable joins two registered tables and registers the result.
// The joined table keeps both sources alive until it is released.
func (s *Session) CreateJoinedTable(ctx context.Context, left, right repository.Handle, mon progress.Monitor) (repository.Handle, error) {
	lt, err := s.repo.Resolve(left)
	if err != nil {
		return repository.NoHandle, err
	}
	rt, err := s.repo.Resolve(right)
	if err != nil {
		return repository.NoHandle, err
	}
	j, err := join.Create(ctx, lt, rt, mon)
	if err != nil {
		return repository.NoHandle, err
	}
	h, err := s.repo.Register(j)
	if err != nil {
		return repository.NoHandle, err
	}
	s.logger.Debug("joined table created", "handle", h, "left", left, "right", right, "rows", j.RowCount())
	return h, nil
}

// Close disposes every table still registered in the session.
func (s *Session) Close(ctx context.Context) error {
	s.ctx.forget(s.id)
	return s.repo.Close(ctx)
}
