// Package repository is a session-scoped arena of tables addressed by
// integer handles, with a reference count beside each slot.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	locking "github.com/stjordanis/knime-core/internal/lock"
	"github.com/stjordanis/knime-core/internal/table"
)

// Handle is the index of a slot. Zero is never a valid handle.
type Handle int

const NoHandle Handle = 0

const closeParallelism = 8

type slot struct {
	table table.Table
	refs  *locking.RefCount
	// registered reference tables retained on behalf of this slot
	deps []Handle
}

type Repository struct {
	id     int
	logger *slog.Logger

	mu      sync.Mutex
	slots   []*slot // slots[0] is reserved
	byTable map[table.Table]Handle
	next    Handle
	live    int
	closed  bool
}

type Option func(*Repository)

func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// New returns an empty repository for session id.
func New(id int, opts ...Option) *Repository {
	r := &Repository{
		id:      id,
		logger:  slog.Default(),
		slots:   make([]*slot, 1),
		byTable: make(map[table.Table]Handle),
		next:    1,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("session", id)
	return r
}

func (r *Repository) ID() int { return r.id }

// Register stores t under a fresh handle with a reference count of one.
// Reference tables of t that are registered here are retained until t is
// disposed.
func (r *Repository) Register(t table.Table) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRegisterLocked(t); err != nil {
		return NoHandle, err
	}
	h := r.next
	r.putLocked(h, t)
	return h, nil
}

// RegisterAt stores t under a handle restored from persisted settings.
func (r *Repository) RegisterAt(h Handle, t table.Table) error {
	if h <= NoHandle {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRegisterLocked(t); err != nil {
		return err
	}
	if int(h) < len(r.slots) && r.slots[h] != nil {
		return fmt.Errorf("%w: %d", ErrHandleInUse, h)
	}
	r.putLocked(h, t)
	return nil
}

func (r *Repository) checkRegisterLocked(t table.Table) error {
	if r.closed {
		return ErrClosed
	}
	if h, ok := r.byTable[t]; ok {
		return fmt.Errorf("%w as handle %d", ErrAlreadyRegistered, h)
	}
	return nil
}

func (r *Repository) putLocked(h Handle, t table.Table) {
	for int(h) >= len(r.slots) {
		r.slots = append(r.slots, nil)
	}
	s := &slot{table: t, refs: locking.NewRefCount()}
	for _, ref := range t.ReferenceTables() {
		dh, ok := r.byTable[ref]
		if !ok {
			continue
		}
		if r.slots[dh].refs.Inc() {
			s.deps = append(s.deps, dh)
		}
	}
	r.slots[h] = s
	r.byTable[t] = h
	r.live++
	if h >= r.next {
		r.next = h + 1
	}
	r.logger.Debug("table registered", "handle", h, "rows", t.RowCount(), "deps", s.deps)
}

func (r *Repository) slotLocked(h Handle) (*slot, error) {
	if h <= NoHandle || int(h) >= len(r.slots) || r.slots[h] == nil {
		return nil, &UnknownHandleError{Handle: h}
	}
	return r.slots[h], nil
}

func (r *Repository) Retain(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slotLocked(h)
	if err != nil {
		return err
	}
	if !s.refs.Inc() {
		return &UnknownHandleError{Handle: h}
	}
	return nil
}

// Release drops one reference. When the count reaches zero the table is
// cleared, its slot freed and its retained reference tables released.
func (r *Repository) Release(h Handle) error {
	var errs error
	pending := []Handle{h}
	for first := true; len(pending) > 0; first = false {
		cur := pending[0]
		pending = pending[1:]

		t, deps, err := r.releaseOne(cur)
		if err != nil {
			if first {
				return err
			}
			errs = multierr.Append(errs, err)
			continue
		}
		if t == nil {
			continue
		}
		if err := t.Clear(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("repository: clear handle %d: %w", cur, err))
		}
		pending = append(pending, deps...)
	}
	return errs
}

// releaseOne returns the table to dispose, or nil if it is still referenced.
func (r *Repository) releaseOne(h Handle) (table.Table, []Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slotLocked(h)
	if err != nil {
		return nil, nil, err
	}
	zero, ok := s.refs.Dec()
	if !ok {
		return nil, nil, &UnknownHandleError{Handle: h}
	}
	if !zero {
		return nil, nil, nil
	}
	r.removeLocked(h)
	r.logger.Debug("table disposed", "handle", h)
	return s.table, s.deps, nil
}

func (r *Repository) removeLocked(h Handle) {
	s := r.slots[h]
	r.slots[h] = nil
	delete(r.byTable, s.table)
	r.live--
}

func (r *Repository) Resolve(h Handle) (table.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slotLocked(h)
	if err != nil {
		return nil, err
	}
	return s.table, nil
}

// HandleOf reports the handle t is registered under.
func (r *Repository) HandleOf(t table.Table) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byTable[t]
	return h, ok
}

func (r *Repository) RefCount(h Handle) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slotLocked(h)
	if err != nil {
		return 0, err
	}
	return int(s.refs.Get()), nil
}

// Len is the number of live tables.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Handles lists live handles in ascending order.
func (r *Repository) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, r.live)
	for h, s := range r.slots {
		if s != nil {
			out = append(out, Handle(h))
		}
	}
	return out
}

// Close disposes every remaining table regardless of its count. Tables are
// cleared in layers: a table is cleared only after every live table that
// references it. Tables within one layer are cleared concurrently.
func (r *Repository) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var errs error
	for layer := 0; ; layer++ {
		batch := r.takeUnreferenced()
		if len(batch) == 0 {
			break
		}
		r.logger.Debug("disposing layer", "layer", layer, "tables", len(batch))

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(closeParallelism)
		for h, t := range batch {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := t.Clear(); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, fmt.Errorf("repository: clear handle %d: %w", h, err))
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return multierr.Append(errs, err)
		}
	}
	return errs
}

// takeUnreferenced removes and returns the live slots that no other live
// slot depends on.
func (r *Repository) takeUnreferenced() map[Handle]table.Table {
	r.mu.Lock()
	defer r.mu.Unlock()

	referenced := make(map[Handle]bool)
	for _, s := range r.slots {
		if s == nil {
			continue
		}
		for _, d := range s.deps {
			referenced[d] = true
		}
	}

	batch := make(map[Handle]table.Table)
	for h, s := range r.slots {
		if s == nil || referenced[Handle(h)] {
			continue
		}
		batch[Handle(h)] = s.table
	}
	if len(batch) == 0 && r.live > 0 {
		// a dependency cycle cannot be built through Register; take what is left
		for h, s := range r.slots {
			if s != nil {
				batch[Handle(h)] = s.table
			}
		}
	}
	for h := range batch {
		r.removeLocked(h)
	}
	return batch
}
