// Package workerpool runs background tasks on a bounded number of goroutines.
package workerpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/panics"
)

var ErrPoolShutdown = errors.New("workerpool: pool is shut down")

// Task is one unit of background work. ctx is canceled only when a
// Shutdown gives up waiting.
type Task func(ctx context.Context) error

// DefaultCapacity is the number of workers used when no override is given.
func DefaultCapacity() int { return runtime.NumCPU() + 2 }

// Capacity resolves a configured override. Zero means unset. A negative
// override is logged and replaced by the default.
func Capacity(override int) int {
	if override == 0 {
		return DefaultCapacity()
	}
	if override < 0 {
		slog.Warn("ignoring invalid worker pool size", "value", override, "default", DefaultCapacity())
		return DefaultCapacity()
	}
	return override
}

// Pool runs at most Capacity tasks at once. Further tasks wait in an
// unbounded FIFO queue. Workers are started on demand and exit when the
// queue is empty.
type Pool struct {
	capacity int
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    *list.List
	running  int
	active   int
	shutdown bool
	pending  sync.WaitGroup
}

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New returns a pool with n workers; see Capacity for how n is interpreted.
func New(n int, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		capacity: Capacity(n),
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		queue:    list.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger.Debug("worker pool started", "capacity", p.capacity)
	return p
}

func (p *Pool) Capacity() int { return p.capacity }

// Stats reports queued tasks and tasks currently executing.
func (p *Pool) Stats() (queued, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len(), p.active
}

// Submit queues task. The returned Future completes with the task's error.
// After Shutdown the future is already completed with ErrPoolShutdown.
func (p *Pool) Submit(task Task) *Future {
	f := &Future{task: task, done: make(chan struct{})}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		f.complete(ErrPoolShutdown)
		return f
	}
	p.pending.Add(1)
	p.queue.PushBack(f)
	if p.running < p.capacity {
		p.running++
		go p.work()
	}
	return f
}

func (p *Pool) work() {
	for {
		p.mu.Lock()
		e := p.queue.Front()
		if e == nil {
			p.running--
			p.mu.Unlock()
			return
		}
		p.queue.Remove(e)
		p.active++
		p.mu.Unlock()

		f := e.Value.(*Future)
		f.complete(p.run(f.task))

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.pending.Done()
	}
}

// run executes task and turns a panic into an error.
func (p *Pool) run(task Task) (err error) {
	if rec := panics.Try(func() { err = task(p.ctx) }); rec != nil {
		p.logger.Error("worker task panicked", "panic", rec.Value)
		return fmt.Errorf("workerpool: task panicked: %w", rec.AsError())
	}
	return err
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish. If ctx ends first, running tasks see their context canceled and
// Shutdown returns ctx's error.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancel()
		p.logger.Debug("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("workerpool: shutdown: %w", ctx.Err())
	}
}

// Future is the pending result of a submitted task.
type Future struct {
	task Task
	done chan struct{}
	err  error
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task's error once Done is closed, nil before.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}
