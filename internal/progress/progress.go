// Package progress is the cancellation and progress-reporting interface that
// long-running operations poll.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

var ErrCanceled = errors.New("progress: execution canceled")

// Monitor is checked periodically by long scans.
type Monitor interface {
	// CheckCanceled returns an error wrapping ErrCanceled once the
	// operation should stop.
	CheckCanceled() error

	// SetProgress reports a fraction in [0,1] and an optional message.
	SetProgress(fraction float64, msg string)
}

// Nop never cancels and discards progress.
var Nop Monitor = nopMonitor{}

type nopMonitor struct{}

func (nopMonitor) CheckCanceled() error       { return nil }
func (nopMonitor) SetProgress(float64, string) {}

// FromContext returns a Monitor that cancels when ctx is done.
func FromContext(ctx context.Context) *ContextMonitor {
	return &ContextMonitor{ctx: ctx}
}

// ContextMonitor ties cancellation to a context and remembers the last
// reported progress.
type ContextMonitor struct {
	ctx    context.Context
	logger *slog.Logger

	fraction atomic.Uint64 // percent * 100
	msg      atomic.Pointer[string]
}

// WithLogger makes the monitor log every progress update at debug level.
func (m *ContextMonitor) WithLogger(l *slog.Logger) *ContextMonitor {
	m.logger = l
	return m
}

func (m *ContextMonitor) CheckCanceled() error {
	if err := m.ctx.Err(); err != nil {
		return Canceled(err)
	}
	return nil
}

func (m *ContextMonitor) SetProgress(fraction float64, msg string) {
	fraction = min(max(fraction, 0), 1)
	m.fraction.Store(uint64(fraction * 10000))
	m.msg.Store(&msg)
	if m.logger != nil {
		m.logger.Debug("progress", "fraction", fraction, "msg", msg)
	}
}

// Progress returns the last reported fraction and message.
func (m *ContextMonitor) Progress() (float64, string) {
	var msg string
	if p := m.msg.Load(); p != nil {
		msg = *p
	}
	return float64(m.fraction.Load()) / 10000, msg
}

// Canceled wraps cause so that errors.Is matches both ErrCanceled and cause.
func Canceled(cause error) error {
	if cause == nil {
		return ErrCanceled
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

// Or returns mon, or a monitor derived from ctx when mon is nil.
func Or(ctx context.Context, mon Monitor) Monitor {
	if mon != nil {
		return mon
	}
	return FromContext(ctx)
}
