package progress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextMonitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := FromContext(ctx)
	require.NoError(t, m.CheckCanceled())

	m.SetProgress(0.5, "half")
	f, msg := m.Progress()
	require.InDelta(t, 0.5, f, 1e-9)
	require.Equal(t, "half", msg)

	m.SetProgress(7, "")
	f, _ = m.Progress()
	require.InDelta(t, 1.0, f, 1e-9)

	cancel()
	err := m.CheckCanceled()
	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNopAndOr(t *testing.T) {
	require.NoError(t, Nop.CheckCanceled())
	Nop.SetProgress(1, "done")

	require.Equal(t, Nop, Or(context.Background(), Nop))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Or(ctx, nil).CheckCanceled(), ErrCanceled)
}

func TestCanceled(t *testing.T) {
	require.Equal(t, ErrCanceled, Canceled(nil))
	require.ErrorIs(t, Canceled(context.DeadlineExceeded), context.DeadlineExceeded)
}
