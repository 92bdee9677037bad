package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stjordanis/knime-core/internal"
)

func TestRun(t *testing.T) {
	cfg, err := internal.LoadConfig("")
	require.NoError(t, err)
	cfg.Storage.TmpDir = t.TempDir()
	cfg.Storage.CacheRowCount = 16

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := filepath.Join(t.TempDir(), "state")

	require.NoError(t, run(context.Background(), cfg, logger, state, 100))
}

func TestRun_Canceled(t *testing.T) {
	cfg, err := internal.LoadConfig("")
	require.NoError(t, err)
	cfg.Storage.TmpDir = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.Error(t, run(ctx, cfg, logger, t.TempDir(), 100))
}
