package util

import (
	"io"
	"log/slog"
)

// CloseFileFunc closes c and only logs a failure; use it on paths that are
// already returning a more relevant error.
func CloseFileFunc(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("close file", "err", err)
	}
}
