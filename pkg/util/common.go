package util

import (
	"io"
	"log/slog"
)

// Close closes c and logs (rather than returns) a failure. Use it only on
// cleanup paths where the primary error is already decided.
func Close(c io.Closer, what string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		slog.Error("close "+what, "err", err)
	}
}
