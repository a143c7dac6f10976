// Package util provides shared helpers for the CLI and the daemon.
package util

import (
	"fmt"
	"io"
)

// ProgressWriter returns w, or nil when quiet so progress output is dropped.
func ProgressWriter(w io.Writer, quiet bool) io.Writer {
	if quiet {
		return nil
	}
	return w
}

// Progress writes a progress message to w. A nil w discards it.
func Progress(w io.Writer, format string, args ...any) {
	if w == nil {
		return
	}
	_, _ = fmt.Fprintf(w, format, args...)
}

// ProgressStep writes a step that is starting.
func ProgressStep(w io.Writer, format string, args ...any) {
	Progress(w, "→ "+format, args...)
}

// ProgressDone writes a step that finished.
func ProgressDone(w io.Writer, format string, args ...any) {
	Progress(w, "✓ "+format, args...)
}
