package blockstm

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrDependencyTimeout is returned when a local transaction waits on a
	// remote write that never arrives within the configured bound.
	ErrDependencyTimeout = errors.New("timed out waiting for remote dependency")

	// ErrFatalExecution wraps a non-retryable failure reported by the VM.
	// It aborts the whole block; nothing past the committed prefix is kept.
	ErrFatalExecution = errors.New("fatal transaction execution error")
)
