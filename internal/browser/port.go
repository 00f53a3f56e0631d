// Package browser is the driver port: the only place that talks to a
// real browser. The orchestrator sees Sessions and StepOutcomes and
// stays platform-agnostic; launch flags and CDP details live here.
package browser

import (
	"context"

	"qanerd/internal/types"
)

// Driver opens browser sessions. Implementations may refuse kinds
// they cannot launch.
type Driver interface {
	Open(ctx context.Context, kind types.BrowserKind) (Session, error)
	Close() error
}

// Session executes steps against one isolated browser context.
type Session interface {
	// Execute runs one step. Failures are *classify.Fault values so
	// the caller never parses driver error strings.
	Execute(ctx context.Context, step types.Step) error
	// Screenshot captures the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// Close releases the underlying browser context.
	Close() error
}
