// Package provider defines the remote session provider boundary and its
// backend implementations.
package provider

import (
	"context"
)

// Provider creates live sessions for credentials.
// Implementations include Docker, Kubernetes and raw process execution.
type Provider interface {
	// Connect establishes a new session authenticated by the given
	// credential. It fails on any transport, auth or quota error.
	Connect(ctx context.Context, credential string) (Session, error)
}

// Session is a live resource handle obtained for one credential. A session
// is exclusively owned by the lifecycle loop that created it and is torn
// down at the end of every cycle.
type Session interface {
	// ID identifies the session for logging.
	ID() string

	// RunBackground starts the command inside the session without waiting
	// for it to finish. The command is expected to be long-running.
	RunBackground(ctx context.Context, command string) (Handle, error)

	// Close tears the session down. It is idempotent and safe to call
	// even if the session is already defunct.
	Close(ctx context.Context) error
}

// Handle represents a command running inside a session.
type Handle interface {
	// Wait blocks until the command completes or the context expires.
	// A context deadline is reported as the context error; the command
	// keeps running inside the session in that case.
	Wait(ctx context.Context) (ExitResult, error)
}

// ExitResult is the terminal state of a finished command.
type ExitResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}
