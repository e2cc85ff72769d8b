// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"log/slog"
	"os"
)

// loopTagKey is the context key for the per-credential loop tag.
type loopTagKey struct{}

// New creates a new structured JSON logger.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// WithLoopTag returns a new context carrying the given loop tag.
func WithLoopTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, loopTagKey{}, tag)
}

// LoopTagFromContext extracts the loop tag from the context.
func LoopTagFromContext(ctx context.Context) string {
	if v := ctx.Value(loopTagKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// FromContext returns a logger with context fields (loop tag, etc.) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if tag := LoopTagFromContext(ctx); tag != "" {
		return base.With("loop", tag)
	}
	return base
}
