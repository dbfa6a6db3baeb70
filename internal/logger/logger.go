// Package logger carries a *slog.Logger through request-scoped contexts,
// the way the composition root wires one logger per process and every
// handler pulls it back out instead of reaching for a global.
package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// AddToContext returns a child context carrying l.
func AddToContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or slog.Default() if none
// was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
