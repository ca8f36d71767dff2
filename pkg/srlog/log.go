// Package srlog carries a zerolog logger through a context.
package srlog

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type logKey struct{}

// Log returns the logger attached to ctx or the global logger if there is none
func Log(ctx context.Context) *zerolog.Logger {
	logger := ctx.Value(logKey{})
	if logger == nil {
		return &log.Logger
	}

	return logger.(*zerolog.Logger)
}

// WithLogger attaches the given logger to the context
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}

// WithFields returns a context whose logger carries the additional string fields
func WithFields(ctx context.Context, fields map[string]string) context.Context {
	lc := Log(ctx).With()
	for k, v := range fields {
		lc = lc.Str(k, v)
	}

	logger := lc.Logger()
	return WithLogger(ctx, &logger)
}
