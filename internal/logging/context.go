package logging

import (
	"context"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
)

// FromContext returns the logger stored in ctx, or a default text logger
func FromContext(ctx context.Context) *Logger {
	if logger, ok := Lookup(ctx); ok {
		return logger
	}

	return New(Config{Level: "info", Format: "text"})
}

// Lookup returns the logger stored in ctx, if any
func Lookup(ctx context.Context) (*Logger, bool) {
	logger, ok := ctx.Value(loggerKey).(*Logger)
	return logger, ok
}

func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
