package flow

import (
	"context"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey      ContextKey = "logger"
	ExecutionIDContextKey ContextKey = "execution_id"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDContextKey, executionID)
}

// LoggerFromContext returns the logger stored in ctx, or fallback.
func LoggerFromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}

func ExecutionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ExecutionIDContextKey).(string)
	return id, ok
}
