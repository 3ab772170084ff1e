// Package logging provides structured logging utilities built on the
// standard library's log/slog package, with helpers for request-scoped
// loggers and context propagation.
package logging

import (
	"context"
	"log/slog"
	"os"

	"quotagate/internal/handler/http/requestid"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const loggerContextKey contextKey = "logger"

// NewLogger creates a new structured logger with JSON output.
// The log level can be controlled via the LOG_LEVEL environment
// variable ("debug" enables debug logging; anything else means info).
func NewLogger() *slog.Logger {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	return slog.New(handler)
}

// WithRequestID returns a logger that includes the request ID from the
// context, enabling request tracing across log entries. If the context
// carries no request ID the logger is returned unchanged.
func WithRequestID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	reqID := requestid.FromContext(ctx)
	if reqID == "" {
		return logger
	}
	return logger.With("request_id", reqID)
}

// FromContext retrieves the logger from the context, or the default
// logger if none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithLogger attaches a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}
