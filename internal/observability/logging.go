// Package observability holds the logging and metrics plumbing shared by
// every kernel component.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text". JSON is the
	// production default.
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// NewLogger builds a slog.Logger from the config.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// LogLevelFromString converts a string to a slog.Level. Unrecognized strings
// map to LevelInfo.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

// RequestIDKey is the context key for request IDs.
const RequestIDKey ContextKey = "request_id"

// AddRequestID attaches a request ID to the context.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
