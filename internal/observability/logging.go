// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger to provide specialized logging methods.
type Logger struct {
	*slog.Logger
}

// GlobalLogger is the default logger instance for the application.
var GlobalLogger *Logger

func init() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	GlobalLogger = &Logger{Logger: slog.New(handler)}
}

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// CorrelationID is the context key carrying the per-connection correlation id.
const CorrelationID LogContextKey = "correlation_id"

// WithCorrelationID returns a new context with the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationID, id)
}

// ExtractCorrelationID retrieves the correlation ID from the context.
func ExtractCorrelationID(ctx context.Context) string {
	if id := ctx.Value(CorrelationID); id != nil {
		return id.(string)
	}
	return ""
}

// WSLogger provides structured logging for socket lifecycle events.
type WSLogger struct {
	component string
	logger    *Logger
}

// NewWSLogger creates a new WSLogger for the given component.
func NewWSLogger(component string) *WSLogger {
	return &WSLogger{
		component: component,
		logger:    GlobalLogger,
	}
}

// LogConnect logs a socket connection event.
func (l *WSLogger) LogConnect(ctx context.Context, userID uint, socketID string) {
	l.logger.InfoContext(ctx, "socket connected",
		slog.String("component", l.component),
		slog.Uint64("user_id", uint64(userID)),
		slog.String("socket_id", socketID),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogDisconnect logs a socket disconnection event.
func (l *WSLogger) LogDisconnect(ctx context.Context, userID uint, socketID string, reason string) {
	l.logger.InfoContext(ctx, "socket disconnected",
		slog.String("component", l.component),
		slog.Uint64("user_id", uint64(userID)),
		slog.String("socket_id", socketID),
		slog.String("reason", reason),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogFrame logs an inbound frame.
func (l *WSLogger) LogFrame(ctx context.Context, userID uint, frameType string) {
	l.logger.InfoContext(ctx, "frame received",
		slog.String("component", l.component),
		slog.Uint64("user_id", uint64(userID)),
		slog.String("frame_type", frameType),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogError logs a socket-path error event.
func (l *WSLogger) LogError(ctx context.Context, userID uint, frameType string, err error) {
	l.logger.ErrorContext(ctx, "socket error",
		slog.String("component", l.component),
		slog.Uint64("user_id", uint64(userID)),
		slog.String("frame_type", frameType),
		slog.String("error", err.Error()),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogLifecycle logs a component lifecycle event.
func (l *WSLogger) LogLifecycle(ctx context.Context, event string, fields map[string]interface{}) {
	attrs := []any{
		slog.String("component", l.component),
		slog.String("event", event),
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.InfoContext(ctx, "lifecycle", attrs...)
}

// LogBackgroundError logs an error from a background task (sweeps, subscribers).
func LogBackgroundError(ctx context.Context, task string, err error) {
	GlobalLogger.ErrorContext(ctx, "background task error",
		slog.String("task", task),
		slog.String("error", err.Error()),
	)
}
