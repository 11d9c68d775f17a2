package observability

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey string

const ctxKeyCorrelationID ctxKey = "correlation_id"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// Logger returns the process-wide JSON logger.
func Logger() *slog.Logger {
	return logger
}

// SetLogger replaces the process logger. Call it from main before serving.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
		slog.SetDefault(l)
	}
}

// WithCorrelationID stores a correlation id in the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrelationID, id)
}

// CorrelationID returns the id stored by WithCorrelationID, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyCorrelationID).(string)
	return id
}

// LoggerFromContext returns base (or the process logger when nil) with the
// correlation id attached when present.
func LoggerFromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = logger
	}
	if id := CorrelationID(ctx); id != "" {
		return base.With("correlation_id", id)
	}
	return base
}
