package util

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/real-rm/chatroom/internal/constants"
	"github.com/rs/zerolog"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// NewTimeoutContext derives a context with the given timeout from parent.
func NewTimeoutContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, timeout)
}

// NewDefaultTimeoutContext applies the standard store timeout.
func NewDefaultTimeoutContext(parent context.Context) (context.Context, context.CancelFunc) {
	return NewTimeoutContext(parent, constants.DefaultContextTimeout)
}

// ContextWithTraceID stores traceID on the context; an empty id is replaced by a fresh one.
func ContextWithTraceID(parent context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return context.WithValue(parent, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace id or "".
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTrace returns logger annotated with the context's trace id, if any.
func WithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id := TraceIDFromContext(ctx); id != "" {
		return logger.With().Str("trace_id", id).Logger()
	}
	return logger
}
