package logger

import "context"

type contextKey string

const requestIDKey contextKey = "topomesh.request_id"

// WithRequestID adds a request ID to the context. Loggers created by New
// attach it to records logged with that context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
