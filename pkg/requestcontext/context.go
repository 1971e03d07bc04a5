// Package requestcontext provides an HTTP-independent context accessor for
// the request correlation id. Middleware sets it; the engine and handlers
// read it without importing net/http.
package requestcontext

import (
	"context"
)

type requestIDKey struct{}

// RequestID retrieves the correlation ID for the current request, or "".
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRequestID injects a correlation ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}
