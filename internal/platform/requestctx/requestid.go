// Package requestctx carries request-scoped identifiers through context.
package requestctx

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// HeaderRequestID is the header a caller may use to supply its own id.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLength = 128

// requestIDContextKey is the context key for the request identifier.
type requestIDContextKey struct{}

// WithRequestID stores a request identifier in context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext returns the request identifier stored in context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDContextKey{}).(string)
	return value
}

// EnsureRequestID returns ctx carrying an id: the supplied one when it is
// usable, otherwise a new UUID.
func EnsureRequestID(ctx context.Context, supplied string) (context.Context, string) {
	if existing := RequestIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	requestID := strings.TrimSpace(supplied)
	if requestID == "" || len(requestID) > maxRequestIDLength || strings.ContainsAny(requestID, "\r\n") {
		requestID = uuid.NewString()
	}
	return WithRequestID(ctx, requestID), requestID
}
