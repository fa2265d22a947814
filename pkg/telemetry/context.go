package telemetry

import (
	"context"

	"github.com/google/uuid"
)

// correlationKey is the context key for correlation IDs.
type correlationKey struct{}

// WithCorrelation returns a context carrying the given correlation ID.
// An empty id generates a fresh one.
func WithCorrelation(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation ID carried by the context.
// A context without one gets a fresh ID returned, so callers can always
// stamp audit events; the fresh ID is not stored back into the context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// EnsureCorrelation returns the context unchanged if it already carries a
// correlation ID, otherwise attaches a fresh one.
func EnsureCorrelation(ctx context.Context) context.Context {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return ctx
	}
	return WithCorrelation(ctx, "")
}
