package domain

import "context"

type ctxKey string

const (
	requestCtxKey    ctxKey = "request_id"
	invocationCtxKey ctxKey = "invocation"
)

// ContextWithRequestID returns a new context carrying the request ID (ULID).
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
// Returns empty string if not set.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithInvocation attaches the tool invocation context.
func ContextWithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationCtxKey, inv)
}

// InvocationFromContext returns the invocation attached to ctx, or a zero
// Invocation with balanced optimization when none is set.
func InvocationFromContext(ctx context.Context) Invocation {
	if v, ok := ctx.Value(invocationCtxKey).(Invocation); ok {
		return v
	}
	return Invocation{Optimization: OptimizationBalanced}
}
