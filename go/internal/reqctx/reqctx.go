// Package reqctx carries request-scoped identity through the call chain.
// Lookups return zero values when nothing was established, so callers never
// need to care how (or whether) the edge layer authenticated the request.
package reqctx

import "context"

type ctxKey int

const (
	actorKey ctxKey = iota
	tenantKey
	requestIDKey
)

// WithActor returns a context carrying the acting user id.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// Actor returns the acting user id, or "" when unset.
func Actor(ctx context.Context) string {
	v, _ := ctx.Value(actorKey).(string)
	return v
}

// WithTenant returns a context carrying the tenant id.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// Tenant returns the tenant id, or "" when unset.
func Tenant(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey).(string)
	return v
}

// WithRequestID returns a context carrying the edge request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the edge request id, or "" when unset.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}
