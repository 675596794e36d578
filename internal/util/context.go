package util

import (
	"context"
)

// Context keys.
type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyRoute     ctxKey = "route"
	ctxKeyUpstream  ctxKey = "upstream"
)

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// ContextWithRoute adds a route name to the context.
func ContextWithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, ctxKeyRoute, route)
}

// RouteFromContext extracts the route name from context.
func RouteFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRoute).(string); ok {
		return v
	}
	return ""
}

// ContextWithUpstream adds an upstream name to the context.
func ContextWithUpstream(ctx context.Context, upstream string) context.Context {
	return context.WithValue(ctx, ctxKeyUpstream, upstream)
}

// UpstreamFromContext extracts the upstream name from context.
func UpstreamFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyUpstream).(string); ok {
		return v
	}
	return ""
}
