// Package api adapts the sync plane (internal/gateway, internal/gatewaypool)
// to HTTP: push/pull handlers, auth and logging middleware, and RFC 7807
// problem responses, the same split the teacher's internal/api keeps
// between transport and domain logic.
package api

import (
	"context"
	"errors"
)

// gatewayIDContextKey is the context key for the gateway ID resolved from
// the URL path.
type gatewayIDContextKey struct{}

// ErrNoGatewayInContext indicates no gateway ID was found in the context.
var ErrNoGatewayInContext = errors.New("api: no gateway id in context")

// WithGatewayID returns a new context with the gateway ID attached.
func WithGatewayID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, gatewayIDContextKey{}, id)
}

// GatewayIDFromContext extracts the gateway ID injected by
// GatewayContextMiddleware.
func GatewayIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(gatewayIDContextKey{}).(string)
	if !ok || id == "" {
		return "", ErrNoGatewayInContext
	}
	return id, nil
}
