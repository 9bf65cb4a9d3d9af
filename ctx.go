package session

import (
	"context"

	"github.com/goliatone/go-router"
)

// IdentityContextKey is the Locals key under which guards expose the
// authenticated identity to downstream handlers.
const IdentityContextKey = "session:identity"

type identityCtxKey struct{}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, identity)
}

// IdentityFromContext extracts the identity placed by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityCtxKey{}).(Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// GetRouterIdentity returns the identity a guard stored on the request, or
// ErrTokenMissing when the route was reached without one.
func GetRouterIdentity(c router.Context) (Identity, error) {
	val := c.Locals(IdentityContextKey)
	if val == nil {
		return nil, ErrTokenMissing
	}

	identity, ok := val.(Identity)
	if !ok || identity == nil {
		return nil, ErrTokenMissing
	}

	return identity, nil
}
