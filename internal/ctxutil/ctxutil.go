// Package ctxutil provides shared context key accessors for JWT claims, so
// the server's auth middleware and downstream handlers agree on how claims
// are carried through a request's context.
package ctxutil

import (
	"context"

	"github.com/hantei-ai/hantei/internal/auth"
)

type contextKey string

const keyClaims contextKey = "claims"

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}
