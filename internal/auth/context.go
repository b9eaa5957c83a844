// ABOUTME: Caller identity propagated through request contexts
// ABOUTME: Provides WithClaims/FromContext for handlers behind the bearer middleware

package auth

import "context"

type claimsKey struct{}

// WithClaims returns a new context carrying the authenticated caller.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// FromContext returns the authenticated caller, or nil when the request was
// not authenticated.
func FromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}
