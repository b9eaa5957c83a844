// Package auth authenticates API callers with HS256 JWTs.
//
// Tokens carry a "sub" claim naming the caller and an optional "agent"
// claim naming the agent the caller acts as. The coordinator binary's
// token command mints them with the configured secret; HTTPAuthMiddleware
// verifies them and stores the Claims in the request context.
package auth
