// Package server exposes the coordination service over HTTP.
//
// The JSON API lives under /api: runs, coordinations (fan-out, fan-in,
// stop, report), advisory locks, write tracking and conflicts, and shared
// context namespaces. /api/events streams component events as SSE and
// /api/events/ws as websocket messages. When auth.jwt_secret is set, every
// /api route requires a bearer token.
//
// POST /api/coordinations accepts an Idempotency-Key header; a retry with
// the same key returns the batch the first request created.
//
// A gRPC server carrying the standard health service runs alongside when
// server.grpc_addr is set. With tailscale enabled both listen on a tsnet
// node instead of local TCP.
package server
