// Package sharedctx is the namespaced, versioned key-value store agents use
// to exchange intermediate results. By convention a fan-out batch uses its
// coordination ID as the namespace name.
//
// Entries may carry a TTL. Lapsed entries are never returned and are evicted
// from memory and storage when they are next touched.
package sharedctx
