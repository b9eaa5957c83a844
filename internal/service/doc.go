// Package service assembles the coordination core into one value.
//
// A Service owns the store, the four core components and their event
// broadcasters. It replaces process-wide singletons: each process builds one
// with New, calls Start once, and hands it to the server. Tests build as many
// as they like around store.NewMockStore.
package service
