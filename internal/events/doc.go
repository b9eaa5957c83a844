// Package events provides the in-memory publish/subscribe feed used by the
// coordination components to announce state changes.
//
// # Overview
//
// Each component (run registry, coordinator, conflict resolver, shared
// context) owns one Broadcaster. Events are keyed: a subscriber registers for
// a single key, or for WildcardKey to receive everything the component
// publishes.
//
//	ch, subID, err := b.Subscribe(ctx, events.WildcardKey)
//	for ev := range ch {
//	    fmt.Println(ev.Type, ev.Key)
//	}
//
// # Delivery
//
// Delivery is best effort. Each subscriber has a bounded buffer and events
// are dropped for subscribers whose buffer is full; publishers never block.
// There is no replay and no durability. State durability is the store's job.
//
// # Limits
//
// The number of concurrent subscribers per broadcaster is capped. Subscribe
// returns ErrTooManySubscribers once the cap is reached. Subscriptions are
// released when their context is cancelled, on Unsubscribe, or on Close.
package events
