// ABOUTME: In-memory keyed fan-out broadcaster for component lifecycle events
// ABOUTME: Bounded subscriber count, non-blocking publish, wildcard subscriptions

package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// DefaultMaxSubscribers caps listeners per broadcaster when no limit is given.
	DefaultMaxSubscribers = 100

	// WildcardKey subscribes to every event regardless of key.
	WildcardKey = "*"
)

// ErrTooManySubscribers is returned when the subscriber cap has been reached.
var ErrTooManySubscribers = errors.New("too many subscribers")

// Event is a single state change announced by a component.
type Event struct {
	ID        string    `json:"id"`
	Component string    `json:"component"`
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Broadcaster provides in-memory pub/sub for one component's events.
type Broadcaster struct {
	mu             sync.RWMutex
	component      string
	subscribers    map[string]map[string]chan *Event // key -> subID -> ch
	count          int
	maxSubscribers int
	closed         bool
	logger         *slog.Logger
}

// NewBroadcaster creates a broadcaster for the named component.
// A maxSubscribers of zero or less uses DefaultMaxSubscribers. Pass nil logger for default.
func NewBroadcaster(component string, maxSubscribers int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSubscribers <= 0 {
		maxSubscribers = DefaultMaxSubscribers
	}
	return &Broadcaster{
		component:      component,
		subscribers:    make(map[string]map[string]chan *Event),
		maxSubscribers: maxSubscribers,
		logger:         logger.With("component", "broadcaster", "source", component),
	}
}

// Component returns the name of the component this broadcaster serves.
func (b *Broadcaster) Component() string {
	return b.component
}

// Subscribe registers a subscriber for events on the given key. Use WildcardKey
// to receive all events. The subscription is cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, key string) (<-chan *Event, string, error) {
	if key == "" {
		key = WildcardKey
	}
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, "", errors.New("broadcaster closed")
	}
	if b.count >= b.maxSubscribers {
		b.mu.Unlock()
		b.logger.Warn("subscriber limit reached", "max", b.maxSubscribers)
		return nil, "", ErrTooManySubscribers
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *Event)
	}
	b.subscribers[key][subID] = ch
	b.count++
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID, nil
}

// Publish builds an event and sends it to subscribers of key and to wildcard
// subscribers. Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(eventType, key string, payload any) {
	event := &Event{
		ID:        uuid.New().String(),
		Component: b.component,
		Type:      eventType,
		Key:       key,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.RLock()
	targets := make([]chan *Event, 0, len(b.subscribers[key])+len(b.subscribers[WildcardKey]))
	for _, ch := range b.subscribers[key] {
		targets = append(targets, ch)
	}
	if key != WildcardKey {
		for _, ch := range b.subscribers[WildcardKey] {
			targets = append(targets, ch)
		}
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "key", key, "type", eventType)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	b.count--

	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.count = 0
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
