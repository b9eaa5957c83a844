// ABOUTME: Tests for the keyed event broadcaster
// ABOUTME: Covers delivery, wildcard keys, subscriber caps, cancellation, concurrency

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroadcaster_SubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster("registry", 0, nil)
	defer b.Close()

	ch, _, err := b.Subscribe(t.Context(), "session-1")
	require.NoError(t, err)

	b.Publish("run_created", "session-1", map[string]string{"run_id": "r1"})

	ev := receive(t, ch)
	assert.Equal(t, "run_created", ev.Type)
	assert.Equal(t, "registry", ev.Component)
	assert.Equal(t, "session-1", ev.Key)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestBroadcaster_WildcardReceivesAllKeys(t *testing.T) {
	b := NewBroadcaster("conflict", 0, nil)
	defer b.Close()

	all, _, err := b.Subscribe(t.Context(), WildcardKey)
	require.NoError(t, err)

	b.Publish("conflict", "a.go", nil)
	b.Publish("conflict", "b.go", nil)

	assert.Equal(t, "a.go", receive(t, all).Key)
	assert.Equal(t, "b.go", receive(t, all).Key)
}

func TestBroadcaster_EmptyKeyMeansWildcard(t *testing.T) {
	b := NewBroadcaster("context", 0, nil)
	defer b.Close()

	ch, _, err := b.Subscribe(t.Context(), "")
	require.NoError(t, err)

	b.Publish("write", "ns-1", nil)
	assert.Equal(t, "ns-1", receive(t, ch).Key)
}

func TestBroadcaster_KeysAreIsolated(t *testing.T) {
	b := NewBroadcaster("registry", 0, nil)
	defer b.Close()

	ch1, _, err := b.Subscribe(t.Context(), "s1")
	require.NoError(t, err)
	ch2, _, err := b.Subscribe(t.Context(), "s2")
	require.NoError(t, err)

	b.Publish("run_started", "s1", nil)
	receive(t, ch1)

	select {
	case <-ch2:
		t.Fatal("subscriber for s2 should not receive s1 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SubscriberCap(t *testing.T) {
	b := NewBroadcaster("registry", 2, nil)
	defer b.Close()

	_, _, err := b.Subscribe(t.Context(), "k")
	require.NoError(t, err)
	_, id2, err := b.Subscribe(t.Context(), "k")
	require.NoError(t, err)

	_, _, err = b.Subscribe(t.Context(), "k")
	require.ErrorIs(t, err, ErrTooManySubscribers)

	b.Unsubscribe("k", id2)
	_, _, err = b.Subscribe(t.Context(), "k")
	assert.NoError(t, err, "slot freed by unsubscribe should be reusable")
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster("registry", 0, nil)
	defer b.Close()

	_, _, err := b.Subscribe(t.Context(), "k")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 3 {
			b.Publish("run_started", "k", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster("registry", 0, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := b.Subscribe(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount())

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_CloseClosesAllAndRejectsNew(t *testing.T) {
	b := NewBroadcaster("registry", 0, nil)

	ch1, _, err := b.Subscribe(t.Context(), "a")
	require.NoError(t, err)
	ch2, _, err := b.Subscribe(t.Context(), WildcardKey)
	require.NoError(t, err)

	b.Close()

	for _, ch := range []<-chan *Event{ch1, ch2} {
		_, ok := <-ch
		assert.False(t, ok)
	}

	_, _, err = b.Subscribe(t.Context(), "a")
	assert.Error(t, err)

	// Publishing after close must not panic.
	b.Publish("run_started", "a", nil)
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster("registry", 50, nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	for range 10 {
		wg.Go(func() {
			ch, _, err := b.Subscribe(ctx, "k")
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Publish("run_started", "k", nil)
			}
		})
	}

	wg.Wait()
}
