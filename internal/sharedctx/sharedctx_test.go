// ABOUTME: Tests for the shared context store
// ABOUTME: Covers versioning, TTL eviction, namespace listing, persistence and hydration

package sharedctx

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coordinator/internal/store"
)

func newTestStore(t *testing.T) (*Store, *store.MockStore, *time.Time) {
	t.Helper()
	backing := store.NewMockStore()
	s := New(backing, nil, nil)
	clock := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, backing, &clock
}

func TestWrite_Versions(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	first, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "k", Value: "v1", WrittenBy: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	*clock = clock.Add(time.Second)
	second, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "k", Value: "v2", WrittenBy: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)

	got, ok := s.Read(ctx, "ns", "k")
	require.True(t, ok)
	assert.Equal(t, "v2", got.Value)
	assert.Equal(t, "b", got.WrittenBy)
	assert.Equal(t, int64(2), got.Version)

	other, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "other", Value: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Version)
}

func TestWrite_InvalidKey(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Write(context.Background(), WriteRequest{Namespace: "", Key: "k"})
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.Write(context.Background(), WriteRequest{Namespace: "ns", Key: ""})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestRead_TTLExpiry(t *testing.T) {
	s := New(store.NewMockStore(), nil, nil)
	ctx := context.Background()

	_, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "k", Value: "soon gone", TTL: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	_, ok := s.Read(ctx, "ns", "k")
	assert.False(t, ok)
}

func TestRead_EvictsExpiredFromStorage(t *testing.T) {
	s, backing, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "k", Value: "x", TTL: time.Minute})
	require.NoError(t, err)

	stored, err := backing.ListContextEntries(ctx, "ns")
	require.NoError(t, err)
	require.Len(t, stored, 1)

	*clock = clock.Add(time.Minute)
	_, ok := s.Read(ctx, "ns", "k")
	assert.False(t, ok)

	stored, err = backing.ListContextEntries(ctx, "ns")
	require.NoError(t, err)
	assert.Empty(t, stored)

	again, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "k", Value: "y"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Version)
}

func TestWrite_VersionRestartsAfterExpiryOrDelete(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "k", Value: "a", TTL: time.Minute})
	require.NoError(t, err)
	second, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "k", Value: "b", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)

	*clock = clock.Add(2 * time.Minute)
	rewritten, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "k", Value: "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rewritten.Version)

	require.True(t, s.DeleteKey(ctx, "ns", "k"))
	afterDelete, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "k", Value: "d"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), afterDelete.Version)
}

func TestValues_AreCopiedOnWriteAndRead(t *testing.T) {
	s, backing, _ := newTestStore(t)
	ctx := context.Background()

	value := map[string]any{"a": 1, "list": []any{"x"}}
	written, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "k", Value: value})
	require.NoError(t, err)
	value["a"] = 2
	written.Value.(map[string]any)["a"] = 3

	got, ok := s.Read(ctx, "ns", "k")
	require.True(t, ok)
	got.Value.(map[string]any)["a"] = 999
	got.Value.(map[string]any)["list"].([]any)[0] = "y"

	listed := s.ReadNamespace(ctx, "ns")
	require.Len(t, listed, 1)
	listed[0].Value.(map[string]any)["a"] = 1000

	again, ok := s.Read(ctx, "ns", "k")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": 1, "list": []any{"x"}}, again.Value)
	assert.Equal(t, int64(1), again.Version)

	stored, err := backing.ListContextEntries(ctx, "ns")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 1, stored[0].Value.(map[string]any)["a"])
}

func TestReadNamespace_NewestFirstSkipsExpired(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	s.Write(ctx, WriteRequest{Namespace: "ns", Key: "old", Value: 1})
	*clock = clock.Add(time.Second)
	s.Write(ctx, WriteRequest{Namespace: "ns", Key: "short", Value: 2, TTL: 2 * time.Second})
	*clock = clock.Add(time.Second)
	s.Write(ctx, WriteRequest{Namespace: "ns", Key: "new", Value: 3})

	entries := s.ReadNamespace(ctx, "ns")
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"new", "short", "old"}, []string{entries[0].Key, entries[1].Key, entries[2].Key})

	*clock = clock.Add(5 * time.Second)
	entries = s.ReadNamespace(ctx, "ns")
	require.Len(t, entries, 2)
	assert.Equal(t, "new", entries[0].Key)

	assert.Nil(t, s.ReadNamespace(ctx, "missing"))
}

func TestListNamespaces(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	s.Write(ctx, WriteRequest{Namespace: "alpha", Key: "k", Value: 1})
	*clock = clock.Add(time.Second)
	s.Write(ctx, WriteRequest{Namespace: "beta", Key: "k", Value: 1})
	s.Write(ctx, WriteRequest{Namespace: "beta", Key: "k2", Value: 1})

	namespaces := s.ListNamespaces()
	require.Len(t, namespaces, 2)
	assert.Equal(t, "beta", namespaces[0].Name)
	assert.Equal(t, 2, namespaces[0].Entries)
	assert.Equal(t, "alpha", namespaces[1].Name)
	assert.True(t, namespaces[1].CreatedAt.Before(namespaces[0].CreatedAt))
}

func TestDeleteAndClear(t *testing.T) {
	s, backing, _ := newTestStore(t)
	ctx := context.Background()

	s.Write(ctx, WriteRequest{Namespace: "ns", Key: "a", Value: 1})
	s.Write(ctx, WriteRequest{Namespace: "ns", Key: "b", Value: 2})

	assert.True(t, s.DeleteKey(ctx, "ns", "a"))
	assert.False(t, s.DeleteKey(ctx, "ns", "a"))
	assert.False(t, s.DeleteKey(ctx, "nope", "a"))
	_, ok := s.Read(ctx, "ns", "a")
	assert.False(t, ok)

	assert.Equal(t, 1, s.ClearNamespace(ctx, "ns"))
	assert.Equal(t, 0, s.ClearNamespace(ctx, "ns"))
	assert.Empty(t, s.ListNamespaces())

	stored, err := backing.ListContextEntries(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestHydrate(t *testing.T) {
	backing := store.NewMockStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	past := base.Add(-time.Minute)

	require.NoError(t, backing.SaveContextEntry(ctx, &store.ContextEntry{
		Namespace: "ns", Key: "live", Value: "x", WrittenAt: base.Add(-time.Hour), Version: 3,
	}))
	require.NoError(t, backing.SaveContextEntry(ctx, &store.ContextEntry{
		Namespace: "ns", Key: "dead", Value: "y", WrittenAt: base.Add(-time.Hour), ExpiresAt: &past, Version: 1,
	}))

	s := New(backing, nil, nil)
	s.now = func() time.Time { return base }

	n, err := s.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "live", Value: "z"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), entry.Version)

	stored, err := backing.ListContextEntries(ctx, "ns")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestWrite_ConcurrentVersionsAreUnique(t *testing.T) {
	s := New(store.NewMockStore(), nil, nil)
	ctx := context.Background()

	const writers = 50
	versions := make(chan int64, writers)
	var wg sync.WaitGroup
	for range writers {
		wg.Go(func() {
			e, err := s.Write(ctx, WriteRequest{Namespace: "ns", Key: "k", Value: "v"})
			assert.NoError(t, err)
			versions <- e.Version
		})
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v])
		seen[v] = true
	}
	assert.Len(t, seen, writers)
	got, ok := s.Read(ctx, "ns", "k")
	require.True(t, ok)
	assert.Equal(t, int64(writers), got.Version)
}

func TestWrite_PublishesEvent(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _, err := s.Events().Subscribe(ctx, "ns")
	require.NoError(t, err)

	_, err = s.Write(ctx, WriteRequest{Namespace: "ns", Key: "k", Value: 1, WrittenBy: "agent"})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, EventWrite, ev.Type)
		payload := ev.Payload.(map[string]any)
		assert.Equal(t, int64(1), payload["version"])
	case <-time.After(time.Second):
		t.Fatal("no write event")
	}
}

func TestNew_PrivateBroadcasterLogsOneComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s := New(store.NewMockStore(), nil, logger)
	s.Events().Close()

	line := strings.TrimSpace(buf.String())
	require.Contains(t, line, "broadcaster closed")
	assert.Equal(t, 1, strings.Count(line, `"component":`), line)
}
