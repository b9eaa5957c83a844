// ABOUTME: Namespaced versioned key-value store with lazy TTL eviction
// ABOUTME: In-memory namespaces mirrored best-effort to store.ContextStore

package sharedctx

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/store"
)

// Event types published by the shared context store, keyed by namespace.
const (
	EventWrite   = "write"
	EventDelete  = "delete"
	EventCleared = "cleared"
)

// ErrInvalidKey is returned when a namespace or key is empty.
var ErrInvalidKey = errors.New("namespace and key are required")

// WriteRequest is one upsert.
type WriteRequest struct {
	Namespace string         `json:"namespace"`
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	WrittenBy string         `json:"written_by"`
	TTL       time.Duration  `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Namespace summarizes one namespace.
type Namespace struct {
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Entries       int       `json:"entries"`
}

type namespace struct {
	createdAt     time.Time
	lastUpdatedAt time.Time
	entries       map[string]*store.ContextEntry
}

// Store holds every namespace.
type Store struct {
	mu         sync.Mutex
	namespaces map[string]*namespace

	store  store.ContextStore
	events *events.Broadcaster
	logger *slog.Logger
	now    func() time.Time
}

// New creates a shared context store. A nil broadcaster gets a private one;
// pass nil logger for default.
func New(contextStore store.ContextStore, broadcaster *events.Broadcaster, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = events.NewBroadcaster("context", events.DefaultMaxSubscribers, logger)
	}
	logger = logger.With("component", "sharedctx")
	return &Store{
		namespaces: make(map[string]*namespace),
		store:      contextStore,
		events:     broadcaster,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Events returns the broadcaster carrying context write events.
func (s *Store) Events() *events.Broadcaster {
	return s.events
}

// Hydrate loads non-expired entries from storage. Expired ones are deleted.
func (s *Store) Hydrate(ctx context.Context) (int, error) {
	entries, err := s.store.ListContextEntries(ctx, "")
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	loaded := 0
	for _, e := range entries {
		if expired(e, now) {
			s.deleteStored(ctx, e.Namespace, e.Key)
			continue
		}
		ns := s.namespaceLocked(e.Namespace, e.WrittenAt)
		ns.entries[e.Key] = e
		if ns.createdAt.After(e.WrittenAt) {
			ns.createdAt = e.WrittenAt
		}
		if e.WrittenAt.After(ns.lastUpdatedAt) {
			ns.lastUpdatedAt = e.WrittenAt
		}
		loaded++
	}
	s.logger.Info("shared context hydrated", "entries", loaded)
	return loaded, nil
}

// Write upserts an entry and returns it with its new version. Versions rise
// by one per write while a key is live; once the key expires or is deleted
// the next write starts again at version 1, even if no read evicted it
// first. The value is copied, so later changes to the caller's maps or
// slices do not reach the store.
func (s *Store) Write(ctx context.Context, req WriteRequest) (*store.ContextEntry, error) {
	if req.Namespace == "" || req.Key == "" {
		return nil, ErrInvalidKey
	}

	s.mu.Lock()
	now := s.now()
	ns := s.namespaceLocked(req.Namespace, now)

	version := int64(1)
	if prior, ok := ns.entries[req.Key]; ok && !expired(prior, now) {
		version = prior.Version + 1
	}

	entry := &store.ContextEntry{
		Namespace: req.Namespace,
		Key:       req.Key,
		Value:     req.Value,
		WrittenBy: req.WrittenBy,
		WrittenAt: now,
		Version:   version,
		Metadata:  req.Metadata,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		entry.ExpiresAt = &exp
	}

	entry = entry.Clone()
	ns.entries[req.Key] = entry
	ns.lastUpdatedAt = now
	if err := s.store.SaveContextEntry(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("failed to persist context entry", "namespace", req.Namespace, "key", req.Key, "error", err)
	}
	snapshot := entry.Clone()
	s.mu.Unlock()

	s.logger.Debug("context written", "namespace", req.Namespace, "key", req.Key, "version", version)
	s.events.Publish(EventWrite, req.Namespace, map[string]any{
		"namespace":  req.Namespace,
		"key":        req.Key,
		"version":    version,
		"written_by": req.WrittenBy,
	})
	return snapshot, nil
}

// Read returns the live entry for (namespace, key).
func (s *Store) Read(ctx context.Context, namespace, key string) (*store.ContextEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[namespace]
	if !ok {
		return nil, false
	}
	entry, ok := ns.entries[key]
	if !ok {
		return nil, false
	}
	if expired(entry, s.now()) {
		delete(ns.entries, key)
		s.deleteStored(ctx, namespace, key)
		return nil, false
	}
	return entry.Clone(), true
}

// ReadNamespace returns the live entries of a namespace, newest write first.
func (s *Store) ReadNamespace(ctx context.Context, namespace string) []*store.ContextEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[namespace]
	if !ok {
		return nil
	}

	now := s.now()
	out := make([]*store.ContextEntry, 0, len(ns.entries))
	for key, entry := range ns.entries {
		if expired(entry, now) {
			delete(ns.entries, key)
			s.deleteStored(ctx, namespace, key)
			continue
		}
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WrittenAt.Equal(out[j].WrittenAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].WrittenAt.After(out[j].WrittenAt)
	})
	return out
}

// ListNamespaces summarizes every namespace, most recently updated first.
func (s *Store) ListNamespaces() []Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]Namespace, 0, len(s.namespaces))
	for name, ns := range s.namespaces {
		live := 0
		for _, e := range ns.entries {
			if !expired(e, now) {
				live++
			}
		}
		out = append(out, Namespace{
			Name:          name,
			CreatedAt:     ns.createdAt,
			LastUpdatedAt: ns.lastUpdatedAt,
			Entries:       live,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdatedAt.Equal(out[j].LastUpdatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt)
	})
	return out
}

// DeleteKey removes one key and reports whether it existed.
func (s *Store) DeleteKey(ctx context.Context, namespace, key string) bool {
	s.mu.Lock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, ok := ns.entries[key]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(ns.entries, key)
	ns.lastUpdatedAt = s.now()
	s.deleteStored(ctx, namespace, key)
	s.mu.Unlock()

	s.events.Publish(EventDelete, namespace, map[string]any{"namespace": namespace, "key": key})
	return true
}

// ClearNamespace drops a namespace and returns how many entries it held.
func (s *Store) ClearNamespace(ctx context.Context, namespace string) int {
	s.mu.Lock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	n := len(ns.entries)
	delete(s.namespaces, namespace)
	if err := s.store.DeleteContextNamespace(context.WithoutCancel(ctx), namespace); err != nil {
		s.logger.Error("failed to clear stored namespace", "namespace", namespace, "error", err)
	}
	s.mu.Unlock()

	s.logger.Info("namespace cleared", "namespace", namespace, "entries", n)
	s.events.Publish(EventCleared, namespace, map[string]any{"namespace": namespace, "entries": n})
	return n
}

// namespaceLocked returns the namespace, creating it lazily. Caller holds s.mu.
func (s *Store) namespaceLocked(name string, at time.Time) *namespace {
	ns, ok := s.namespaces[name]
	if !ok {
		ns = &namespace{
			createdAt:     at,
			lastUpdatedAt: at,
			entries:       make(map[string]*store.ContextEntry),
		}
		s.namespaces[name] = ns
	}
	return ns
}

// deleteStored removes an entry from storage. Caller holds s.mu.
func (s *Store) deleteStored(ctx context.Context, namespace, key string) {
	if err := s.store.DeleteContextEntry(context.WithoutCancel(ctx), namespace, key); err != nil {
		s.logger.Error("failed to delete stored context entry", "namespace", namespace, "key", key, "error", err)
	}
}

func expired(e *store.ContextEntry, now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}
