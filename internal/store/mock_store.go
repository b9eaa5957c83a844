// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	runs          map[string]*SubagentRun     // keyed by run ID
	contexts      map[string]*ContextEntry    // keyed by "namespace\x00key"
	coordinations map[string]*CoordinatedTask // keyed by coordination ID

	// SaveErr, when set, is returned by every Save* call.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		runs:          make(map[string]*SubagentRun),
		contexts:      make(map[string]*ContextEntry),
		coordinations: make(map[string]*CoordinatedTask),
	}
}

func contextKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// SaveRun stores a copy of the run.
func (m *MockStore) SaveRun(ctx context.Context, run *SubagentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.runs[run.RunID] = run.Clone()
	return nil
}

// GetRun retrieves a copy of a run by ID.
func (m *MockStore) GetRun(ctx context.Context, runID string) (*SubagentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

// ListRuns returns filtered runs newest first.
func (m *MockStore) ListRuns(ctx context.Context, filter RunFilter) ([]*SubagentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []*SubagentRun
	for _, run := range m.runs {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, run.Status) {
			continue
		}
		if filter.ParentSessionID != "" && run.ParentSessionID != filter.ParentSessionID {
			continue
		}
		runs = append(runs, run.Clone())
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// MarkInterruptedRuns stops every non-terminal run.
func (m *MockStore) MarkInterruptedRuns(ctx context.Context, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, run := range m.runs {
		if run.Status.IsTerminal() {
			continue
		}
		run.Status = RunStatusStopped
		run.Error = reason
		if run.EndedAt == nil {
			t := at
			run.EndedAt = &t
		}
		n++
	}
	return n, nil
}

// SaveContextEntry stores a copy of the entry.
func (m *MockStore) SaveContextEntry(ctx context.Context, entry *ContextEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.contexts[contextKey(entry.Namespace, entry.Key)] = entry.Clone()
	return nil
}

// DeleteContextEntry removes a single key.
func (m *MockStore) DeleteContextEntry(ctx context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.contexts, contextKey(namespace, key))
	return nil
}

// DeleteContextNamespace removes every key in a namespace.
func (m *MockStore) DeleteContextNamespace(ctx context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, entry := range m.contexts {
		if entry.Namespace == namespace {
			delete(m.contexts, k)
		}
	}
	return nil
}

// ListContextEntries returns entries newest-write-first.
func (m *MockStore) ListContextEntries(ctx context.Context, namespace string) ([]*ContextEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []*ContextEntry
	for _, entry := range m.contexts {
		if namespace != "" && entry.Namespace != namespace {
			continue
		}
		entries = append(entries, entry.Clone())
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].WrittenAt.After(entries[j].WrittenAt)
	})
	return entries, nil
}

// SaveCoordination stores a copy of the batch.
func (m *MockStore) SaveCoordination(ctx context.Context, task *CoordinatedTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.coordinations[task.CoordinationID] = task.Clone()
	return nil
}

// GetCoordination retrieves a copy of a batch.
func (m *MockStore) GetCoordination(ctx context.Context, coordinationID string) (*CoordinatedTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.coordinations[coordinationID]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// ListCoordinations returns batches newest first.
func (m *MockStore) ListCoordinations(ctx context.Context, limit int) ([]*CoordinatedTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]*CoordinatedTask, 0, len(m.coordinations))
	for _, task := range m.coordinations {
		tasks = append(tasks, task.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// ListOpenCoordinations returns unfinalized batches newest first.
func (m *MockStore) ListOpenCoordinations(ctx context.Context) ([]*CoordinatedTask, error) {
	all, err := m.ListCoordinations(ctx, 0)
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, task := range all {
		if task.CompletedAt == nil {
			open = append(open, task)
		}
	}
	return open, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface check
var _ Store = (*MockStore)(nil)
