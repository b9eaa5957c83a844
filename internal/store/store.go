// ABOUTME: Store interfaces and shared errors for coordination persistence
// ABOUTME: Splits persistence into run, shared-context and coordination stores

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// RunFilter narrows ListRuns results. Zero values mean "no filter".
type RunFilter struct {
	Limit           int
	Statuses        []RunStatus
	ParentSessionID string
}

// RunStore persists subagent runs for audit history and crash recovery.
type RunStore interface {
	// SaveRun inserts or replaces the run keyed by RunID.
	SaveRun(ctx context.Context, run *SubagentRun) error
	GetRun(ctx context.Context, runID string) (*SubagentRun, error)
	// ListRuns returns runs most-recent-first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*SubagentRun, error)
	// MarkInterruptedRuns moves every pending, running or paused run to stopped.
	MarkInterruptedRuns(ctx context.Context, reason string, at time.Time) (int64, error)
}

// ContextStore persists shared-context entries keyed by (namespace, key).
type ContextStore interface {
	SaveContextEntry(ctx context.Context, entry *ContextEntry) error
	DeleteContextEntry(ctx context.Context, namespace, key string) error
	DeleteContextNamespace(ctx context.Context, namespace string) error
	// ListContextEntries returns entries of one namespace, or all entries if namespace is empty.
	ListContextEntries(ctx context.Context, namespace string) ([]*ContextEntry, error)
}

// CoordinationStore persists fan-out batches for history.
type CoordinationStore interface {
	SaveCoordination(ctx context.Context, task *CoordinatedTask) error
	GetCoordination(ctx context.Context, coordinationID string) (*CoordinatedTask, error)
	// ListCoordinations returns batches most-recent-first.
	ListCoordinations(ctx context.Context, limit int) ([]*CoordinatedTask, error)
	// ListOpenCoordinations returns batches with no completion time.
	ListOpenCoordinations(ctx context.Context) ([]*CoordinatedTask, error)
}

// Store combines every persistence concern of the coordination core.
type Store interface {
	RunStore
	ContextStore
	CoordinationStore

	// Close releases any resources held by the store
	Close() error
}
