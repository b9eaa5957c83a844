// ABOUTME: Subagent run registry with lifecycle state machine and cancellation
// ABOUTME: In-memory source of truth mirrored best-effort to durable storage

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/store"
)

// Event types published by the registry.
const (
	EventRunCreated   = "run_created"
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunError     = "run_error"
	EventRunStopped   = "run_stopped"
	EventRunPaused    = "run_paused"
)

// RecoveryMessage is recorded on runs that a previous process left unfinished.
const RecoveryMessage = "interrupted: coordinator restarted before the run finished"

var (
	// ErrRunNotFound is returned when a run is neither in memory nor in storage.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunStopped is the cancellation cause of a stopped run.
	ErrRunStopped = errors.New("run stopped")

	errRunFinished = errors.New("run finished")
)

var sessionKeyUnsafe = regexp.MustCompile(`[^a-z0-9_-]+`)

// RunDetails carries optional fields merged into a run on a status update.
// Zero values are ignored.
type RunDetails struct {
	Result       string
	Error        string
	InputTokens  int64
	OutputTokens int64
	Model        string
}

// Registry is the lifecycle table for subagent runs.
type Registry struct {
	mu      sync.RWMutex
	runs    map[string]*store.SubagentRun
	tokens  map[string]context.Context
	cancels map[string]context.CancelCauseFunc

	store  store.RunStore
	events *events.Broadcaster
	logger *slog.Logger
	now    func() time.Time
}

// New creates a registry backed by runStore. A nil broadcaster gets a private
// one; pass nil logger for default.
func New(runStore store.RunStore, broadcaster *events.Broadcaster, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = events.NewBroadcaster("registry", events.DefaultMaxSubscribers, logger)
	}
	logger = logger.With("component", "registry")
	return &Registry{
		runs:    make(map[string]*store.SubagentRun),
		tokens:  make(map[string]context.Context),
		cancels: make(map[string]context.CancelCauseFunc),
		store:   runStore,
		events:  broadcaster,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Events returns the broadcaster carrying run lifecycle events.
func (r *Registry) Events() *events.Broadcaster {
	return r.events
}

// ChildSessionKey derives the globally addressable session key of a run.
func ChildSessionKey(agentID, runID string) string {
	agent := sessionKeyUnsafe.ReplaceAllString(strings.ToLower(agentID), "-")
	agent = strings.Trim(agent, "-")
	if agent == "" {
		agent = "unknown"
	}
	short := strings.ReplaceAll(runID, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("agent:%s:subagent:%s", agent, short)
}

// Recover stops every run a previous process left pending, running or paused.
// Call it once at startup, before any run is registered.
func (r *Registry) Recover(ctx context.Context) (int64, error) {
	n, err := r.store.MarkInterruptedRuns(ctx, RecoveryMessage, r.now())
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted runs: %w", err)
	}
	if n > 0 {
		r.logger.Warn("stopped runs left over from previous process", "count", n)
	}
	return n, nil
}

// RegisterRun creates a pending run and its cancellation token.
func (r *Registry) RegisterRun(ctx context.Context, parentSessionID, agentID, task, model string) *store.SubagentRun {
	runID := uuid.New().String()
	run := &store.SubagentRun{
		RunID:           runID,
		ParentSessionID: parentSessionID,
		ChildSessionKey: ChildSessionKey(agentID, runID),
		AgentID:         agentID,
		Task:            task,
		Status:          store.RunStatusPending,
		CreatedAt:       r.now(),
		Model:           model,
	}

	token, cancel := context.WithCancelCause(context.Background())

	r.mu.Lock()
	r.runs[runID] = run
	r.tokens[runID] = token
	r.cancels[runID] = cancel
	r.persist(ctx, run)
	snapshot := run.Clone()
	r.mu.Unlock()

	r.logger.Info("run registered", "run_id", runID, "agent_id", agentID, "parent", parentSessionID)
	r.events.Publish(EventRunCreated, parentSessionID, snapshot)
	return snapshot.Clone()
}

// UpdateRunStatus applies a status transition and merges details. It reports
// whether the transition was applied; unknown runs, terminal runs and
// disallowed transitions are no-ops.
func (r *Registry) UpdateRunStatus(ctx context.Context, runID string, status store.RunStatus, details *RunDetails) bool {
	r.mu.Lock()
	run, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("status update for unknown run", "run_id", runID, "status", status)
		return false
	}
	if !r.transitionLocked(run, status, details) {
		r.mu.Unlock()
		r.logger.Debug("ignored status update", "run_id", runID, "from", run.Status, "to", status)
		return false
	}
	if status.IsTerminal() {
		r.cancelLocked(runID, status)
	}
	r.persist(ctx, run)
	snapshot := run.Clone()
	r.mu.Unlock()

	r.logger.Info("run status changed", "run_id", runID, "status", status)
	if eventType := eventForStatus(status); eventType != "" {
		r.events.Publish(eventType, snapshot.ParentSessionID, snapshot)
	}
	return true
}

// StopRun fires the run's cancellation token and moves it to stopped.
// It returns false if the run is unknown or already terminal.
func (r *Registry) StopRun(ctx context.Context, runID string) bool {
	return r.UpdateRunStatus(ctx, runID, store.RunStatusStopped, &RunDetails{Error: "stopped by request"})
}

// PauseRun moves a running run to paused.
func (r *Registry) PauseRun(ctx context.Context, runID string) bool {
	r.mu.RLock()
	run, ok := r.runs[runID]
	running := ok && run.Status == store.RunStatusRunning
	r.mu.RUnlock()
	if !running {
		return false
	}
	return r.UpdateRunStatus(ctx, runID, store.RunStatusPaused, nil)
}

// ResumeRun moves a paused run back to running.
func (r *Registry) ResumeRun(ctx context.Context, runID string) bool {
	r.mu.RLock()
	run, ok := r.runs[runID]
	paused := ok && run.Status == store.RunStatusPaused
	r.mu.RUnlock()
	if !paused {
		return false
	}
	return r.UpdateRunStatus(ctx, runID, store.RunStatusRunning, nil)
}

// GetRun returns a copy of a run, falling back to storage for runs of a
// previous process.
func (r *Registry) GetRun(ctx context.Context, runID string) (*store.SubagentRun, error) {
	r.mu.RLock()
	run, ok := r.runs[runID]
	if ok {
		snapshot := run.Clone()
		r.mu.RUnlock()
		return snapshot, nil
	}
	r.mu.RUnlock()

	stored, err := r.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return stored, nil
}

// RunStatus returns the in-memory status of a run.
func (r *Registry) RunStatus(runID string) (store.RunStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[runID]
	if !ok {
		return "", false
	}
	return run.Status, true
}

// GetActiveRuns returns non-terminal runs oldest first, optionally scoped to one parent session.
func (r *Registry) GetActiveRuns(parentSessionID string) []*store.SubagentRun {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*store.SubagentRun
	for _, run := range r.runs {
		if run.Status.IsTerminal() {
			continue
		}
		if parentSessionID != "" && run.ParentSessionID != parentSessionID {
			continue
		}
		active = append(active, run.Clone())
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active
}

// GetAllRuns lists runs from durable storage, most recent first.
func (r *Registry) GetAllRuns(ctx context.Context, filter store.RunFilter) ([]*store.SubagentRun, error) {
	runs, err := r.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// CancellationToken returns the context cancelled when the run stops or
// finishes. context.Cause reports ErrRunStopped for stopped runs.
func (r *Registry) CancellationToken(runID string) (context.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	token, ok := r.tokens[runID]
	return token, ok
}

// transitionLocked mutates run in place. Caller holds r.mu.
func (r *Registry) transitionLocked(run *store.SubagentRun, status store.RunStatus, details *RunDetails) bool {
	if run.Status.IsTerminal() || !status.Valid() {
		return false
	}
	switch status {
	case store.RunStatusPending:
		return false
	case store.RunStatusPaused:
		if run.Status != store.RunStatusRunning {
			return false
		}
	case store.RunStatusRunning:
		if run.Status != store.RunStatusPending && run.Status != store.RunStatusPaused {
			return false
		}
	}

	now := r.now()
	run.Status = status
	if status == store.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if status.IsTerminal() && run.EndedAt == nil {
		run.EndedAt = &now
	}

	if details != nil {
		if details.Result != "" {
			run.Result = details.Result
		}
		if details.Error != "" {
			run.Error = details.Error
		}
		if details.InputTokens > 0 {
			run.InputTokens = details.InputTokens
		}
		if details.OutputTokens > 0 {
			run.OutputTokens = details.OutputTokens
		}
		if details.Model != "" {
			run.Model = details.Model
		}
	}
	return true
}

// cancelLocked fires and forgets the run's cancel func. Caller holds r.mu.
func (r *Registry) cancelLocked(runID string, status store.RunStatus) {
	cancel, ok := r.cancels[runID]
	if !ok {
		return
	}
	if status == store.RunStatusStopped {
		cancel(ErrRunStopped)
	} else {
		cancel(errRunFinished)
	}
	delete(r.cancels, runID)
}

// persist mirrors run to storage. Caller holds r.mu so writes land in mutation order.
func (r *Registry) persist(ctx context.Context, run *store.SubagentRun) {
	if err := r.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		r.logger.Error("failed to persist run", "run_id", run.RunID, "status", run.Status, "error", err)
	}
}

func eventForStatus(status store.RunStatus) string {
	switch status {
	case store.RunStatusRunning:
		return EventRunStarted
	case store.RunStatusCompleted:
		return EventRunCompleted
	case store.RunStatusError:
		return EventRunError
	case store.RunStatusStopped:
		return EventRunStopped
	case store.RunStatusPaused:
		return EventRunPaused
	}
	return ""
}
