// ABOUTME: Fan-out/fan-in orchestration of sub-task batches across agents
// ABOUTME: Registers runs, injects sibling context, executes async, aggregates results

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/registry"
	"github.com/2389/coven-coordinator/internal/store"
)

// Event types published by the coordinator, keyed by coordination ID.
const (
	EventFanOutStarted  = "fanout_started"
	EventRunProgress    = "run_progress"
	EventFanInCompleted = "fanin_completed"
	EventFanOutStopped  = "fanout_stopped"
)

const (
	// DefaultTimeout is the fan-in deadline when neither caller nor config sets one.
	DefaultTimeout = 2 * time.Minute

	// DefaultPollInterval is how often FanIn checks run status.
	DefaultPollInterval = 500 * time.Millisecond
)

var (
	ErrNoTasks              = errors.New("no tasks to fan out")
	ErrSpawnNotAllowed      = errors.New("spawn not allowed")
	ErrAgentUnavailable     = errors.New("agent missing or disabled")
	ErrCoordinationNotFound = errors.New("coordination not found")
)

// Options tune fan-in behaviour.
type Options struct {
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	// StopOnTimeout stops runs still going when the fan-in deadline fires.
	StopOnTimeout bool
}

// Config wires a Coordinator to its collaborators.
type Config struct {
	Registry *registry.Registry
	Executor Executor
	Policy   Policy
	// Store mirrors batches for history across restarts. Optional.
	Store   store.CoordinationStore
	Events  *events.Broadcaster
	Options Options
	Logger  *slog.Logger
}

// Sibling describes another sub-task of the same batch.
type Sibling struct {
	AgentID    string `json:"agent_id"`
	SessionKey string `json:"session_key"`
	Label      string `json:"label,omitempty"`
	Task       string `json:"task"`
}

// Coordinator orchestrates fan-out batches.
type Coordinator struct {
	mu    sync.Mutex
	tasks map[string]*store.CoordinatedTask

	registry *registry.Registry
	executor Executor
	policy   Policy
	store    store.CoordinationStore
	events   *events.Broadcaster
	opts     Options
	logger   *slog.Logger

	inflight sync.WaitGroup
	now      func() time.Time
}

// New creates a coordinator. Registry, Executor and Policy are required.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("coordinator: registry is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("coordinator: executor is required")
	}
	if cfg.Policy == nil {
		return nil, errors.New("coordinator: policy is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.NewBroadcaster("coordinator", events.DefaultMaxSubscribers, logger)
	}
	logger = logger.With("component", "coordinator")

	if cfg.Options.PollInterval <= 0 {
		cfg.Options.PollInterval = DefaultPollInterval
	}
	if cfg.Options.DefaultTimeout <= 0 {
		cfg.Options.DefaultTimeout = DefaultTimeout
	}

	return &Coordinator{
		tasks:    make(map[string]*store.CoordinatedTask),
		registry: cfg.Registry,
		executor: cfg.Executor,
		policy:   cfg.Policy,
		store:    cfg.Store,
		events:   cfg.Events,
		opts:     cfg.Options,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Events returns the broadcaster carrying fan-out lifecycle events.
func (c *Coordinator) Events() *events.Broadcaster {
	return c.events
}

// FanOut validates, registers and starts every sub-task, returning the
// running batch without waiting for results. A zero timeout uses the default.
func (c *Coordinator) FanOut(ctx context.Context, parentSessionID, sourceAgentID string, tasks []store.TaskSpec, timeout time.Duration) (*store.CoordinatedTask, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}

	models := make([]string, len(tasks))
	for i, t := range tasks {
		if !c.policy.IsSpawnAllowed(sourceAgentID, t.AgentID) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrSpawnNotAllowed, sourceAgentID, t.AgentID)
		}
		agent, ok := c.policy.AgentConfig(t.AgentID)
		if !ok || !agent.Enabled {
			return nil, fmt.Errorf("%w: %s", ErrAgentUnavailable, t.AgentID)
		}
		models[i] = t.Model
		if models[i] == "" {
			models[i] = agent.Model
		}
	}

	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}

	coordinationID := uuid.New().String()

	// Every run is registered before any starts so sibling session keys are stable.
	runs := make([]*store.SubagentRun, len(tasks))
	for i, t := range tasks {
		runs[i] = c.registry.RegisterRun(ctx, parentSessionID, t.AgentID, t.Task, models[i])
	}

	batch := &store.CoordinatedTask{
		CoordinationID:  coordinationID,
		ParentSessionID: parentSessionID,
		SourceAgentID:   sourceAgentID,
		Tasks:           append([]store.TaskSpec(nil), tasks...),
		Status:          store.CoordinationRunning,
		RunIDs:          make([]string, len(runs)),
		CreatedAt:       c.now(),
		TimeoutMs:       timeout.Milliseconds(),
	}
	for i, run := range runs {
		batch.RunIDs[i] = run.RunID
	}

	c.mu.Lock()
	c.tasks[coordinationID] = batch
	c.persist(ctx, batch)
	snapshot := batch.Clone()
	c.mu.Unlock()

	c.logger.Info("fan-out started",
		"coordination_id", coordinationID,
		"source_agent", sourceAgentID,
		"tasks", len(tasks),
		"timeout", timeout,
	)
	c.events.Publish(EventFanOutStarted, coordinationID, snapshot)

	for i, run := range runs {
		prompt := buildPrompt(coordinationID, run, tasks[i], buildSiblings(tasks, runs, i))
		if !c.registry.UpdateRunStatus(ctx, run.RunID, store.RunStatusRunning, nil) {
			// Stopped between registration and start.
			continue
		}
		c.inflight.Add(1)
		go c.execute(coordinationID, run, prompt, models[i])
	}

	return snapshot, nil
}

// execute runs one sub-task. Failures and panics become run errors.
func (c *Coordinator) execute(coordinationID string, run *store.SubagentRun, prompt, model string) {
	defer c.inflight.Done()

	ctx, ok := c.registry.CancellationToken(run.RunID)
	if !ok {
		ctx = context.Background()
	}
	logger := c.logger.With("coordination_id", coordinationID, "run_id", run.RunID, "agent_id", run.AgentID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("executor panicked", "panic", r)
			c.registry.UpdateRunStatus(context.Background(), run.RunID, store.RunStatusError,
				&registry.RunDetails{Error: fmt.Sprintf("executor panic: %v", r)})
		}
	}()

	opts := ExecuteOptions{
		Model: model,
		OnProgress: func(p ProgressEvent) {
			c.events.Publish(EventRunProgress, coordinationID, map[string]any{
				"run_id":   run.RunID,
				"agent_id": run.AgentID,
				"kind":     p.Kind,
				"text":     p.Text,
			})
		},
	}

	result, err := c.executor.Execute(ctx, run.ChildSessionKey, prompt, opts)
	if err != nil {
		if errors.Is(context.Cause(ctx), registry.ErrRunStopped) {
			logger.Info("execution ended after stop", "error", err)
		} else {
			logger.Warn("execution failed", "error", err)
		}
		c.registry.UpdateRunStatus(context.Background(), run.RunID, store.RunStatusError,
			&registry.RunDetails{Error: err.Error()})
		return
	}
	if result == nil {
		result = &ExecuteResult{}
	}

	c.registry.UpdateRunStatus(context.Background(), run.RunID, store.RunStatusCompleted, &registry.RunDetails{
		Result:       result.Content,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		Model:        result.Model,
	})
	logger.Debug("execution completed", "output_tokens", result.OutputTokens)
}

// FanIn blocks until every run of the batch is terminal or the batch deadline
// fires, then finalizes the batch. The deadline is measured from the FanIn
// call. A finalized batch is returned as is.
func (c *Coordinator) FanIn(ctx context.Context, coordinationID string) (*store.CoordinatedTask, error) {
	if err := c.adopt(ctx, coordinationID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	batch := c.tasks[coordinationID]
	if batch.CompletedAt != nil {
		snapshot := batch.Clone()
		c.mu.Unlock()
		return snapshot, nil
	}
	runIDs := append([]string(nil), batch.RunIDs...)
	timeout := time.Duration(batch.TimeoutMs) * time.Millisecond
	c.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	timedOut := false
poll:
	for !c.allTerminal(runIDs) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			timedOut = true
			break poll
		case <-ticker.C:
		}
	}

	if timedOut {
		c.logger.Warn("fan-in deadline reached", "coordination_id", coordinationID, "timeout", timeout)
	}
	return c.finalize(ctx, coordinationID, timedOut, false)
}

func (c *Coordinator) allTerminal(runIDs []string) bool {
	for _, id := range runIDs {
		status, ok := c.registry.RunStatus(id)
		if ok && !status.IsTerminal() {
			return false
		}
	}
	return true
}

// finalize builds results, status and report exactly once per batch.
func (c *Coordinator) finalize(ctx context.Context, coordinationID string, timedOut, stopped bool) (*store.CoordinatedTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch, ok := c.tasks[coordinationID]
	if !ok {
		return nil, ErrCoordinationNotFound
	}
	if batch.CompletedAt != nil {
		return batch.Clone(), nil
	}

	now := c.now()
	results := make([]store.FanOutResult, len(batch.RunIDs))
	completed := 0
	for i, runID := range batch.RunIDs {
		res := store.FanOutResult{
			AgentID: batch.Tasks[i].AgentID,
			RunID:   runID,
			Label:   batch.Tasks[i].Label,
		}

		run, err := c.registry.GetRun(ctx, runID)
		if err != nil {
			res.Status = store.ResultError
			res.Error = err.Error()
			results[i] = res
			continue
		}

		res.InputTokens = run.InputTokens
		res.OutputTokens = run.OutputTokens
		res.DurationMs = runDuration(run, now).Milliseconds()

		switch run.Status {
		case store.RunStatusCompleted:
			res.Status = store.ResultCompleted
			res.Result = run.Result
			completed++
		case store.RunStatusError:
			res.Status = store.ResultError
			res.Error = run.Error
		case store.RunStatusStopped:
			res.Status = store.ResultStopped
			res.Error = run.Error
		default:
			res.Status = store.ResultTimeout
			res.Error = fmt.Sprintf("still %s after %s", run.Status, time.Duration(batch.TimeoutMs)*time.Millisecond)
			if timedOut && c.opts.StopOnTimeout {
				c.registry.StopRun(ctx, runID)
			}
		}
		results[i] = res
	}

	switch {
	case stopped:
		batch.Status = store.CoordinationError
	case completed == len(results):
		batch.Status = store.CoordinationCompleted
	case completed > 0:
		batch.Status = store.CoordinationPartial
	default:
		batch.Status = store.CoordinationError
	}
	batch.Results = results
	batch.CompletedAt = &now
	batch.AggregatedResult = BuildReport(batch)

	c.persist(ctx, batch)
	snapshot := batch.Clone()

	c.logger.Info("fan-in completed",
		"coordination_id", coordinationID,
		"status", batch.Status,
		"completed", completed,
		"total", len(results),
	)
	eventType := EventFanInCompleted
	if stopped {
		eventType = EventFanOutStopped
	}
	c.events.Publish(eventType, coordinationID, snapshot)

	return snapshot, nil
}

func runDuration(run *store.SubagentRun, now time.Time) time.Duration {
	start := run.CreatedAt
	if run.StartedAt != nil {
		start = *run.StartedAt
	}
	end := now
	if run.EndedAt != nil {
		end = *run.EndedAt
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// StopCoordinatedTask stops every non-terminal run of the batch and finalizes
// it with status error. Finalized batches keep their recorded outcome; only
// runs left going after their deadline are stopped.
func (c *Coordinator) StopCoordinatedTask(ctx context.Context, coordinationID string) (*store.CoordinatedTask, error) {
	if err := c.adopt(ctx, coordinationID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	batch := c.tasks[coordinationID]
	runIDs := append([]string(nil), batch.RunIDs...)
	c.mu.Unlock()

	stoppedRuns := 0
	for _, runID := range runIDs {
		if c.registry.StopRun(ctx, runID) {
			stoppedRuns++
		}
	}
	c.logger.Info("coordination stopped", "coordination_id", coordinationID, "runs_stopped", stoppedRuns)

	return c.finalize(ctx, coordinationID, false, true)
}

// adopt loads a batch persisted by a previous process into memory so it can
// be waited on or stopped like one of ours.
func (c *Coordinator) adopt(ctx context.Context, coordinationID string) error {
	c.mu.Lock()
	_, ok := c.tasks[coordinationID]
	c.mu.Unlock()
	if ok {
		return nil
	}
	if c.store == nil {
		return ErrCoordinationNotFound
	}

	stored, err := c.store.GetCoordination(ctx, coordinationID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrCoordinationNotFound
	}
	if err != nil {
		return fmt.Errorf("loading coordination: %w", err)
	}

	c.mu.Lock()
	if _, ok := c.tasks[coordinationID]; !ok {
		c.tasks[coordinationID] = stored
	}
	c.mu.Unlock()
	return nil
}

// Recover finalizes batches a previous process left open. Run it after the
// registry has marked interrupted runs stopped: each such batch ends with
// status error and a report listing its runs as stopped.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	open, err := c.store.ListOpenCoordinations(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing open coordinations: %w", err)
	}

	recovered := 0
	for _, stored := range open {
		c.mu.Lock()
		_, running := c.tasks[stored.CoordinationID]
		if !running {
			c.tasks[stored.CoordinationID] = stored
		}
		c.mu.Unlock()
		if running {
			continue
		}
		if _, err := c.finalize(ctx, stored.CoordinationID, false, true); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.Warn("finalized interrupted coordinations", "count", recovered)
	}
	return recovered, nil
}

// StopAll stops and finalizes every open batch. It is used at shutdown so no
// batch is persisted without a completion time.
func (c *Coordinator) StopAll(ctx context.Context) int {
	c.mu.Lock()
	var open []string
	for id, batch := range c.tasks {
		if batch.CompletedAt == nil {
			open = append(open, id)
		}
	}
	c.mu.Unlock()

	stopped := 0
	for _, id := range open {
		if _, err := c.StopCoordinatedTask(ctx, id); err != nil {
			c.logger.Warn("failed to stop coordination", "coordination_id", id, "error", err)
			continue
		}
		stopped++
	}
	return stopped
}

// GetCoordinatedTask returns a batch from memory, or from storage for
// batches of a previous process.
func (c *Coordinator) GetCoordinatedTask(ctx context.Context, coordinationID string) (*store.CoordinatedTask, error) {
	c.mu.Lock()
	batch, ok := c.tasks[coordinationID]
	if ok {
		snapshot := batch.Clone()
		c.mu.Unlock()
		return snapshot, nil
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil, ErrCoordinationNotFound
	}
	stored, err := c.store.GetCoordination(ctx, coordinationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCoordinationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading coordination: %w", err)
	}
	return stored, nil
}

// ListCoordinatedTasks returns batches most recent first. In-memory batches
// take precedence over their stored copies.
func (c *Coordinator) ListCoordinatedTasks(ctx context.Context, limit int) []*store.CoordinatedTask {
	byID := make(map[string]*store.CoordinatedTask)

	if c.store != nil {
		stored, err := c.store.ListCoordinations(ctx, limit)
		if err != nil {
			c.logger.Warn("failed to list stored coordinations", "error", err)
		}
		for _, t := range stored {
			byID[t.CoordinationID] = t
		}
	}

	c.mu.Lock()
	for id, t := range c.tasks {
		byID[id] = t.Clone()
	}
	c.mu.Unlock()

	list := make([]*store.CoordinatedTask, 0, len(byID))
	for _, t := range byID {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// Wait blocks until every in-flight execution has returned or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist mirrors a batch to storage. Caller holds c.mu.
func (c *Coordinator) persist(ctx context.Context, batch *store.CoordinatedTask) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveCoordination(context.WithoutCancel(ctx), batch); err != nil {
		c.logger.Error("failed to persist coordination", "coordination_id", batch.CoordinationID, "error", err)
	}
}

func buildSiblings(tasks []store.TaskSpec, runs []*store.SubagentRun, self int) []Sibling {
	siblings := make([]Sibling, 0, len(tasks)-1)
	for i, t := range tasks {
		if i == self {
			continue
		}
		siblings = append(siblings, Sibling{
			AgentID:    t.AgentID,
			SessionKey: runs[i].ChildSessionKey,
			Label:      t.Label,
			Task:       t.Task,
		})
	}
	return siblings
}

func buildPrompt(coordinationID string, run *store.SubagentRun, task store.TaskSpec, siblings []Sibling) string {
	var b strings.Builder
	b.WriteString(task.Task)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "Coordination: %s\n", coordinationID)
	fmt.Fprintf(&b, "Your session: %s\n", run.ChildSessionKey)
	fmt.Fprintf(&b, "Shared context namespace: %s\n", coordinationID)

	if len(siblings) == 0 {
		return b.String()
	}

	b.WriteString("\nOther agents working on this coordination in parallel:\n")
	for _, s := range siblings {
		if s.Label != "" {
			fmt.Fprintf(&b, "- %s [%s] (session %s): %s\n", s.AgentID, s.Label, s.SessionKey, s.Task)
		} else {
			fmt.Fprintf(&b, "- %s (session %s): %s\n", s.AgentID, s.SessionKey, s.Task)
		}
	}
	b.WriteString("\nYou may read and write the shared namespace or message these sessions if it helps. It is optional.\n")
	return b.String()
}
