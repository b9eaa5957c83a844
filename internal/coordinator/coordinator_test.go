// ABOUTME: Tests for fan-out/fan-in orchestration
// ABOUTME: Uses fake executor and policy to drive completion, failure, timeout and stop paths

package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coordinator/internal/registry"
	"github.com/2389/coven-coordinator/internal/store"
)

type executeFunc func(ctx context.Context, sessionKey, task string, opts ExecuteOptions) (*ExecuteResult, error)

type fakeExecutor struct {
	mu      sync.Mutex
	fn      executeFunc
	prompts map[string]string // session key -> prompt
	models  map[string]string // session key -> model
}

func newFakeExecutor(fn executeFunc) *fakeExecutor {
	return &fakeExecutor{fn: fn, prompts: make(map[string]string), models: make(map[string]string)}
}

func (f *fakeExecutor) Execute(ctx context.Context, sessionKey, task string, opts ExecuteOptions) (*ExecuteResult, error) {
	f.mu.Lock()
	f.prompts[sessionKey] = task
	f.models[sessionKey] = opts.Model
	f.mu.Unlock()
	return f.fn(ctx, sessionKey, task, opts)
}

func (f *fakeExecutor) prompt(sessionKey string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[sessionKey]
}

func echoExec(ctx context.Context, sessionKey, task string, opts ExecuteOptions) (*ExecuteResult, error) {
	return &ExecuteResult{Content: "done: " + firstLine(task), InputTokens: 3, OutputTokens: 4}, nil
}

// blockExec never finishes on its own.
func blockExec(ctx context.Context, sessionKey, task string, opts ExecuteOptions) (*ExecuteResult, error) {
	<-ctx.Done()
	return nil, context.Cause(ctx)
}

type fakePolicy struct {
	denied map[string]bool
	agents map[string]*AgentConfig
}

func newFakePolicy(ids ...string) *fakePolicy {
	p := &fakePolicy{denied: make(map[string]bool), agents: make(map[string]*AgentConfig)}
	for _, id := range ids {
		p.agents[id] = &AgentConfig{ID: id, Enabled: true}
	}
	return p
}

func (p *fakePolicy) IsSpawnAllowed(source, target string) bool {
	return !p.denied[source+"->"+target]
}

func (p *fakePolicy) AgentConfig(id string) (*AgentConfig, bool) {
	a, ok := p.agents[id]
	return a, ok
}

type harness struct {
	coord    *Coordinator
	registry *registry.Registry
	store    *store.MockStore
	exec     *fakeExecutor
	policy   *fakePolicy
}

func newHarness(t *testing.T, fn executeFunc, opts Options) *harness {
	t.Helper()
	s := store.NewMockStore()
	reg := registry.New(s, nil, nil)
	exec := newFakeExecutor(fn)
	pol := newFakePolicy("a", "b", "c")
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	coord, err := New(Config{
		Registry: reg,
		Executor: exec,
		Policy:   pol,
		Store:    s,
		Options:  opts,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, run := range reg.GetActiveRuns("") {
			reg.StopRun(context.Background(), run.RunID)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Wait(ctx)
	})
	return &harness{coord: coord, registry: reg, store: s, exec: exec, policy: pol}
}

func threeTasks() []store.TaskSpec {
	return []store.TaskSpec{
		{AgentID: "a", Task: "research topic", Label: "research"},
		{AgentID: "b", Task: "draft outline"},
		{AgentID: "c", Task: "collect sources"},
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestFanOut_RegistersRunsWithSiblings(t *testing.T) {
	h := newHarness(t, echoExec, Options{})
	ctx := context.Background()

	batch, err := h.coord.FanOut(ctx, "parent", "lead", threeTasks(), 0)
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationRunning, batch.Status)
	assert.Equal(t, DefaultTimeout.Milliseconds(), batch.TimeoutMs)
	require.Len(t, batch.RunIDs, 3)

	keys := make(map[string]bool)
	var runs []*store.SubagentRun
	for _, id := range batch.RunIDs {
		run, err := h.registry.GetRun(ctx, id)
		require.NoError(t, err)
		keys[run.ChildSessionKey] = true
		runs = append(runs, run)
	}
	assert.Len(t, keys, 3)

	_, err = h.coord.FanIn(ctx, batch.CoordinationID)
	require.NoError(t, err)

	for _, run := range runs {
		lines := siblingLines(h.exec.prompt(run.ChildSessionKey))
		require.Len(t, lines, 2, "prompt for %s", run.ChildSessionKey)
		for _, line := range lines {
			assert.NotContains(t, line, run.ChildSessionKey)
		}
	}

	prompt := h.exec.prompt(runs[0].ChildSessionKey)
	assert.True(t, strings.HasPrefix(prompt, "research topic"))
	assert.Contains(t, prompt, "Shared context namespace: "+batch.CoordinationID)
	assert.Contains(t, prompt, runs[1].ChildSessionKey)
	assert.Contains(t, prompt, runs[2].ChildSessionKey)
	assert.NotContains(t, prompt, "- a [research]")
}

// siblingLines returns the entries listed under the parallel agents heading.
func siblingLines(prompt string) []string {
	_, section, ok := strings.Cut(prompt, "Other agents working on this coordination in parallel:\n")
	if !ok {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(section, "\n") {
		if !strings.HasPrefix(line, "- ") {
			break
		}
		lines = append(lines, line)
	}
	return lines
}

func TestFanOut_SingleTaskHasNoSiblings(t *testing.T) {
	h := newHarness(t, echoExec, Options{})
	ctx := context.Background()

	batch, err := h.coord.FanOut(ctx, "parent", "lead", []store.TaskSpec{{AgentID: "a", Task: "solo"}}, time.Second)
	require.NoError(t, err)
	_, err = h.coord.FanIn(ctx, batch.CoordinationID)
	require.NoError(t, err)

	run, err := h.registry.GetRun(ctx, batch.RunIDs[0])
	require.NoError(t, err)
	assert.NotContains(t, h.exec.prompt(run.ChildSessionKey), "Other agents")
	assert.Empty(t, siblingLines(h.exec.prompt(run.ChildSessionKey)))
}

func TestFanOut_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(p *fakePolicy)
		tasks   []store.TaskSpec
		wantErr error
	}{
		{
			name:    "no tasks",
			tasks:   nil,
			wantErr: ErrNoTasks,
		},
		{
			name:    "spawn denied",
			setup:   func(p *fakePolicy) { p.denied["lead->c"] = true },
			tasks:   threeTasks(),
			wantErr: ErrSpawnNotAllowed,
		},
		{
			name:    "agent disabled",
			setup:   func(p *fakePolicy) { p.agents["b"].Enabled = false },
			tasks:   threeTasks(),
			wantErr: ErrAgentUnavailable,
		},
		{
			name:    "agent missing",
			tasks:   []store.TaskSpec{{AgentID: "a", Task: "x"}, {AgentID: "ghost", Task: "y"}},
			wantErr: ErrAgentUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, echoExec, Options{})
			if tt.setup != nil {
				tt.setup(h.policy)
			}
			_, err := h.coord.FanOut(context.Background(), "parent", "lead", tt.tasks, 0)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, h.registry.GetActiveRuns(""), "no run may start for a rejected batch")
			assert.Empty(t, h.coord.ListCoordinatedTasks(context.Background(), 0))
		})
	}
}

func TestFanOut_ModelSelection(t *testing.T) {
	h := newHarness(t, echoExec, Options{})
	h.policy.agents["a"].Model = "agent-default"
	ctx := context.Background()

	batch, err := h.coord.FanOut(ctx, "parent", "lead", []store.TaskSpec{
		{AgentID: "a", Task: "uses agent model"},
		{AgentID: "a", Task: "override", Model: "override-model"},
	}, time.Second)
	require.NoError(t, err)
	_, err = h.coord.FanIn(ctx, batch.CoordinationID)
	require.NoError(t, err)

	first, _ := h.registry.GetRun(ctx, batch.RunIDs[0])
	second, _ := h.registry.GetRun(ctx, batch.RunIDs[1])

	h.exec.mu.Lock()
	defer h.exec.mu.Unlock()
	assert.Equal(t, "agent-default", h.exec.models[first.ChildSessionKey])
	assert.Equal(t, "override-model", h.exec.models[second.ChildSessionKey])
}

func TestFanIn_AllCompleted(t *testing.T) {
	h := newHarness(t, echoExec, Options{})
	ctx := context.Background()

	batch, err := h.coord.FanOut(ctx, "parent", "lead", threeTasks(), time.Second)
	require.NoError(t, err)

	final, err := h.coord.FanIn(ctx, batch.CoordinationID)
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationCompleted, final.Status)
	require.Len(t, final.Results, len(final.Tasks))
	require.NotNil(t, final.CompletedAt)
	for i, r := range final.Results {
		assert.Equal(t, store.ResultCompleted, r.Status)
		assert.Equal(t, final.RunIDs[i], r.RunID)
		assert.Equal(t, int64(4), r.OutputTokens)
	}
	assert.Equal(t, "research", final.Results[0].Label)
	assert.Contains(t, final.AggregatedResult, "done: research topic")
	assert.Contains(t, final.AggregatedResult, "3 of 3 sub-tasks completed")

	persisted, err := h.store.GetCoordination(ctx, batch.CoordinationID)
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationCompleted, persisted.Status)
}

func TestFanIn_TimeoutPartial(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, key, task string, opts ExecuteOptions) (*ExecuteResult, error) {
		if strings.HasPrefix(task, "slow") {
			return blockExec(ctx, key, task, opts)
		}
		return echoExec(ctx, key, task, opts)
	}, Options{})
	ctx := context.Background()

	batch, err := h.coord.FanOut(ctx, "parent", "lead", []store.TaskSpec{
		{AgentID: "a", Task: "fast"},
		{AgentID: "b", Task: "slow"},
	}, 50*time.Millisecond)
	require.NoError(t, err)

	final, err := h.coord.FanIn(ctx, batch.CoordinationID)
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationPartial, final.Status)
	assert.Equal(t, store.ResultCompleted, final.Results[0].Status)
	assert.Equal(t, store.ResultTimeout, final.Results[1].Status)

	// Lagging runs are left running by default.
	status, ok := h.registry.RunStatus(batch.RunIDs[1])
	require.True(t, ok)
	assert.Equal(t, store.RunStatusRunning, status)
}

func TestFanIn_TimeoutNoneCompleted(t *testing.T) {
	h := newHarness(t, blockExec, Options{})
	ctx := context.Background()

	batch, err := h.coord.FanOut(ctx, "parent", "lead", threeTasks(), 30*time.Millisecond)
	require.NoError(t, err)

	final, err := h.coord.FanIn(ctx, batch.CoordinationID)
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationError, final.Status)
	for _, r := range final.Results {
		assert.Equal(t, store.ResultTimeout, r.Status)
	}
}

func TestFanIn_StopOnTimeout(t *testing.T) {
	h := newHarness(t, blockExec, Options{StopOnTimeout: true})
	ctx := context.Background()

	batch, err := h.coord.FanOut(ctx, "parent", "lead", []store.TaskSpec{{AgentID: "a", Task: "slow"}}, 30*time.Millisecond)
	require.NoError(t, err)

	final, err := h.coord.FanIn(ctx, batch.CoordinationID)
	require.NoError(t, err)
	assert.Equal(t, store.ResultTimeout, final.Results[0].Status)

	status, _ := h.registry.RunStatus(batch.RunIDs[0])
	assert.Equal(t, store.RunStatusStopped, status)
}

func TestFanIn_ExecutionErrorsAndPanics(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, key, task string, opts ExecuteOptions) (*ExecuteResult, error) {
		switch task[:4] {
		case "fail":
			return nil, errors.New("model unavailable")
		case "boom":
			panic("exploded")
		}
		return echoExec(ctx, key, task, opts)
	}, Options{})
	ctx := context.Background()

	batch, err := h.coord.FanOut(ctx, "parent", "lead", []store.TaskSpec{
		{AgentID: "a", Task: "fail please"},
		{AgentID: "b", Task: "boom please"},
		{AgentID: "c", Task: "good work"},
	}, time.Second)
	require.NoError(t, err)

	final, err := h.coord.FanIn(ctx, batch.CoordinationID)
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationPartial, final.Status)
	assert.Equal(t, store.ResultError, final.Results[0].Status)
	assert.Equal(t, "model unavailable", final.Results[0].Error)
	assert.Equal(t, store.ResultError, final.Results[1].Status)
	assert.Contains(t, final.Results[1].Error, "executor panic")
	assert.Equal(t, store.ResultCompleted, final.Results[2].Status)
	assert.Contains(t, final.AggregatedResult, "Error: model unavailable")
}

func TestFanIn_FinalizedBatchIsStable(t *testing.T) {
	h := newHarness(t, echoExec, Options{})
	ctx := context.Background()

	batch, err := h.coord.FanOut(ctx, "parent", "lead", threeTasks(), time.Second)
	require.NoError(t, err)

	first, err := h.coord.FanIn(ctx, batch.CoordinationID)
	require.NoError(t, err)
	second, err := h.coord.FanIn(ctx, batch.CoordinationID)
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
	assert.Equal(t, first.AggregatedResult, second.AggregatedResult)
}

func TestFanIn_ConcurrentCallersShareOutcome(t *testing.T) {
	h := newHarness(t, echoExec, Options{})
	ctx := context.Background()

	batch, err := h.coord.FanOut(ctx, "parent", "lead", threeTasks(), time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*store.CoordinatedTask, 4)
	for i := range results {
		wg.Go(func() {
			res, err := h.coord.FanIn(ctx, batch.CoordinationID)
			assert.NoError(t, err)
			results[i] = res
		})
	}
	wg.Wait()

	for _, r := range results[1:] {
		assert.Equal(t, results[0].CompletedAt, r.CompletedAt)
	}
}

func TestFanIn_UnknownAndCancelled(t *testing.T) {
	h := newHarness(t, blockExec, Options{})

	_, err := h.coord.FanIn(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCoordinationNotFound)

	batch, err := h.coord.FanOut(context.Background(), "parent", "lead", threeTasks(), time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.coord.FanIn(ctx, batch.CoordinationID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := h.coord.GetCoordinatedTask(context.Background(), batch.CoordinationID)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt, "abandoned fan-in must not finalize")
}

func TestStopCoordinatedTask(t *testing.T) {
	h := newHarness(t, blockExec, Options{})
	ctx := context.Background()

	batch, err := h.coord.FanOut(ctx, "parent", "lead", threeTasks(), time.Minute)
	require.NoError(t, err)

	final, err := h.coord.StopCoordinatedTask(ctx, batch.CoordinationID)
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationError, final.Status)
	require.NotNil(t, final.CompletedAt)
	for _, r := range final.Results {
		assert.Equal(t, store.ResultStopped, r.Status)
	}
	assert.Empty(t, h.registry.GetActiveRuns("parent"))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.coord.Wait(waitCtx), "executors must observe cancellation")

	again, err := h.coord.FanIn(ctx, batch.CoordinationID)
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationError, again.Status)

	_, err = h.coord.StopCoordinatedTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrCoordinationNotFound)
}

func TestRecover_FinalizesOpenBatches(t *testing.T) {
	h := newHarness(t, echoExec, Options{})
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour)

	for _, id := range []string{"r1", "r2"} {
		run := &store.SubagentRun{RunID: id, AgentID: "a", Status: store.RunStatusRunning, CreatedAt: created}
		require.NoError(t, h.store.SaveRun(ctx, run))
	}
	_, err := h.store.MarkInterruptedRuns(ctx, registry.RecoveryMessage, created.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, h.store.SaveCoordination(ctx, &store.CoordinatedTask{
		CoordinationID:  "left-open",
		ParentSessionID: "parent",
		SourceAgentID:   "lead",
		Status:          store.CoordinationRunning,
		Tasks:           []store.TaskSpec{{AgentID: "a", Task: "one"}, {AgentID: "a", Task: "two"}},
		RunIDs:          []string{"r1", "r2"},
		CreatedAt:       created,
		TimeoutMs:       1000,
	}))

	n, err := h.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.store.GetCoordination(ctx, "left-open")
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationError, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.Len(t, stored.Results, 2)
	for _, r := range stored.Results {
		assert.Equal(t, store.ResultStopped, r.Status)
		assert.Equal(t, registry.RecoveryMessage, r.Error)
	}
	assert.Contains(t, stored.AggregatedResult, registry.RecoveryMessage)

	again, err := h.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestFanInAndStop_AdoptStoredBatches(t *testing.T) {
	h := newHarness(t, echoExec, Options{})
	ctx := context.Background()
	created := time.Now().UTC()

	require.NoError(t, h.store.SaveRun(ctx, &store.SubagentRun{
		RunID: "done-run", AgentID: "a", Status: store.RunStatusCompleted, Result: "answer", CreatedAt: created,
	}))
	require.NoError(t, h.store.SaveCoordination(ctx, &store.CoordinatedTask{
		CoordinationID: "stored",
		Status:         store.CoordinationRunning,
		Tasks:          []store.TaskSpec{{AgentID: "a", Task: "one"}},
		RunIDs:         []string{"done-run"},
		CreatedAt:      created,
		TimeoutMs:      1000,
	}))

	final, err := h.coord.FanIn(ctx, "stored")
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationCompleted, final.Status)
	require.Len(t, final.Results, 1)
	assert.Equal(t, "answer", final.Results[0].Result)

	stopped, err := h.coord.StopCoordinatedTask(ctx, "stored")
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationCompleted, stopped.Status, "finalized outcome is kept")
}

func TestStopAll_FinalizesOpenBatches(t *testing.T) {
	h := newHarness(t, blockExec, Options{})
	ctx := context.Background()

	open, err := h.coord.FanOut(ctx, "parent", "lead", threeTasks(), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 1, h.coord.StopAll(ctx))
	assert.Zero(t, h.coord.StopAll(ctx))

	stored, err := h.store.GetCoordination(ctx, open.CoordinationID)
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationError, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.coord.Wait(waitCtx))
}

func TestListAndGetCoordinatedTasks(t *testing.T) {
	h := newHarness(t, echoExec, Options{})
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.coord.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	require.NoError(t, h.store.SaveCoordination(ctx, &store.CoordinatedTask{
		CoordinationID: "old", Status: store.CoordinationCompleted, CreatedAt: clock.Add(-time.Hour),
	}))

	first, err := h.coord.FanOut(ctx, "p", "lead", threeTasks(), time.Second)
	require.NoError(t, err)
	second, err := h.coord.FanOut(ctx, "p", "lead", threeTasks(), time.Second)
	require.NoError(t, err)

	list := h.coord.ListCoordinatedTasks(ctx, 0)
	require.Len(t, list, 3)
	assert.Equal(t, second.CoordinationID, list[0].CoordinationID)
	assert.Equal(t, first.CoordinationID, list[1].CoordinationID)
	assert.Equal(t, "old", list[2].CoordinationID)

	limited := h.coord.ListCoordinatedTasks(ctx, 1)
	require.Len(t, limited, 1)
	assert.Equal(t, second.CoordinationID, limited[0].CoordinationID)

	old, err := h.coord.GetCoordinatedTask(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, store.CoordinationCompleted, old.Status)

	_, err = h.coord.GetCoordinatedTask(ctx, "nope")
	assert.ErrorIs(t, err, ErrCoordinationNotFound)

	for _, id := range []string{first.CoordinationID, second.CoordinationID} {
		_, err := h.coord.FanIn(ctx, id)
		require.NoError(t, err)
	}
}

func TestProgressEventsPublished(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, key, task string, opts ExecuteOptions) (*ExecuteResult, error) {
		opts.OnProgress(ProgressEvent{Kind: "thinking", Text: "hmm"})
		return &ExecuteResult{Content: "ok"}, nil
	}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _, err := h.coord.Events().Subscribe(ctx, "")
	require.NoError(t, err)

	batch, err := h.coord.FanOut(ctx, "p", "lead", []store.TaskSpec{{AgentID: "a", Task: "t"}}, time.Second)
	require.NoError(t, err)
	_, err = h.coord.FanIn(ctx, batch.CoordinationID)
	require.NoError(t, err)

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 3 {
		select {
		case ev := <-ch:
			assert.Equal(t, batch.CoordinationID, ev.Key)
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("got only %v", types)
		}
	}
	assert.Equal(t, []string{EventFanOutStarted, EventRunProgress, EventFanInCompleted}, types)
}
