// ABOUTME: Coordination service wiring registry, coordinator, conflict resolver and shared context
// ABOUTME: Handles startup recovery, periodic write cleanup and orderly shutdown

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/conflict"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/dedupe"
	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/executor"
	"github.com/2389/coven-coordinator/internal/policy"
	"github.com/2389/coven-coordinator/internal/registry"
	"github.com/2389/coven-coordinator/internal/sharedctx"
	"github.com/2389/coven-coordinator/internal/store"
)

// CleanupInterval is how often old writes and idempotency keys are pruned.
const CleanupInterval = time.Minute

// Idempotency keys for fan-out requests are remembered this long.
const (
	IdempotencyTTL     = 10 * time.Minute
	maxIdempotencyKeys = 10000
)

// Deps overrides the collaborators New would otherwise build from config.
type Deps struct {
	Store    store.Store
	Executor coordinator.Executor
}

// StartupReport summarises what Start recovered.
type StartupReport struct {
	InterruptedRuns          int64 `json:"interrupted_runs"`
	InterruptedCoordinations int   `json:"interrupted_coordinations"`
	HydratedEntries          int   `json:"hydrated_entries"`
	StoredCoordinations      int   `json:"stored_coordinations"`
}

// Service is one process's coordination core.
type Service struct {
	Store       store.Store
	Registry    *registry.Registry
	Coordinator *coordinator.Coordinator
	Conflicts   *conflict.Resolver
	Context     *sharedctx.Store
	Policy      *policy.Static
	// FanOutKeys maps idempotency keys to the coordination they created.
	FanOutKeys  *dedupe.Cache

	logger *slog.Logger

	startOnce sync.Once
	cancel    context.CancelFunc
	bg        sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New builds a Service from cfg. Fields left nil in deps are created from
// cfg: the SQLite store from the database section and the executor from
// the executor section.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	st := deps.Store
	if st == nil {
		sqliteStore, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		st = sqliteStore
	}

	exec := deps.Executor
	if exec == nil {
		var err error
		exec, err = executor.New(cfg.Executor, logger)
		if err != nil {
			if deps.Store == nil {
				_ = st.Close()
			}
			return nil, fmt.Errorf("creating executor: %w", err)
		}
	}

	maxSubs := cfg.Coordination.MaxSubscribers
	reg := registry.New(st, events.NewBroadcaster("registry", maxSubs, logger), logger)
	pol := policy.New(cfg.Agents, logger)

	coord, err := coordinator.New(coordinator.Config{
		Registry: reg,
		Executor: exec,
		Policy:   pol,
		Store:    st,
		Events:   events.NewBroadcaster("coordinator", maxSubs, logger),
		Options: coordinator.Options{
			PollInterval:   cfg.Coordination.PollInterval,
			DefaultTimeout: cfg.Coordination.FanInTimeout,
			StopOnTimeout:  cfg.Coordination.StopOnTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		if deps.Store == nil {
			_ = st.Close()
		}
		return nil, err
	}

	resolver := conflict.New(conflict.Options{
		LockTTL:        cfg.Coordination.LockTTL,
		ConflictWindow: cfg.Coordination.ConflictWindow,
		WriteRetention: cfg.Coordination.WriteRetention,
	}, events.NewBroadcaster("conflict", maxSubs, logger), logger)

	shared := sharedctx.New(st, events.NewBroadcaster("context", maxSubs, logger), logger)

	return &Service{
		Store:       st,
		Registry:    reg,
		Coordinator: coord,
		Conflicts:   resolver,
		Context:     shared,
		Policy:      pol,
		FanOutKeys:  dedupe.New(IdempotencyTTL, maxIdempotencyKeys),
		logger:      logger.With("component", "service"),
	}, nil
}

// Start recovers state left by a previous process and begins background
// maintenance. Only the first call has any effect.
func (s *Service) Start(ctx context.Context) (*StartupReport, error) {
	var (
		report StartupReport
		err    error
	)
	s.startOnce.Do(func() {
		report.InterruptedRuns, err = s.Registry.Recover(ctx)
		if err != nil {
			err = fmt.Errorf("recovering runs: %w", err)
			return
		}
		report.InterruptedCoordinations, err = s.Coordinator.Recover(ctx)
		if err != nil {
			err = fmt.Errorf("recovering coordinations: %w", err)
			return
		}
		report.HydratedEntries, err = s.Context.Hydrate(ctx)
		if err != nil {
			err = fmt.Errorf("hydrating shared context: %w", err)
			return
		}
		report.StoredCoordinations = len(s.Coordinator.ListCoordinatedTasks(ctx, 0))

		bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancel = cancel
		s.bg.Go(func() { s.cleanupLoop(bgCtx) })

		s.logger.Info("coordination service started",
			"interrupted_runs", report.InterruptedRuns,
			"interrupted_coordinations", report.InterruptedCoordinations,
			"hydrated_entries", report.HydratedEntries,
			"stored_coordinations", report.StoredCoordinations,
		)
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *Service) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Conflicts.CleanupOldWrites(); n > 0 {
				s.logger.Debug("pruned old writes", "count", n)
			}
			if n := s.FanOutKeys.Prune(); n > 0 {
				s.logger.Debug("pruned idempotency keys", "count", n)
			}
		}
	}
}

// Broadcasters returns every component's event feed keyed by component name.
func (s *Service) Broadcasters() map[string]*events.Broadcaster {
	out := make(map[string]*events.Broadcaster, 4)
	for _, b := range []*events.Broadcaster{
		s.Registry.Events(),
		s.Coordinator.Events(),
		s.Conflicts.Events(),
		s.Context.Events(),
	} {
		out[b.Component()] = b
	}
	return out
}

// ApplyConfig pushes reloadable settings from a new config into the
// running service. Only the agent policy is reloadable.
func (s *Service) ApplyConfig(cfg *config.Config) {
	s.Policy.Update(cfg.Agents)
	s.logger.Info("applied config reload", "agents", len(cfg.Agents))
}

// Close stops every active run, waits for executions to return (bounded by
// ctx), then closes event feeds and the store.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.bg.Wait()

		if n := s.Coordinator.StopAll(ctx); n > 0 {
			s.logger.Info("stopped open coordinations on shutdown", "count", n)
		}

		active := s.Registry.GetActiveRuns("")
		for _, run := range active {
			s.Registry.StopRun(ctx, run.RunID)
		}
		if len(active) > 0 {
			s.logger.Info("stopped active runs on shutdown", "count", len(active))
		}

		if err := s.Coordinator.Wait(ctx); err != nil {
			s.logger.Warn("executions still running at shutdown", "error", err)
		}

		for _, b := range s.Broadcasters() {
			b.Close()
		}
		if err := s.Store.Close(); err != nil {
			s.closeErr = fmt.Errorf("closing store: %w", err)
		}
	})
	return s.closeErr
}
