// ABOUTME: Config-backed agent policy: who may spawn whom, and per-agent settings
// ABOUTME: Swappable at runtime so config reloads take effect without a restart

package policy

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/coordinator"
)

// Wildcard in can_spawn allows spawning any configured agent.
const Wildcard = "*"

type rules struct {
	agents map[string]*coordinator.AgentConfig
	spawn  map[string][]string
}

// Static answers policy questions from the agents section of the config.
type Static struct {
	mu     sync.RWMutex
	rules  rules
	logger *slog.Logger
}

// New builds a policy from agent configs. Pass nil logger for default.
func New(agents []config.AgentConfig, logger *slog.Logger) *Static {
	if logger == nil {
		logger = slog.Default()
	}
	return &Static{
		rules:  compile(agents),
		logger: logger.With("component", "policy"),
	}
}

func compile(agents []config.AgentConfig) rules {
	r := rules{
		agents: make(map[string]*coordinator.AgentConfig, len(agents)),
		spawn:  make(map[string][]string, len(agents)),
	}
	for _, a := range agents {
		r.agents[a.ID] = &coordinator.AgentConfig{
			ID:           a.ID,
			Enabled:      a.Enabled,
			Model:        a.Model,
			Capabilities: slices.Clone(a.Capabilities),
		}
		r.spawn[a.ID] = slices.Clone(a.CanSpawn)
	}
	return r
}

// Update replaces the rule set, typically after a config reload.
func (s *Static) Update(agents []config.AgentConfig) {
	compiled := compile(agents)

	s.mu.Lock()
	s.rules = compiled
	s.mu.Unlock()

	s.logger.Info("agent policy updated", "agents", len(agents))
}

// IsSpawnAllowed reports whether source may fan out to target. Sources that
// are not configured may not spawn anything.
func (s *Static) IsSpawnAllowed(sourceAgentID, targetAgentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allowed, ok := s.rules.spawn[sourceAgentID]
	if !ok {
		return false
	}
	return slices.Contains(allowed, Wildcard) || slices.Contains(allowed, targetAgentID)
}

// AgentConfig returns a copy of an agent's configuration.
func (s *Static) AgentConfig(agentID string) (*coordinator.AgentConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.rules.agents[agentID]
	if !ok {
		return nil, false
	}
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return &c, true
}

// Agents returns every configured agent.
func (s *Static) Agents() []coordinator.AgentConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]coordinator.AgentConfig, 0, len(s.rules.agents))
	for _, a := range s.rules.agents {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b coordinator.AgentConfig) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

var _ coordinator.Policy = (*Static)(nil)
