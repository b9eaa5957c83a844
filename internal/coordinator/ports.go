// ABOUTME: Ports the coordinator depends on: AI execution and agent policy
// ABOUTME: Implemented outside this package, see internal/executor and internal/policy

package coordinator

import "context"

// ProgressEvent is an intermediate update from a running execution.
type ProgressEvent struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// ExecuteOptions are per-call execution settings.
type ExecuteOptions struct {
	Model      string
	OnProgress func(ProgressEvent)
}

// ExecuteResult is the outcome of a successful execution.
type ExecuteResult struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
	Model        string
}

// Executor turns a task string into a textual result. ctx is the run's
// cancellation token; implementations should return promptly once it is done.
type Executor interface {
	Execute(ctx context.Context, sessionKey, task string, opts ExecuteOptions) (*ExecuteResult, error)
}

// AgentConfig is the policy view of one configured agent.
type AgentConfig struct {
	ID           string
	Enabled      bool
	Model        string
	Capabilities []string
}

// Policy decides which agents may spawn which.
type Policy interface {
	IsSpawnAllowed(sourceAgentID, targetAgentID string) bool
	AgentConfig(agentID string) (*AgentConfig, bool)
}
