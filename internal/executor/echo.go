// ABOUTME: Deterministic executor that echoes the first line of the task back
// ABOUTME: Optional delay honours cancellation so stop and timeout paths can be exercised

package executor

import (
	"context"
	"strings"
	"time"

	"github.com/2389/coven-coordinator/internal/coordinator"
)

// EchoModel is reported as the model for echo results.
const EchoModel = "echo"

// Echo answers every task with "echo: <first line of task>".
type Echo struct {
	Delay time.Duration
}

// Execute implements coordinator.Executor.
func (e *Echo) Execute(ctx context.Context, sessionKey, task string, opts coordinator.ExecuteOptions) (*coordinator.ExecuteResult, error) {
	progress(opts, "thinking", sessionKey)

	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	line := task
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	content := "echo: " + strings.TrimSpace(line)
	progress(opts, "text", content)

	model := opts.Model
	if model == "" {
		model = EchoModel
	}
	return &coordinator.ExecuteResult{
		Content:      content,
		InputTokens:  estimateTokens(task),
		OutputTokens: estimateTokens(content),
		Model:        model,
	}, nil
}

// estimateTokens approximates four characters per token.
func estimateTokens(s string) int64 {
	if s == "" {
		return 0
	}
	return int64(len(s)+3) / 4
}

func progress(opts coordinator.ExecuteOptions, kind, text string) {
	if opts.OnProgress != nil {
		opts.OnProgress(coordinator.ProgressEvent{Kind: kind, Text: text})
	}
}
