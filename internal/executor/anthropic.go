// ABOUTME: Executor backed by the Anthropic Messages API
// ABOUTME: Sends the task as one user message and concatenates the text blocks

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/coven-coordinator/internal/coordinator"
)

// Anthropic runs tasks against Claude models.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropic creates an Anthropic executor. baseURL may be empty.
func NewAnthropic(apiKey, baseURL, model string, maxTokens int64, logger *slog.Logger) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With("component", "executor", "provider", "anthropic"),
	}, nil
}

// Execute implements coordinator.Executor.
func (a *Anthropic) Execute(ctx context.Context, sessionKey, task string, opts coordinator.ExecuteOptions) (*coordinator.ExecuteResult, error) {
	model := a.model
	if opts.Model != "" {
		model = opts.Model
	}
	progress(opts, "thinking", sessionKey)

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(task)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(variant.Text)
		}
	}
	content := out.String()
	progress(opts, "text", content)

	a.logger.Debug("execution finished",
		"session_key", sessionKey,
		"model", model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)

	return &coordinator.ExecuteResult{
		Content:      content,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Model:        string(resp.Model),
	}, nil
}
