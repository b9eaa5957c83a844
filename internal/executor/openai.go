// ABOUTME: Executor backed by the OpenAI chat completions API
// ABOUTME: Works with any OpenAI-compatible endpoint through base_url

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/coven-coordinator/internal/coordinator"
)

// OpenAI runs tasks against chat completion models.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewOpenAI creates an OpenAI executor. baseURL may be empty.
func NewOpenAI(apiKey, baseURL, model string, maxTokens int64, logger *slog.Logger) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With("component", "executor", "provider", "openai"),
	}, nil
}

// Execute implements coordinator.Executor.
func (o *OpenAI) Execute(ctx context.Context, sessionKey, task string, opts coordinator.ExecuteOptions) (*coordinator.ExecuteResult, error) {
	model := o.model
	if opts.Model != "" {
		model = opts.Model
	}
	progress(opts, "thinking", sessionKey)

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(task),
		},
		MaxCompletionTokens: openai.Int(o.maxTokens),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	content := resp.Choices[0].Message.Content
	progress(opts, "text", content)

	o.logger.Debug("execution finished",
		"session_key", sessionKey,
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	return &coordinator.ExecuteResult{
		Content:      content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}, nil
}
