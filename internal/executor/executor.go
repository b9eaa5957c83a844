// ABOUTME: Builds the configured executor backend
// ABOUTME: API keys fall back to ANTHROPIC_API_KEY / OPENAI_API_KEY

package executor

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/coordinator"
)

// New returns the executor selected by cfg.Provider.
func New(cfg config.ExecutorConfig, logger *slog.Logger) (coordinator.Executor, error) {
	switch cfg.Provider {
	case "", config.ProviderEcho:
		return &Echo{Delay: cfg.EchoDelay}, nil
	case config.ProviderAnthropic:
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return NewAnthropic(key, cfg.BaseURL, cfg.Model, maxTokens(cfg), logger)
	case config.ProviderOpenAI:
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return NewOpenAI(key, cfg.BaseURL, cfg.Model, maxTokens(cfg), logger)
	default:
		return nil, fmt.Errorf("unknown executor provider %q", cfg.Provider)
	}
}

func maxTokens(cfg config.ExecutorConfig) int64 {
	if cfg.MaxTokens > 0 {
		return cfg.MaxTokens
	}
	return config.DefaultMaxTokens
}
