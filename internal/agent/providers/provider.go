// Package providers implements agent.LLMProvider for Anthropic and OpenAI.
//
// Each provider converts the orchestrator's CompletionRequest to the vendor
// API, streams the response back as CompletionChunks, and retries transient
// failures before the first byte arrives. Errors are wrapped in
// ProviderError so callers can inspect status, code, and request id.
//
// Example Usage:
//
//	provider, err := providers.New(providers.Config{
//	    Name:   "anthropic",
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	chunks, err := provider.Complete(ctx, &agent.CompletionRequest{
//	    Messages:  []agent.CompletionMessage{{Role: "user", Content: "How many orders shipped?"}},
//	    MaxTokens: 1024,
//	})
package providers

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/sqlagent/internal/agent"
)

// Config selects and configures a provider.
type Config struct {
	// Name is anthropic or openai.
	Name string `yaml:"name"`

	// APIKey authenticates with the vendor API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the vendor endpoint, for proxies and tests.
	BaseURL string `yaml:"base_url"`

	// DefaultModel is used when a request names no model.
	DefaultModel string `yaml:"default_model"`

	// MaxRetries bounds retries of transient failures. Default: 3
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the first backoff delay. Default: 1s
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// New creates the provider named by cfg.Name.
func New(cfg Config) (agent.LLMProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "anthropic", "":
		p, err := NewAnthropicProvider(AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.DefaultModel,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		p, err := NewOpenAIProvider(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.DefaultModel,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}
