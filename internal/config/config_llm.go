package config

import (
	"time"

	"github.com/haasonsaas/sqlagent/internal/agent/providers"
)

type LLMConfig struct {
	Providers map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	BaseURL      string        `yaml:"base_url"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// ProviderConfig returns the client settings for the named provider.
func (c LLMConfig) ProviderConfig(name string) providers.Config {
	p := c.Providers[name]
	return providers.Config{
		Name:         name,
		APIKey:       p.APIKey,
		BaseURL:      p.BaseURL,
		DefaultModel: p.DefaultModel,
		MaxRetries:   p.MaxRetries,
		RetryDelay:   p.RetryDelay,
	}
}
