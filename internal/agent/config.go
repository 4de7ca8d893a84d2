package agent

import "time"

// Config configures the orchestrator.
type Config struct {
	// Model is passed to the provider. Empty uses the provider default.
	Model string `yaml:"model"`

	// SystemPrompt seeds every run.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens is the default max tokens for LLM responses.
	// Default: 4096
	MaxTokens int `yaml:"max_tokens"`

	// MaxToolCalls is the tool call ceiling per run.
	// Default: 5
	MaxToolCalls int `yaml:"max_tool_calls"`

	// MaxConsecutiveToolErrors ends the run with validation_error once this
	// many tool calls in a row return errors.
	// Default: 3
	MaxConsecutiveToolErrors int `yaml:"max_consecutive_tool_errors"`

	// ChunkTimeout bounds the wait for each model stream chunk.
	// Default: 60s
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`

	// ToolTimeout bounds each tool execution.
	// Default: 30s
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// MaxWallTime limits total run duration.
	// Default: 2m
	MaxWallTime time.Duration `yaml:"max_wall_time"`

	// FinalizeOnLimit gives the model one tool-less turn to answer when the
	// tool call ceiling is reached.
	FinalizeOnLimit bool `yaml:"finalize_on_limit"`

	// EventBuffer is the capacity of the run's event channel.
	// Default: 64
	EventBuffer int `yaml:"event_buffer"`
}

// MaxResponseTextSize caps the assistant text accumulated in one model turn.
const MaxResponseTextSize = 1 << 20

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxTokens:                4096,
		MaxToolCalls:             5,
		MaxConsecutiveToolErrors: 3,
		ChunkTimeout:             60 * time.Second,
		ToolTimeout:              30 * time.Second,
		MaxWallTime:              2 * time.Minute,
		EventBuffer:              64,
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = defaults.MaxToolCalls
	}
	if cfg.MaxConsecutiveToolErrors <= 0 {
		cfg.MaxConsecutiveToolErrors = defaults.MaxConsecutiveToolErrors
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = defaults.ChunkTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaults.ToolTimeout
	}
	if cfg.MaxWallTime <= 0 {
		cfg.MaxWallTime = defaults.MaxWallTime
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	return cfg
}
