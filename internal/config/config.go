package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/sqlagent/internal/agent"
	"github.com/haasonsaas/sqlagent/internal/auth"
	"github.com/haasonsaas/sqlagent/internal/ratelimit"
	"github.com/haasonsaas/sqlagent/internal/sqlguard"
	"github.com/haasonsaas/sqlagent/internal/storage"
	"github.com/haasonsaas/sqlagent/internal/tenant"
	"github.com/haasonsaas/sqlagent/internal/tools/sqlexec"
)

// Config is the main configuration structure for sqlagent.
type Config struct {
	Version   int              `yaml:"version"`
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Auth      auth.Config      `yaml:"auth"`
	Tenant    tenant.Config    `yaml:"tenant"`
	Guard     sqlguard.Config  `yaml:"guard"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Usage     UsageConfig      `yaml:"usage"`
	Agent     AgentConfig      `yaml:"agent"`
	LLM       LLMConfig        `yaml:"llm"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes caps the query request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// DatabaseConfig holds the connection pool settings plus query execution
// limits for the execute_sql tool.
type DatabaseConfig struct {
	storage.DatabaseConfig `yaml:",inline"`

	QueryTimeout  time.Duration `yaml:"query_timeout"`
	MaxResultRows int           `yaml:"max_result_rows"`
}

// Exec returns the execute_sql settings.
func (c DatabaseConfig) Exec() sqlexec.Config {
	return sqlexec.Config{MaxResultRows: c.MaxResultRows, QueryTimeout: c.QueryTimeout}
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// Usage counter backends.
const (
	UsageStoreRedis    = "redis"
	UsageStorePostgres = "postgres"
	UsageStoreMemory   = "memory"
)

// UsageConfig configures the periodic query quota.
type UsageConfig struct {
	Enabled bool `yaml:"enabled"`

	// Operation names the counted operation class.
	Operation string `yaml:"operation"`

	// Store is redis, postgres, or memory.
	Store string `yaml:"store"`

	// DefaultTier applies to principals without a tier.
	DefaultTier string `yaml:"default_tier"`

	// Tiers maps tier names to monthly limits. -1 means unlimited.
	Tiers map[string]int `yaml:"tiers"`

	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// AgentConfig selects the model provider and tunes the orchestrator.
type AgentConfig struct {
	Provider     string `yaml:"provider"`
	agent.Config `yaml:",inline"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// HashKey keys the HMAC used to hash tenant identifiers in logs.
	HashKey string `yaml:"hash_key"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint disables export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Load reads, merges, decodes, defaults, and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no file.
func Default() *Config {
	cfg, err := decodeRawConfig(map[string]any{})
	if err != nil {
		cfg = &Config{}
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 64 << 10
	}

	db := storage.DefaultDatabaseConfig()
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = db.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = db.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = db.ConnMaxLifetime
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = db.ConnMaxIdleTime
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = db.ConnectTimeout
	}
	if cfg.Database.QueryTimeout == 0 {
		cfg.Database.QueryTimeout = sqlexec.DefaultQueryTimeout
	}
	if cfg.Database.MaxResultRows == 0 {
		cfg.Database.MaxResultRows = sqlexec.DefaultMaxResultRows
	}

	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}

	if cfg.Tenant.Header == "" {
		cfg.Tenant.Header = tenant.DefaultHeader
	}
	if cfg.Tenant.LookupTimeout == 0 {
		cfg.Tenant.LookupTimeout = tenant.DefaultLookupTimeout
	}
	if cfg.Tenant.VerifyHeaderOrg == nil {
		verify := true
		cfg.Tenant.VerifyHeaderOrg = &verify
	}

	guard := sqlguard.DefaultConfig()
	if cfg.Guard.MaxLimit == 0 {
		cfg.Guard.MaxLimit = guard.MaxLimit
	}
	if cfg.Guard.TenantColumn == "" {
		cfg.Guard.TenantColumn = guard.TenantColumn
	}
	if cfg.Guard.ScopePolicy == "" {
		cfg.Guard.ScopePolicy = guard.ScopePolicy
	}
	if cfg.Guard.ExtraDeniedSchemas == nil {
		cfg.Guard.ExtraDeniedSchemas = guard.ExtraDeniedSchemas
	}

	rl := ratelimit.DefaultConfig()
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = rl.Window
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = rl.MaxRequests
	}
	if cfg.RateLimit.StoreTimeout == 0 {
		cfg.RateLimit.StoreTimeout = rl.StoreTimeout
	}

	if cfg.Usage.Operation == "" {
		cfg.Usage.Operation = "query"
	}
	if cfg.Usage.Store == "" {
		cfg.Usage.Store = UsageStorePostgres
		if cfg.Redis.Enabled {
			cfg.Usage.Store = UsageStoreRedis
		}
	}
	if cfg.Usage.DefaultTier == "" {
		cfg.Usage.DefaultTier = "free"
	}
	if cfg.Usage.Tiers == nil {
		cfg.Usage.Tiers = map[string]int{"free": 100, "pro": 5000, "enterprise": -1}
	}
	if cfg.Usage.StoreTimeout == 0 {
		cfg.Usage.StoreTimeout = 250 * time.Millisecond
	}

	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "anthropic"
	}
	ag := agent.DefaultConfig()
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = ag.MaxTokens
	}
	if cfg.Agent.MaxToolCalls == 0 {
		cfg.Agent.MaxToolCalls = ag.MaxToolCalls
	}
	if cfg.Agent.MaxConsecutiveToolErrors == 0 {
		cfg.Agent.MaxConsecutiveToolErrors = ag.MaxConsecutiveToolErrors
	}
	if cfg.Agent.ChunkTimeout == 0 {
		cfg.Agent.ChunkTimeout = ag.ChunkTimeout
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = ag.ToolTimeout
	}
	if cfg.Agent.MaxWallTime == 0 {
		cfg.Agent.MaxWallTime = ag.MaxWallTime
	}
	if cfg.Agent.EventBuffer == 0 {
		cfg.Agent.EventBuffer = ag.EventBuffer
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate reports every invalid setting, each naming its field.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("version: %v", err)
	}

	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		add("server.http_port must be between 1 and 65535")
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes must not be negative")
	}

	if strings.TrimSpace(c.Database.URL) == "" {
		add("database.url is required")
	}
	if c.Database.MaxResultRows < 0 {
		add("database.max_result_rows must not be negative")
	}
	if c.Database.QueryTimeout < 0 {
		add("database.query_timeout must not be negative")
	}

	if c.Redis.Enabled && strings.TrimSpace(c.Redis.URL) == "" {
		add("redis.url is required when redis.enabled is true")
	}

	if strings.TrimSpace(c.Auth.JWTSecret) == "" && len(c.Auth.APIKeys) == 0 {
		add("auth: jwt_secret or api_keys must be configured")
	}
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.UserID) == "" {
			add("auth.api_keys[%d]: key and user_id are required", i)
		}
	}

	switch c.Guard.ScopePolicy {
	case sqlguard.ScopeReject, sqlguard.ScopeRewrite:
	default:
		add("guard.scope_policy must be %q or %q", sqlguard.ScopeReject, sqlguard.ScopeRewrite)
	}
	if c.Guard.MaxLimit < 0 {
		add("guard.max_limit must not be negative")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Window <= 0 {
			add("ratelimit.window must be positive")
		}
		if c.RateLimit.MaxRequests <= 0 {
			add("ratelimit.max_requests must be positive")
		}
	}

	if c.Usage.Enabled {
		switch c.Usage.Store {
		case UsageStorePostgres, UsageStoreMemory:
		case UsageStoreRedis:
			if !c.Redis.Enabled {
				add("usage.store redis requires redis.enabled")
			}
		default:
			add("usage.store must be one of redis, postgres, memory")
		}
		if _, ok := c.Usage.Tiers[strings.ToLower(c.Usage.DefaultTier)]; !ok {
			add("usage.default_tier %q is not defined in usage.tiers", c.Usage.DefaultTier)
		}
		for name, limit := range c.Usage.Tiers {
			if limit < -1 {
				add("usage.tiers.%s must be -1 (unlimited) or a non-negative limit", name)
			}
		}
	}

	switch c.Agent.Provider {
	case "anthropic", "openai":
		if _, ok := c.LLM.Providers[c.Agent.Provider]; !ok {
			add("agent.provider %q has no entry in llm.providers", c.Agent.Provider)
		} else if strings.TrimSpace(c.LLM.Providers[c.Agent.Provider].APIKey) == "" {
			add("llm.providers.%s.api_key is required", c.Agent.Provider)
		}
	default:
		add("agent.provider must be anthropic or openai")
	}
	if c.Agent.MaxToolCalls < 0 {
		add("agent.max_tool_calls must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn, or error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) == 0 {
		return nil
	}
	errs := make([]error, len(issues))
	for i, issue := range issues {
		errs[i] = errors.New(issue)
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}
