package config

import "context"

// Package config provides configuration management for metric-explorer.
//
// Configuration Sources (priority order, high to low):
//   1. Bare environment variables kept from earlier deployments
//      (ANTHROPIC_API_KEY, ANALYSIS_MAX_TURNS, SESSION_STORAGE_PATH, ...)
//   2. Environment variables (METRIC_EXPLORER_* prefix, "." replaced by "_")
//   3. YAML config file (default: ./metric-explorer.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server    - HTTP listen address and WebSocket origins
//   2. LLM       - provider selection, credentials, retry/backoff, rate limit
//   3. Analysis  - agent turn budget, command timeout, schema sample size
//   4. Session   - session storage root and upload limits
//   5. Memory    - external memory store backend (none, sqlite, weaviate)
//   6. Database  - SQLite run index
//   7. Logging   - level, format, rotated log files

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host string
		Port int
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		// RequestsPerMinute caps API requests per client. 0 disables the limit.
		RequestsPerMinute int
	}

	// LLM provider configuration
	LLM struct {
		Provider  string
		Anthropic map[string]interface{}
		OpenAI    map[string]interface{}

		MaxRetries        int
		InitialDelay      float64 // seconds
		BackoffMultiplier float64
		RequestsPerSecond float64
		TimeoutSeconds    int

		// Per-session spend caps enforced by the budgeted adapter. Zero
		// means unlimited.
		SessionTokenLimit   int
		SessionCostLimitUSD float64
	}

	// Analysis (per-hypothesis agent loop) configuration
	Analysis struct {
		MaxTurns              int
		CommandTimeoutSeconds int
		SampleRows            int
	}

	// Session storage configuration
	Session struct {
		StoragePath   string
		TimeoutHours  int
		MaxFileSizeMB int
		MaxFiles      int
	}

	// External memory store configuration
	Memory struct {
		Backend        string // none | sqlite | weaviate
		WeaviateHost   string
		WeaviateScheme string
		WeaviateClass  string
		ChunkSize      int
		ChunkOverlap   int
	}

	// Database configuration
	Database struct {
		SQLitePath string
	}

	// Logging configuration
	Logging struct {
		Level        string
		Format       string // json | console
		AppLogPath   string
		AuditLogPath string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Compress     bool
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}

// AnthropicString returns a string setting from the anthropic provider map.
func (c *Config) AnthropicString(key string) string {
	return stringFrom(c.LLM.Anthropic, key)
}

// OpenAIString returns a string setting from the openai provider map.
func (c *Config) OpenAIString(key string) string {
	return stringFrom(c.LLM.OpenAI, key)
}

// ProviderSettings returns api key, model and base URL for the active provider.
func (c *Config) ProviderSettings() (apiKey, model, baseURL string) {
	switch c.LLM.Provider {
	case "openai":
		return c.OpenAIString("api_key"), c.OpenAIString("model"), c.OpenAIString("base_url")
	default:
		return c.AnthropicString("api_key"), c.AnthropicString("model"), c.AnthropicString("base_url")
	}
}

func stringFrom(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// ProviderMaxTokens returns max_tokens for the active provider, or 0 if unset.
func (c *Config) ProviderMaxTokens() int {
	m := c.LLM.Anthropic
	if c.LLM.Provider == "openai" {
		m = c.LLM.OpenAI
	}
	switch v := m["max_tokens"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
