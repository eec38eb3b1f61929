package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variables read through viper.
const EnvPrefix = "METRIC_EXPLORER"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	mu         sync.RWMutex
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults + env vars are enough to run.
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.Get(ctx):
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.requests_per_minute", defaults.Server.RequestsPerMinute)

	m.viper.SetDefault("llm.provider", defaults.LLM.Provider)
	m.viper.SetDefault("llm.anthropic", defaults.LLM.Anthropic)
	m.viper.SetDefault("llm.openai", defaults.LLM.OpenAI)
	m.viper.SetDefault("llm.max_retries", defaults.LLM.MaxRetries)
	m.viper.SetDefault("llm.initial_delay", defaults.LLM.InitialDelay)
	m.viper.SetDefault("llm.backoff_multiplier", defaults.LLM.BackoffMultiplier)
	m.viper.SetDefault("llm.requests_per_second", defaults.LLM.RequestsPerSecond)
	m.viper.SetDefault("llm.timeout_seconds", defaults.LLM.TimeoutSeconds)
	m.viper.SetDefault("llm.session_token_limit", defaults.LLM.SessionTokenLimit)
	m.viper.SetDefault("llm.session_cost_limit_usd", defaults.LLM.SessionCostLimitUSD)

	m.viper.SetDefault("analysis.max_turns", defaults.Analysis.MaxTurns)
	m.viper.SetDefault("analysis.command_timeout_seconds", defaults.Analysis.CommandTimeoutSeconds)
	m.viper.SetDefault("analysis.sample_rows", defaults.Analysis.SampleRows)

	m.viper.SetDefault("session.storage_path", defaults.Session.StoragePath)
	m.viper.SetDefault("session.timeout_hours", defaults.Session.TimeoutHours)
	m.viper.SetDefault("session.max_file_size_mb", defaults.Session.MaxFileSizeMB)
	m.viper.SetDefault("session.max_files", defaults.Session.MaxFiles)

	m.viper.SetDefault("memory.backend", defaults.Memory.Backend)
	m.viper.SetDefault("memory.weaviate_host", defaults.Memory.WeaviateHost)
	m.viper.SetDefault("memory.weaviate_scheme", defaults.Memory.WeaviateScheme)
	m.viper.SetDefault("memory.weaviate_class", defaults.Memory.WeaviateClass)
	m.viper.SetDefault("memory.chunk_size", defaults.Memory.ChunkSize)
	m.viper.SetDefault("memory.chunk_overlap", defaults.Memory.ChunkOverlap)

	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.app_log_path", defaults.Logging.AppLogPath)
	m.viper.SetDefault("logging.audit_log_path", defaults.Logging.AuditLogPath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.RequestsPerMinute = m.viper.GetInt("server.requests_per_minute")

	cfg.LLM.Provider = m.viper.GetString("llm.provider")
	cfg.LLM.Anthropic = m.viper.GetStringMap("llm.anthropic")
	cfg.LLM.OpenAI = m.viper.GetStringMap("llm.openai")
	cfg.LLM.MaxRetries = m.viper.GetInt("llm.max_retries")
	cfg.LLM.InitialDelay = m.viper.GetFloat64("llm.initial_delay")
	cfg.LLM.BackoffMultiplier = m.viper.GetFloat64("llm.backoff_multiplier")
	cfg.LLM.RequestsPerSecond = m.viper.GetFloat64("llm.requests_per_second")
	cfg.LLM.TimeoutSeconds = m.viper.GetInt("llm.timeout_seconds")
	cfg.LLM.SessionTokenLimit = m.viper.GetInt("llm.session_token_limit")
	cfg.LLM.SessionCostLimitUSD = m.viper.GetFloat64("llm.session_cost_limit_usd")

	cfg.Analysis.MaxTurns = m.viper.GetInt("analysis.max_turns")
	cfg.Analysis.CommandTimeoutSeconds = m.viper.GetInt("analysis.command_timeout_seconds")
	cfg.Analysis.SampleRows = m.viper.GetInt("analysis.sample_rows")

	cfg.Session.StoragePath = m.viper.GetString("session.storage_path")
	cfg.Session.TimeoutHours = m.viper.GetInt("session.timeout_hours")
	cfg.Session.MaxFileSizeMB = m.viper.GetInt("session.max_file_size_mb")
	cfg.Session.MaxFiles = m.viper.GetInt("session.max_files")

	cfg.Memory.Backend = m.viper.GetString("memory.backend")
	cfg.Memory.WeaviateHost = m.viper.GetString("memory.weaviate_host")
	cfg.Memory.WeaviateScheme = m.viper.GetString("memory.weaviate_scheme")
	cfg.Memory.WeaviateClass = m.viper.GetString("memory.weaviate_class")
	cfg.Memory.ChunkSize = m.viper.GetInt("memory.chunk_size")
	cfg.Memory.ChunkOverlap = m.viper.GetInt("memory.chunk_overlap")

	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies the unprefixed environment variables the
// original deployment scripts export.
func (m *viperConfigManager) applyEnvOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.config

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		if cfg.LLM.Anthropic == nil {
			cfg.LLM.Anthropic = make(map[string]interface{})
		}
		cfg.LLM.Anthropic["api_key"] = apiKey
	}
	if model := os.Getenv("ANTHROPIC_MODEL"); model != "" {
		if cfg.LLM.Anthropic == nil {
			cfg.LLM.Anthropic = make(map[string]interface{})
		}
		cfg.LLM.Anthropic["model"] = model
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		if cfg.LLM.OpenAI == nil {
			cfg.LLM.OpenAI = make(map[string]interface{})
		}
		cfg.LLM.OpenAI["api_key"] = apiKey
	}

	if v, ok := envInt("ANALYSIS_MAX_TURNS"); ok {
		cfg.Analysis.MaxTurns = v
	}
	if v, ok := envInt("LLM_MAX_RETRIES"); ok {
		cfg.LLM.MaxRetries = v
	}
	if v, ok := envFloat("LLM_INITIAL_DELAY"); ok {
		cfg.LLM.InitialDelay = v
	}
	if v, ok := envFloat("LLM_BACKOFF_MULTIPLIER"); ok {
		cfg.LLM.BackoffMultiplier = v
	}
	if v, ok := envInt("SESSION_TIMEOUT_HOURS"); ok {
		cfg.Session.TimeoutHours = v
	}
	if v, ok := envInt("MAX_FILE_SIZE_MB"); ok {
		cfg.Session.MaxFileSizeMB = v
	}
	if v, ok := envInt("MAX_FILES_PER_SESSION"); ok {
		cfg.Session.MaxFiles = v
	}
	if path := os.Getenv("SESSION_STORAGE_PATH"); path != "" {
		cfg.Session.StoragePath = path
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}

	// A configured remote endpoint switches the memory store on.
	for _, key := range []string{"MEMORY_STORE_URL", "SUPABASE_URL"} {
		if host := os.Getenv(key); host != "" {
			cfg.Memory.Backend = "weaviate"
			cfg.Memory.WeaviateScheme, cfg.Memory.WeaviateHost = splitScheme(host)
			break
		}
	}
}

// Save writes cfg as YAML to path, creating parent directories.
func Save(cfg *Config, path string) error {
	doc := map[string]interface{}{
		"server": map[string]interface{}{
			"host":                cfg.Server.Host,
			"port":                cfg.Server.Port,
			"allowed_origins":     cfg.Server.AllowedOrigins,
			"requests_per_minute": cfg.Server.RequestsPerMinute,
		},
		"llm": map[string]interface{}{
			"provider":            cfg.LLM.Provider,
			"anthropic":           redact(cfg.LLM.Anthropic),
			"openai":              redact(cfg.LLM.OpenAI),
			"max_retries":         cfg.LLM.MaxRetries,
			"initial_delay":       cfg.LLM.InitialDelay,
			"backoff_multiplier":  cfg.LLM.BackoffMultiplier,
			"requests_per_second": cfg.LLM.RequestsPerSecond,
			"timeout_seconds":     cfg.LLM.TimeoutSeconds,

			"session_token_limit":    cfg.LLM.SessionTokenLimit,
			"session_cost_limit_usd": cfg.LLM.SessionCostLimitUSD,
		},
		"analysis": map[string]interface{}{
			"max_turns":               cfg.Analysis.MaxTurns,
			"command_timeout_seconds": cfg.Analysis.CommandTimeoutSeconds,
			"sample_rows":             cfg.Analysis.SampleRows,
		},
		"session": map[string]interface{}{
			"storage_path":     cfg.Session.StoragePath,
			"timeout_hours":    cfg.Session.TimeoutHours,
			"max_file_size_mb": cfg.Session.MaxFileSizeMB,
			"max_files":        cfg.Session.MaxFiles,
		},
		"memory": map[string]interface{}{
			"backend":         cfg.Memory.Backend,
			"weaviate_host":   cfg.Memory.WeaviateHost,
			"weaviate_scheme": cfg.Memory.WeaviateScheme,
			"weaviate_class":  cfg.Memory.WeaviateClass,
			"chunk_size":      cfg.Memory.ChunkSize,
			"chunk_overlap":   cfg.Memory.ChunkOverlap,
		},
		"database": map[string]interface{}{
			"sqlite_path": cfg.Database.SQLitePath,
		},
		"logging": map[string]interface{}{
			"level":          cfg.Logging.Level,
			"format":         cfg.Logging.Format,
			"app_log_path":   cfg.Logging.AppLogPath,
			"audit_log_path": cfg.Logging.AuditLogPath,
			"max_size_mb":    cfg.Logging.MaxSizeMB,
			"max_backups":    cfg.Logging.MaxBackups,
			"max_age_days":   cfg.Logging.MaxAgeDays,
			"compress":       cfg.Logging.Compress,
		},
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// redact drops credentials so Save never writes API keys to disk.
func redact(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k == "api_key" {
			continue
		}
		out[k] = v
	}
	return out
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func splitScheme(raw string) (scheme, host string) {
	if i := strings.Index(raw, "://"); i > 0 {
		return raw[:i], strings.TrimSuffix(raw[i+3:], "/")
	}
	return "http", strings.TrimSuffix(raw, "/")
}
