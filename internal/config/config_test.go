package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.AnthropicString("model"))
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
	assert.Equal(t, 1.0, cfg.LLM.InitialDelay)
	assert.Equal(t, 2.0, cfg.LLM.BackoffMultiplier)

	assert.Equal(t, 10, cfg.Analysis.MaxTurns)
	assert.Equal(t, 10, cfg.Analysis.SampleRows)

	assert.Equal(t, "./sessions", cfg.Session.StoragePath)
	assert.Equal(t, 24, cfg.Session.TimeoutHours)
	assert.Equal(t, 50, cfg.Session.MaxFileSizeMB)
	assert.Equal(t, 10, cfg.Session.MaxFiles)

	assert.Equal(t, "none", cfg.Memory.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.Empty(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name:      "invalid port - too low",
			modifyFn:  func(cfg *Config) { cfg.Server.Port = 0 },
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name:      "invalid provider",
			modifyFn:  func(cfg *Config) { cfg.LLM.Provider = "ollama" },
			wantError: true,
			errorMsg:  "invalid provider 'ollama'",
		},
		{
			name:      "negative retries",
			modifyFn:  func(cfg *Config) { cfg.LLM.MaxRetries = -1 },
			wantError: true,
			errorMsg:  "max_retries cannot be negative",
		},
		{
			name:      "backoff multiplier below one",
			modifyFn:  func(cfg *Config) { cfg.LLM.BackoffMultiplier = 0.5 },
			wantError: true,
			errorMsg:  "backoff_multiplier must be at least 1",
		},
		{
			name:      "zero max turns",
			modifyFn:  func(cfg *Config) { cfg.Analysis.MaxTurns = 0 },
			wantError: true,
			errorMsg:  "max_turns must be at least 1",
		},
		{
			name:      "empty storage path",
			modifyFn:  func(cfg *Config) { cfg.Session.StoragePath = " " },
			wantError: true,
			errorMsg:  "storage_path is required",
		},
		{
			name:      "unknown memory backend",
			modifyFn:  func(cfg *Config) { cfg.Memory.Backend = "supabase" },
			wantError: true,
			errorMsg:  "invalid backend 'supabase'",
		},
		{
			name: "weaviate without host",
			modifyFn: func(cfg *Config) {
				cfg.Memory.Backend = "weaviate"
				cfg.Memory.WeaviateHost = ""
			},
			wantError: true,
			errorMsg:  "weaviate_host is required",
		},
		{
			name:      "overlap larger than chunk",
			modifyFn:  func(cfg *Config) { cfg.Memory.ChunkOverlap = 2000 },
			wantError: true,
			errorMsg:  "must be smaller than chunk_size",
		},
		{
			name:      "invalid log level",
			modifyFn:  func(cfg *Config) { cfg.Logging.Level = "verbose" },
			wantError: true,
			errorMsg:  "invalid log level 'verbose'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()

			if !tt.wantError {
				assert.Empty(t, errs, "expected no validation errors but got: %v", errs)
				return
			}
			require.NotEmpty(t, errs, "expected validation errors but got none")
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.errorMsg) {
					found = true
					break
				}
			}
			assert.True(t, found, "expected error message containing '%s', got: %v", tt.errorMsg, errs)
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090

llm:
  provider: "anthropic"
  anthropic:
    api_key: "test-anthropic-key"
    model: "claude-sonnet-4-20250514"
  max_retries: 5

analysis:
  max_turns: 4

session:
  storage_path: "/data/sessions"

logging:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.LLM.MaxRetries)
	assert.Equal(t, 4, cfg.Analysis.MaxTurns)
	assert.Equal(t, "/data/sessions", cfg.Session.StoragePath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	apiKey, model, _ := cfg.ProviderSettings()
	assert.Equal(t, "test-anthropic-key", apiKey)
	assert.Equal(t, "claude-sonnet-4-20250514", model)

	// Untouched sections keep their defaults.
	assert.Equal(t, 2.0, cfg.LLM.BackoffMultiplier)
	assert.Equal(t, "none", cfg.Memory.Backend)
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic-key")
	t.Setenv("ANALYSIS_MAX_TURNS", "7")
	t.Setenv("SESSION_STORAGE_PATH", "/tmp/env-sessions")
	t.Setenv("LLM_INITIAL_DELAY", "0.25")
	t.Setenv("SUPABASE_URL", "https://memory.example.com/")
	t.Setenv("METRIC_EXPLORER_SERVER_PORT", "7070")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
server:
  port: 8081
analysis:
  max_turns: 3
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 7070, cfg.Server.Port, "prefixed env var should override config file")
	assert.Equal(t, 7, cfg.Analysis.MaxTurns)
	assert.Equal(t, "/tmp/env-sessions", cfg.Session.StoragePath)
	assert.Equal(t, 0.25, cfg.LLM.InitialDelay)
	assert.Equal(t, "env-anthropic-key", cfg.AnthropicString("api_key"))
	assert.Equal(t, "weaviate", cfg.Memory.Backend)
	assert.Equal(t, "https", cfg.Memory.WeaviateScheme)
	assert.Equal(t, "memory.example.com", cfg.Memory.WeaviateHost)
}

func TestConfigManagerMissingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nonexistent-config.yaml")

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerValidation(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
server:
  port: 99999
llm:
  provider: "invalid-provider"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "llm.provider")
}

func TestSaveRedactsCredentialsAndReloads(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Anthropic["api_key"] = "secret"
	cfg.Analysis.MaxTurns = 6

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(cfg, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	mgr, err := NewConfigManager(path)
	require.NoError(t, err)
	require.NoError(t, mgr.Load(context.Background()))
	assert.Equal(t, 6, mgr.Get(context.Background()).Analysis.MaxTurns)
}
