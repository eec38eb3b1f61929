package config

import (
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap/zapcore"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
// Missing LLM credentials are not an error: the service starts degraded and
// the investigate endpoint answers 503 until a key is supplied.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}
	if c.Server.Host != "" && net.ParseIP(c.Server.Host) == nil && c.Server.Host != "localhost" {
		errs = append(errs, &ValidationError{
			Field:   "server.host",
			Message: fmt.Sprintf("host must be an IP address or localhost, got %q", c.Server.Host),
		})
	}
	if c.Server.RequestsPerMinute < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.requests_per_minute",
			Message: "must be >= 0",
		})
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		errs = append(errs, &ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: anthropic, openai", c.LLM.Provider),
		})
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, &ValidationError{
			Field:   "llm.max_retries",
			Message: fmt.Sprintf("max_retries cannot be negative, got %d", c.LLM.MaxRetries),
		})
	}
	if c.LLM.InitialDelay < 0 {
		errs = append(errs, &ValidationError{
			Field:   "llm.initial_delay",
			Message: fmt.Sprintf("initial_delay cannot be negative, got %g", c.LLM.InitialDelay),
		})
	}
	if c.LLM.BackoffMultiplier < 1 {
		errs = append(errs, &ValidationError{
			Field:   "llm.backoff_multiplier",
			Message: fmt.Sprintf("backoff_multiplier must be at least 1, got %g", c.LLM.BackoffMultiplier),
		})
	}
	if c.LLM.RequestsPerSecond <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "llm.requests_per_second",
			Message: "requests_per_second must be positive",
		})
	}

	if c.LLM.SessionTokenLimit < 0 || c.LLM.SessionCostLimitUSD < 0 {
		errs = append(errs, &ValidationError{
			Field:   "llm.session_token_limit",
			Message: "session limits cannot be negative",
		})
	}

	if c.Analysis.MaxTurns < 1 {
		errs = append(errs, &ValidationError{
			Field:   "analysis.max_turns",
			Message: fmt.Sprintf("max_turns must be at least 1, got %d", c.Analysis.MaxTurns),
		})
	}
	if c.Analysis.SampleRows < 1 {
		errs = append(errs, &ValidationError{
			Field:   "analysis.sample_rows",
			Message: fmt.Sprintf("sample_rows must be at least 1, got %d", c.Analysis.SampleRows),
		})
	}
	if c.Analysis.CommandTimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "analysis.command_timeout_seconds",
			Message: "command_timeout_seconds must be at least 1",
		})
	}

	if strings.TrimSpace(c.Session.StoragePath) == "" {
		errs = append(errs, &ValidationError{
			Field:   "session.storage_path",
			Message: "storage_path is required",
		})
	}
	if c.Session.MaxFiles < 1 {
		errs = append(errs, &ValidationError{
			Field:   "session.max_files",
			Message: fmt.Sprintf("max_files must be at least 1, got %d", c.Session.MaxFiles),
		})
	}

	switch c.Memory.Backend {
	case "none", "sqlite":
	case "weaviate":
		if c.Memory.WeaviateHost == "" {
			errs = append(errs, &ValidationError{
				Field:   "memory.weaviate_host",
				Message: "weaviate_host is required when backend is weaviate",
			})
		}
		if c.Memory.WeaviateClass == "" {
			errs = append(errs, &ValidationError{
				Field:   "memory.weaviate_class",
				Message: "weaviate_class is required when backend is weaviate",
			})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "memory.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: none, sqlite, weaviate", c.Memory.Backend),
		})
	}
	if c.Memory.ChunkOverlap >= c.Memory.ChunkSize {
		errs = append(errs, &ValidationError{
			Field:   "memory.chunk_overlap",
			Message: fmt.Sprintf("chunk_overlap (%d) must be smaller than chunk_size (%d)", c.Memory.ChunkOverlap, c.Memory.ChunkSize),
		})
	}

	if c.Database.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required",
		})
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, console", c.Logging.Format),
		})
	}

	return errs
}
