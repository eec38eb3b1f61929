package config

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "./metric-explorer.yaml"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RequestsPerMinute = 120

	// LLM defaults
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.Anthropic = map[string]interface{}{
		"model":      "claude-sonnet-4-20250514",
		"max_tokens": 4096,
	}
	cfg.LLM.OpenAI = map[string]interface{}{
		"model":      "gpt-4o",
		"max_tokens": 4096,
	}
	cfg.LLM.MaxRetries = 3
	cfg.LLM.InitialDelay = 1.0
	cfg.LLM.BackoffMultiplier = 2.0
	cfg.LLM.RequestsPerSecond = 2
	cfg.LLM.TimeoutSeconds = 120

	// Analysis defaults
	cfg.Analysis.MaxTurns = 10
	cfg.Analysis.CommandTimeoutSeconds = 120
	cfg.Analysis.SampleRows = 10

	// Session defaults
	cfg.Session.StoragePath = "./sessions"
	cfg.Session.TimeoutHours = 24
	cfg.Session.MaxFileSizeMB = 50
	cfg.Session.MaxFiles = 10

	// Memory store defaults
	cfg.Memory.Backend = "none"
	cfg.Memory.WeaviateHost = "localhost:8081"
	cfg.Memory.WeaviateScheme = "http"
	cfg.Memory.WeaviateClass = "InvestigationMemory"
	cfg.Memory.ChunkSize = 1000
	cfg.Memory.ChunkOverlap = 100

	// Database defaults
	cfg.Database.SQLitePath = "./metric-explorer.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AppLogPath = ""
	cfg.Logging.AuditLogPath = "./logs/audit.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	return cfg
}
