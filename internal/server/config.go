package server

import (
	"fmt"
	"strings"
	"time"

	appconfig "github.com/MLMario/metric-explorer/internal/config"
)

// Config represents the server configuration
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// AllowedOrigins lists the origins permitted to open WebSocket connections.
	// Use "*" to allow all origins (development only). Defaults to the local
	// frontend dev servers.
	AllowedOrigins []string `json:"allowed_origins"`

	// RequestsPerMinute limits API calls per client host. 0 disables it.
	RequestsPerMinute int `json:"requests_per_minute"`

	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultConfig returns the listen defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// ConfigFrom maps the server section of the application config.
func ConfigFrom(app *appconfig.Config) Config {
	cfg := DefaultConfig()
	if app == nil {
		return cfg
	}
	if app.Server.Host != "" {
		cfg.Host = app.Server.Host
	}
	if app.Server.Port > 0 {
		cfg.Port = app.Server.Port
	}
	cfg.RequestsPerMinute = app.Server.RequestsPerMinute
	for _, o := range app.Server.AllowedOrigins {
		for _, part := range splitCSV(o) {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, part)
		}
	}
	return cfg
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the listen settings.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// splitCSV splits a comma-separated string into trimmed non-empty parts.
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	return result
}
