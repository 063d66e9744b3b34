// Package config loads the gate's YAML configuration file and layers
// environment variable overrides and defaults on top of it, the way
// the teacher's internal/config package does for its own YAML config.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for a gate instance.
type Config struct {
	StateDir       string `yaml:"stateDir"`
	LockExpiryMs   int    `yaml:"lockExpiryMs"`
	RecentWindowMs int    `yaml:"recentWindowMs"`
	InstanceID     string `yaml:"instanceId"`

	// Mode selects whether the gate consults a local store directly or
	// delegates to a shared server process over the transport below.
	Mode      string `yaml:"mode"`
	ServerURL string `yaml:"serverUrl"`
	TimeoutMs int    `yaml:"timeoutMs"`

	Store   StoreConfig   `yaml:"store"`
	Rules   RulesConfig   `yaml:"rules"`
	Server  ServerConfig  `yaml:"server"`
	Sweeper SweeperConfig `yaml:"sweeper"`
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig selects and configures the coordination store backend.
type StoreConfig struct {
	// Backend is one of "file", "postgres", "sqlite". Default "file".
	Backend string `yaml:"backend"`

	// DSN is the connection string for postgres, or the database file
	// path for sqlite. Unused for the file backend, which uses StateDir.
	DSN string `yaml:"dsn"`
}

// RulesConfig points at the rule file the tier classifier compiles and
// the Rule Watcher watches for hot reload.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the gate's HTTP listener in server mode:
// the RPC surface and the websocket status stream share Port; the
// Prometheus metrics endpoint shares it too only when MetricsPort is 0
// or equal to Port, and otherwise gets its own listener on MetricsPort.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metricsPort"`
}

// SweeperConfig configures the background loop that prunes expired
// locks and stale context records.
type SweeperConfig struct {
	IntervalMs int `yaml:"intervalMs"`
}

// LoggingConfig controls slog's level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, expands environment variables within it, decodes
// it strictly (unknown fields are rejected), applies CALLOSUM_* env
// overrides, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LockExpiryMs == 0 {
		cfg.LockExpiryMs = 300000
	}
	if cfg.RecentWindowMs == 0 {
		cfg.RecentWindowMs = 3600000
	}
	if cfg.Mode == "" {
		cfg.Mode = "local"
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = 5000
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Rules.Path == "" {
		cfg.Rules.Path = "tiers.json"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8745
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9745
	}
	if cfg.Sweeper.IntervalMs == 0 {
		cfg.Sweeper.IntervalMs = 30000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv("CALLOSUM_STATE_DIR")); value != "" {
		cfg.StateDir = value
	}
	if value := strings.TrimSpace(os.Getenv("CALLOSUM_INSTANCE_ID")); value != "" {
		cfg.InstanceID = value
	}
	if value := strings.TrimSpace(os.Getenv("CALLOSUM_LOCK_EXPIRY_MS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.LockExpiryMs = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CALLOSUM_RECENT_WINDOW_MS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.RecentWindowMs = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CALLOSUM_MODE")); value != "" {
		cfg.Mode = value
	}
	if value := strings.TrimSpace(os.Getenv("CALLOSUM_SERVER_URL")); value != "" {
		cfg.ServerURL = value
	}
	if value := strings.TrimSpace(os.Getenv("CALLOSUM_TIMEOUT_MS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.TimeoutMs = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CALLOSUM_STORE_BACKEND")); value != "" {
		cfg.Store.Backend = value
	}
	if value := strings.TrimSpace(os.Getenv("CALLOSUM_STORE_DSN")); value != "" {
		cfg.Store.DSN = value
	}
	if value := strings.TrimSpace(os.Getenv("CALLOSUM_RULES_PATH")); value != "" {
		cfg.Rules.Path = value
	}
	if value := strings.TrimSpace(os.Getenv("CALLOSUM_LOG_LEVEL")); value != "" {
		cfg.Logging.Level = value
	}
}

// ConfigValidationError collects every validation failure so an
// operator sees the full list at once instead of fixing one field per
// run.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if strings.TrimSpace(cfg.InstanceID) == "" {
		issues = append(issues, "instanceId is required")
	}
	if cfg.Mode != "local" && cfg.Mode != "remote" {
		issues = append(issues, `mode must be "local" or "remote"`)
	}
	if cfg.Mode == "remote" && strings.TrimSpace(cfg.ServerURL) == "" {
		issues = append(issues, "serverUrl is required when mode is \"remote\"")
	}
	switch cfg.Store.Backend {
	case "file", "postgres", "sqlite":
	default:
		issues = append(issues, `store.backend must be "file", "postgres", or "sqlite"`)
	}
	if cfg.Store.Backend == "file" && strings.TrimSpace(cfg.StateDir) == "" {
		issues = append(issues, "stateDir is required for the file store backend")
	}
	if (cfg.Store.Backend == "postgres" || cfg.Store.Backend == "sqlite") && strings.TrimSpace(cfg.Store.DSN) == "" {
		issues = append(issues, "store.dsn is required for the postgres and sqlite store backends")
	}
	if cfg.LockExpiryMs <= 0 {
		issues = append(issues, "lockExpiryMs must be > 0")
	}
	if cfg.RecentWindowMs <= 0 {
		issues = append(issues, "recentWindowMs must be > 0")
	}
	if cfg.TimeoutMs <= 0 {
		issues = append(issues, "timeoutMs must be > 0")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

// LockExpiry returns LockExpiryMs as a time.Duration.
func (c *Config) LockExpiry() time.Duration {
	return time.Duration(c.LockExpiryMs) * time.Millisecond
}

// RecentWindow returns RecentWindowMs as a time.Duration.
func (c *Config) RecentWindow() time.Duration {
	return time.Duration(c.RecentWindowMs) * time.Millisecond
}

// Timeout returns TimeoutMs as a time.Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// SweepInterval returns Sweeper.IntervalMs as a time.Duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweeper.IntervalMs) * time.Millisecond
}
