// ABOUTME: Configuration loading and parsing for coven-state
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load and DefaultPath.
const (
	EnvConfigPath = "COVEN_STATE_CONFIG"
	EnvDBPath     = "COVEN_STATE_DB_PATH"
)

// Config represents the complete coven-state configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Execution  ExecutionConfig  `yaml:"execution" toml:"execution"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	Assistants AssistantsConfig `yaml:"assistants" toml:"assistants"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing" toml:"tracing"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // health only; empty disables
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve on :443 with a tailnet certificate
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver      string        `yaml:"driver" toml:"driver"` // sqlite | sqlite3 | bolt
	Path        string        `yaml:"path" toml:"path"`
	BusyTimeout time.Duration `yaml:"-" toml:"-"`

	BusyTimeoutRaw string `yaml:"busy_timeout" toml:"busy_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret" toml:"jwt_secret"`
	TenantHeader string `yaml:"tenant_header" toml:"tenant_header"`
}

// ExecutionConfig bounds the write path
type ExecutionConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" toml:"max_attempts"`
	ExecutorTimeout time.Duration `yaml:"-" toml:"-"`

	ExecutorTimeoutRaw string `yaml:"executor_timeout" toml:"executor_timeout"`

	// RemoteHosts lists the hosts remote assistants may post to, as
	// "host" or "host:port". Empty disables remote assistants.
	RemoteHosts []string `yaml:"remote_hosts" toml:"remote_hosts"`
}

// StoreConfig tunes storage access
type StoreConfig struct {
	Retries         int `yaml:"retries" toml:"retries"`
	HistoryPageSize int `yaml:"history_page_size" toml:"history_page_size"`
}

// AssistantsConfig sizes the assistant resolution cache
type AssistantsConfig struct {
	CacheSize int           `yaml:"cache_size" toml:"cache_size"`
	CacheTTL  time.Duration `yaml:"-" toml:"-"`

	CacheTTLRaw string `yaml:"cache_ttl" toml:"cache_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TracingConfig holds OpenTelemetry export configuration
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
}

// DefaultPath returns the config file location.
// Priority: COVEN_STATE_CONFIG env var > XDG_CONFIG_HOME/coven/state.yaml > ~/.config/coven/state.yaml
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "state.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "coven", "state.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config content, applies defaults and env overrides, and validates.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if p := os.Getenv(EnvDBPath); p != "" {
		cfg.Database.Path = p
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in optional fields left empty.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}
	if c.Auth.TenantHeader == "" {
		c.Auth.TenantHeader = "X-Tenant-ID"
	}
	if c.Execution.MaxAttempts == 0 {
		c.Execution.MaxAttempts = 4
	}
	if c.Execution.ExecutorTimeout == 0 {
		c.Execution.ExecutorTimeout = 30 * time.Second
	}
	if c.Store.Retries == 0 {
		c.Store.Retries = 5
	}
	if c.Store.HistoryPageSize == 0 {
		c.Store.HistoryPageSize = 50
	}
	if c.Assistants.CacheSize == 0 {
		c.Assistants.CacheSize = 256
	}
	if c.Assistants.CacheTTL == 0 {
		c.Assistants.CacheTTL = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4318"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3", "bolt":
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, bolt", c.Database.Driver)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("execution.max_attempts must be at least 1")
	}
	for i, h := range c.Execution.RemoteHosts {
		if strings.TrimSpace(h) == "" || strings.Contains(h, "/") {
			return fmt.Errorf("execution.remote_hosts[%d] %q is not a host or host:port", i, h)
		}
	}
	if c.Store.Retries < 0 {
		return fmt.Errorf("store.retries must not be negative")
	}
	if c.Store.HistoryPageSize < 1 {
		return fmt.Errorf("store.history_page_size must be at least 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Database.BusyTimeoutRaw != "" {
		cfg.Database.BusyTimeout, err = time.ParseDuration(cfg.Database.BusyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing busy_timeout %q: %w", cfg.Database.BusyTimeoutRaw, err)
		}
	}

	if cfg.Execution.ExecutorTimeoutRaw != "" {
		cfg.Execution.ExecutorTimeout, err = time.ParseDuration(cfg.Execution.ExecutorTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing executor_timeout %q: %w", cfg.Execution.ExecutorTimeoutRaw, err)
		}
	}

	if cfg.Assistants.CacheTTLRaw != "" {
		cfg.Assistants.CacheTTL, err = time.ParseDuration(cfg.Assistants.CacheTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing cache_ttl %q: %w", cfg.Assistants.CacheTTLRaw, err)
		}
	}

	return nil
}
