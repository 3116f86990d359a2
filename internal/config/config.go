// Package config handles loading and validating coderun configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for coderun.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.coderun/data. Override: CODERUN_DATA_DIR env var.
	Log           LogConfig            `json:"log" yaml:"log"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under the data directory
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error". Override: CODERUN_LOG_LEVEL.
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// SandboxConfig controls admission and execution of submitted code.
// It is read once at startup and never mutated afterwards.
type SandboxConfig struct {
	MaxConcurrentExecutions int            `json:"max_concurrent_executions" yaml:"max_concurrent_executions"` // Default: 3
	ExecutionTimeoutMs      int            `json:"execution_timeout_ms" yaml:"execution_timeout_ms"`           // Default: 30000
	TempDirPrefix           string         `json:"temp_dir_prefix" yaml:"temp_dir_prefix"`                     // Directory under the OS temp dir. Default: "mcp-code-interpreter"
	WorkingDir              string         `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`         // Child working directory. Empty = server working directory.
	Security                SecurityConfig `json:"security" yaml:"security"`
	Runtimes                RuntimesConfig `json:"runtimes" yaml:"runtimes"`
	Sweeper                 SweeperConfig  `json:"sweeper" yaml:"sweeper"`
}

// ExecutionTimeout returns the configured timeout as a duration.
func (s SandboxConfig) ExecutionTimeout() time.Duration {
	return time.Duration(s.ExecutionTimeoutMs) * time.Millisecond
}

// TempDir returns the absolute directory that holds temp source files.
func (s SandboxConfig) TempDir() string {
	return filepath.Join(os.TempDir(), s.TempDirPrefix)
}

// SecurityConfig configures the pre-execution safety analysis.
type SecurityConfig struct {
	EnableAnalysis     bool `json:"enable_analysis" yaml:"enable_analysis"`           // Default: true
	MaxCodeLengthBytes int  `json:"max_code_length_bytes" yaml:"max_code_length_bytes"` // Default: 50000
	AnalysisTimeoutMs  int  `json:"analysis_timeout_ms" yaml:"analysis_timeout_ms"`     // Default: 30000
}

// AnalysisTimeout returns the analysis budget as a duration.
func (s SecurityConfig) AnalysisTimeout() time.Duration {
	return time.Duration(s.AnalysisTimeoutMs) * time.Millisecond
}

// RuntimesConfig maps each language to the argv prefix that runs a source file.
// The temp file path is appended as the final argument. No shell is involved.
type RuntimesConfig struct {
	JavaScript []string `json:"javascript" yaml:"javascript"` // Default: ["node"]
	TypeScript []string `json:"typescript" yaml:"typescript"` // Default: ["npx", "tsx"]
}

// SweeperConfig configures the periodic removal of abandoned temp files.
type SweeperConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`                 // Default: true
	Schedule      string `json:"schedule" yaml:"schedule"`               // Cron spec. Default: "@every 5m"
	MaxAgeSeconds int    `json:"max_age_seconds" yaml:"max_age_seconds"` // 0 = max(10m, 4x execution timeout)
}

// AuditConfig configures the append-only JSONL execution audit log.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`                   // Default: true
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.jsonl
}

// StorageConfig configures the execution history backend.
type StorageConfig struct {
	Enabled  *bool                  `json:"enabled,omitempty" yaml:"enabled,omitempty"`   // nil = enabled
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// IsEnabled reports whether execution history should be persisted.
func (s *StorageConfig) IsEnabled() bool {
	return s == nil || s.Enabled == nil || *s.Enabled
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/coderun.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: CODERUN_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "coderun"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// GatewaysConfig groups the optional network surfaces. MCP over stdio is always on.
type GatewaysConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080"
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"`                             // API key → caller ID. Empty = no auth.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-caller request throttling.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = disabled
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Sandbox: SandboxConfig{
			MaxConcurrentExecutions: 3,
			ExecutionTimeoutMs:      30000,
			TempDirPrefix:           "mcp-code-interpreter",
			Security: SecurityConfig{
				EnableAnalysis:     true,
				MaxCodeLengthBytes: 50000,
				AnalysisTimeoutMs:  30000,
			},
			Runtimes: RuntimesConfig{
				JavaScript: []string{"node"},
				TypeScript: []string{"npx", "tsx"},
			},
			Sweeper: SweeperConfig{
				Enabled:  true,
				Schedule: "@every 5m",
			},
		},
		Audit: AuditConfig{Enabled: true},
	}
}

// DefaultConfigPath returns the default config file path (~/.coderun/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/coderun.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".coderun", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Values absent from the file keep their Default. An empty path skips the file entirely.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".coderun", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOptional is Load, except that a missing file at path yields the defaults.
func LoadOptional(path string) (*Config, error) {
	if path != "" {
		resolved, err := resolvePath(path)
		if err == nil {
			if _, statErr := os.Stat(resolved); errors.Is(statErr, os.ErrNotExist) {
				path = ""
			}
		}
	}
	return Load(path)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CODERUN_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CODERUN_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CODERUN_HTTP_API_KEY"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		if c.Gateways.HTTP.APIKeys == nil {
			c.Gateways.HTTP.APIKeys = make(map[string]string)
		}
		c.Gateways.HTTP.APIKeys[v] = "default"
	}
	if v := os.Getenv("CODERUN_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".coderun", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "coderun.db")
}

// AuditLogPath returns the audit log path, defaulting to the data directory.
func (c *Config) AuditLogPath() string {
	if c.Audit.Path != "" {
		if p, err := resolvePath(c.Audit.Path); err == nil {
			return p
		}
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported (use debug, info, warn, or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format %q is not supported (use json or text)", c.Log.Format)
	}

	s := c.Sandbox
	if s.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("sandbox.max_concurrent_executions must be positive")
	}
	if s.ExecutionTimeoutMs <= 0 {
		return fmt.Errorf("sandbox.execution_timeout_ms must be positive")
	}
	if s.TempDirPrefix == "" {
		return fmt.Errorf("sandbox.temp_dir_prefix is required")
	}
	if strings.ContainsRune(s.TempDirPrefix, filepath.Separator) || strings.Contains(s.TempDirPrefix, "..") {
		return fmt.Errorf("sandbox.temp_dir_prefix %q must be a single directory name", s.TempDirPrefix)
	}
	if s.Security.MaxCodeLengthBytes <= 0 {
		return fmt.Errorf("sandbox.security.max_code_length_bytes must be positive")
	}
	if s.Security.AnalysisTimeoutMs < 0 {
		return fmt.Errorf("sandbox.security.analysis_timeout_ms must not be negative")
	}
	if len(s.Runtimes.JavaScript) == 0 || s.Runtimes.JavaScript[0] == "" {
		return fmt.Errorf("sandbox.runtimes.javascript must name a program")
	}
	if len(s.Runtimes.TypeScript) == 0 || s.Runtimes.TypeScript[0] == "" {
		return fmt.Errorf("sandbox.runtimes.typescript must name a program")
	}
	if s.Sweeper.MaxAgeSeconds < 0 {
		return fmt.Errorf("sandbox.sweeper.max_age_seconds must not be negative")
	}

	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set CODERUN_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
		if rate := c.Observability.Tracing.SampleRate; rate < 0 || rate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}

	if h := c.Gateways.HTTP; h != nil && h.Enabled {
		if h.MaxRequestSizeBytes < 0 {
			return fmt.Errorf("gateways.http.max_request_size_bytes must not be negative")
		}
		if h.RateLimit.RequestsPerMinute < 0 || h.RateLimit.BurstSize < 0 {
			return fmt.Errorf("gateways.http.rate_limit values must not be negative")
		}
	}
	return nil
}
