package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Hard bounds on a single run. Configuration may narrow them, never widen them.
const (
	MinRunTimeout = 1 * time.Second
	MaxRunTimeout = 30 * time.Second
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Sessions SessionsConfig `yaml:"sessions"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	Quota    QuotaConfig    `yaml:"quota"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Backend          string        `yaml:"backend"` // "process" (default), "docker", "containerd", or "auto"
	PythonBinary     string        `yaml:"python_binary"`
	PythonImage      string        `yaml:"python_image"`
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	WorkRoot         string        `yaml:"work_root"` // parent of per-run temp dirs; empty uses os.TempDir
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	Niceness         int           `yaml:"niceness"`
	OutputLimit      int           `yaml:"output_limit_bytes"`
	CaptureLimit     int           `yaml:"capture_limit_bytes"`
	DefaultLimits    DefaultLimits `yaml:"default_limits"`
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

// LedgerConfig bounds the per-owner execution history.
type LedgerConfig struct {
	MaxEntriesPerOwner int  `yaml:"max_entries_per_owner"`
	SnippetLimit       int  `yaml:"snippet_limit"`
	PreviewCodeLimit   int  `yaml:"preview_code_limit"`
	PreviewOutputLimit int  `yaml:"preview_output_limit"`
	Async              bool `yaml:"async"`
	BufferSize         int  `yaml:"buffer_size"`
}

// SessionsConfig controls collaborative session lifetime.
type SessionsConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	ScrollbackLimit   int           `yaml:"scrollback_limit"`
	DefaultTTL        time.Duration `yaml:"default_ttl"`    // zero means sessions never hard-expire
	SweepSchedule     string        `yaml:"sweep_schedule"` // cron expression; empty disables the sweeper
	SendBuffer        int           `yaml:"send_buffer"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "", "sqlite", or "postgres"
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Sample      float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	UserHeader           string   `yaml:"user_header"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
	SeccompProfile       string   `yaml:"seccomp_profile"`
}

// QuotaConfig holds per-user request quotas, checked before any domain work.
type QuotaConfig struct {
	Execute       QuotaRule `yaml:"execute"`
	SessionCreate QuotaRule `yaml:"session_create"`
}

// QuotaRule allows Requests per Window. Zero Requests disables the rule.
type QuotaRule struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    45 * time.Second, // > max run timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			Backend:          "process",
			PythonBinary:     "python3",
			PythonImage:      "docker.io/library/python:3.12-slim",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "coderoom",
			DefaultTimeout:   10 * time.Second,
			MaxTimeout:       MaxRunTimeout,
			MaxConcurrent:    32,
			Niceness:         10,
			OutputLimit:      5000,
			CaptureLimit:     1 << 20,
			DefaultLimits: DefaultLimits{
				CPUShares: 512,
				MemoryMB:  256,
				PidsLimit: 50,
				DiskMB:    100,
			},
		},
		Ledger: LedgerConfig{
			MaxEntriesPerOwner: 100,
			SnippetLimit:       1000,
			PreviewCodeLimit:   200,
			PreviewOutputLimit: 500,
			Async:              false,
			BufferSize:         1000,
		},
		Sessions: SessionsConfig{
			InactivityTimeout: time.Hour,
			ScrollbackLimit:   1000,
			SendBuffer:        64,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Sample:      0.1,
			ServiceName: "coderoom",
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			UserHeader:     "X-User-ID",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Quota: QuotaConfig{
			Execute:       QuotaRule{Requests: 30, Window: time.Minute},
			SessionCreate: QuotaRule{Requests: 10, Window: time.Hour},
		},
	}
}

// ApplyEnv overrides selected fields from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		} else {
			log.Warn().Str("PORT", v).Msg("ignoring non-numeric PORT")
		}
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
		if c.Database.Driver == "" {
			c.Database.Driver = guessDriver(v)
		}
	}
	if v := os.Getenv("SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
}

func guessDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Backend {
	case "process", "docker", "containerd", "auto":
	default:
		return fmt.Errorf("sandbox.backend must be process, docker, containerd or auto, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.MaxTimeout < MinRunTimeout || c.Sandbox.MaxTimeout > MaxRunTimeout {
		return fmt.Errorf("sandbox.max_timeout must be within %s-%s, got %s",
			MinRunTimeout, MaxRunTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.DefaultTimeout < MinRunTimeout || c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be within %s and max_timeout (%s)",
			c.Sandbox.DefaultTimeout, MinRunTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.Niceness < 0 || c.Sandbox.Niceness > 19 {
		return fmt.Errorf("sandbox.niceness must be 0-19, got %d", c.Sandbox.Niceness)
	}
	if c.Sandbox.OutputLimit < 1 {
		return fmt.Errorf("sandbox.output_limit_bytes must be >= 1")
	}
	if c.Sandbox.CaptureLimit < c.Sandbox.OutputLimit {
		return fmt.Errorf("sandbox.capture_limit_bytes (%d) must be >= output_limit_bytes (%d)",
			c.Sandbox.CaptureLimit, c.Sandbox.OutputLimit)
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 16")
	}
	if c.Sandbox.WorkRoot != "" && !filepath.IsAbs(c.Sandbox.WorkRoot) {
		return fmt.Errorf("sandbox.work_root: %q must be an absolute path", c.Sandbox.WorkRoot)
	}
	if c.Ledger.MaxEntriesPerOwner < 1 {
		return fmt.Errorf("ledger.max_entries_per_owner must be >= 1")
	}
	if c.Ledger.SnippetLimit < c.Ledger.PreviewCodeLimit {
		return fmt.Errorf("ledger.snippet_limit (%d) must be >= preview_code_limit (%d)",
			c.Ledger.SnippetLimit, c.Ledger.PreviewCodeLimit)
	}
	if c.Ledger.Async && c.Ledger.BufferSize < 1 {
		return fmt.Errorf("ledger.buffer_size must be >= 1 when async is enabled")
	}
	if c.Sessions.InactivityTimeout <= 0 {
		return fmt.Errorf("sessions.inactivity_timeout must be positive")
	}
	if c.Sessions.ScrollbackLimit < 1 {
		return fmt.Errorf("sessions.scrollback_limit must be >= 1")
	}
	if c.Sessions.DefaultTTL < 0 {
		return fmt.Errorf("sessions.default_ttl must not be negative")
	}
	if c.Sessions.SweepSchedule != "" {
		if _, err := ParseSchedule(c.Sessions.SweepSchedule); err != nil {
			return fmt.Errorf("sessions.sweep_schedule: %w", err)
		}
	}
	switch c.Database.Driver {
	case "":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	for name, rule := range map[string]QuotaRule{"execute": c.Quota.Execute, "session_create": c.Quota.SessionCreate} {
		if rule.Requests < 0 || (rule.Requests > 0 && rule.Window <= 0) {
			return fmt.Errorf("quota.%s needs requests >= 0 and a positive window", name)
		}
	}
	if c.Tracing.Sample < 0 || c.Tracing.Sample > 1 {
		return fmt.Errorf("tracing.sample_rate must be 0-1, got %v", c.Tracing.Sample)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.Driver == "postgres" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// ParseSchedule parses a standard five-field cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(spec)
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
