package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "process" {
		t.Errorf("Sandbox.Backend = %q, want process", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.DefaultTimeout != 10*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 10s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.MaxTimeout != 30*time.Second {
		t.Errorf("Sandbox.MaxTimeout = %s, want 30s", cfg.Sandbox.MaxTimeout)
	}
	if cfg.Sandbox.OutputLimit != 5000 {
		t.Errorf("Sandbox.OutputLimit = %d, want 5000", cfg.Sandbox.OutputLimit)
	}
	if cfg.Ledger.MaxEntriesPerOwner != 100 {
		t.Errorf("Ledger.MaxEntriesPerOwner = %d, want 100", cfg.Ledger.MaxEntriesPerOwner)
	}
	if cfg.Sessions.InactivityTimeout != time.Hour {
		t.Errorf("Sessions.InactivityTimeout = %s, want 1h", cfg.Sessions.InactivityTimeout)
	}
	if cfg.Sessions.ScrollbackLimit != 1000 {
		t.Errorf("Sessions.ScrollbackLimit = %d, want 1000", cfg.Sessions.ScrollbackLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"unknown backend", func(c *Config) { c.Sandbox.Backend = "firecracker" }, true},
		{"docker backend", func(c *Config) { c.Sandbox.Backend = "docker" }, false},
		{"max_timeout above hard cap", func(c *Config) { c.Sandbox.MaxTimeout = time.Minute }, true},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Sandbox.DefaultTimeout = 20 * time.Second
			c.Sandbox.MaxTimeout = 15 * time.Second
		}, true},
		{"default_timeout below minimum", func(c *Config) { c.Sandbox.DefaultTimeout = 100 * time.Millisecond }, true},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"niceness 20", func(c *Config) { c.Sandbox.Niceness = 20 }, true},
		{"capture below output limit", func(c *Config) { c.Sandbox.CaptureLimit = 10 }, true},
		{"memory_mb < 16", func(c *Config) { c.Sandbox.DefaultLimits.MemoryMB = 8 }, true},
		{"relative work root", func(c *Config) { c.Sandbox.WorkRoot = "relative/path" }, true},
		{"absolute work root", func(c *Config) { c.Sandbox.WorkRoot = "/var/lib/coderoom" }, false},
		{"ledger cap 0", func(c *Config) { c.Ledger.MaxEntriesPerOwner = 0 }, true},
		{"snippet below preview", func(c *Config) { c.Ledger.SnippetLimit = 100 }, true},
		{"async ledger without buffer", func(c *Config) {
			c.Ledger.Async = true
			c.Ledger.BufferSize = 0
		}, true},
		{"zero inactivity", func(c *Config) { c.Sessions.InactivityTimeout = 0 }, true},
		{"zero scrollback", func(c *Config) { c.Sessions.ScrollbackLimit = 0 }, true},
		{"bad sweep schedule", func(c *Config) { c.Sessions.SweepSchedule = "every tuesday" }, true},
		{"good sweep schedule", func(c *Config) { c.Sessions.SweepSchedule = "*/5 * * * *" }, false},
		{"descriptor sweep schedule", func(c *Config) { c.Sessions.SweepSchedule = "@hourly" }, false},
		{"sqlite without dsn", func(c *Config) { c.Database.Driver = "sqlite" }, true},
		{"sqlite with dsn", func(c *Config) {
			c.Database.Driver = "sqlite"
			c.Database.DSN = "file:coderoom.db"
		}, false},
		{"unknown driver", func(c *Config) {
			c.Database.Driver = "mysql"
			c.Database.DSN = "root@/db"
		}, true},
		{"quota without window", func(c *Config) { c.Quota.Execute.Window = 0 }, true},
		{"quota disabled", func(c *Config) { c.Quota.Execute = QuotaRule{} }, false},
		{"sample rate 2", func(c *Config) { c.Tracing.Sample = 2 }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
sandbox:
  max_concurrent: 4
  default_timeout: 15s
  default_limits:
    memory_mb: 512
ledger:
  max_entries_per_owner: 20
sessions:
  inactivity_timeout: 30m
  sweep_schedule: "@every 10m"
database:
  driver: sqlite
  dsn: "file::memory:"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxConcurrent != 4 {
		t.Errorf("Sandbox.MaxConcurrent = %d, want 4", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.DefaultTimeout != 15*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 15s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.DefaultLimits.MemoryMB != 512 {
		t.Errorf("DefaultLimits.MemoryMB = %d, want 512", cfg.Sandbox.DefaultLimits.MemoryMB)
	}
	if cfg.Ledger.MaxEntriesPerOwner != 20 {
		t.Errorf("Ledger.MaxEntriesPerOwner = %d, want 20", cfg.Ledger.MaxEntriesPerOwner)
	}
	if cfg.Sessions.InactivityTimeout != 30*time.Minute {
		t.Errorf("Sessions.InactivityTimeout = %s, want 30m", cfg.Sessions.InactivityTimeout)
	}
	// untouched sections keep their defaults
	if cfg.Sessions.ScrollbackLimit != 1000 {
		t.Errorf("Sessions.ScrollbackLimit = %d, want 1000", cfg.Sessions.ScrollbackLimit)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("sandbox:\n  max_timeout: 5m\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for max_timeout above cap")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_DSN", "postgres://coderoom@localhost/coderoom")
	t.Setenv("SANDBOX_BACKEND", "docker")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Sandbox.Backend != "docker" {
		t.Errorf("Sandbox.Backend = %q, want docker", cfg.Sandbox.Backend)
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
