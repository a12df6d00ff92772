package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beatline/conductor/internal/agent"
	"github.com/beatline/conductor/internal/verification"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		envVars map[string]string
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "no file uses defaults",
			check: func(t *testing.T, cfg *Config) {
				d := Default()
				if cfg.Backend.Default != d.Backend.Default {
					t.Errorf("Backend.Default = %v, want %v", cfg.Backend.Default, d.Backend.Default)
				}
				if cfg.Orchestration.Retention != 10*time.Minute {
					t.Errorf("Retention = %v, want 10m", cfg.Orchestration.Retention)
				}
				if cfg.Verification.MaxRetries != 2 {
					t.Errorf("MaxRetries = %v, want 2", cfg.Verification.MaxRetries)
				}
				if len(cfg.Verification.Actions) != 2 {
					t.Errorf("Actions = %v, want take and scene", cfg.Verification.Actions)
				}
			},
		},
		{
			name: "file values",
			file: `
backend:
  default: jsonl
  max_concurrency: 8
agent:
  name: codex
  command: codex
  dialect: codex
  args: ["--sandbox", "workspace-write"]
orchestration:
  retention: 30m
verification:
  max_retries: 5
  agent:
    command: verifier
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Backend.Default != "jsonl" {
					t.Errorf("Backend.Default = %v, want jsonl", cfg.Backend.Default)
				}
				if cfg.Backend.MaxConcurrency != 8 {
					t.Errorf("MaxConcurrency = %v, want 8", cfg.Backend.MaxConcurrency)
				}
				if cfg.Agent.Dialect != agent.DialectCodex {
					t.Errorf("Dialect = %v, want codex", cfg.Agent.Dialect)
				}
				if len(cfg.Agent.Args) != 2 {
					t.Errorf("Args = %v, want 2 entries", cfg.Agent.Args)
				}
				if cfg.Orchestration.Retention != 30*time.Minute {
					t.Errorf("Retention = %v, want 30m", cfg.Orchestration.Retention)
				}
				if cfg.VerifierAgent().Command != "verifier" {
					t.Errorf("VerifierAgent().Command = %v, want verifier", cfg.VerifierAgent().Command)
				}
				if cfg.Backend.BDBinary != "bd" {
					t.Errorf("BDBinary = %v, want default bd", cfg.Backend.BDBinary)
				}
			},
		},
		{
			name:    "environment overrides file",
			file:    "log:\n  level: warn\n",
			envVars: map[string]string{"CONDUCTOR_LOG_LEVEL": "debug", "CONDUCTOR_VERIFICATION_ENABLED": "false"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Log.Level != "debug" {
					t.Errorf("Log.Level = %v, want debug", cfg.Log.Level)
				}
				if cfg.Verification.Enabled {
					t.Errorf("Verification.Enabled = true, want false")
				}
			},
		},
		{
			name:    "invalid backend type",
			file:    "backend:\n  default: sqlite\n",
			wantErr: "backend.default",
		},
		{
			name:    "invalid duration range",
			envVars: map[string]string{"CONDUCTOR_VERIFICATION_TIMEOUT": "1s"},
			wantErr: "verification.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("XDG_CONFIG_HOME", t.TempDir())
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			file := ""
			if tt.file != "" {
				file = filepath.Join(t.TempDir(), "config.yaml")
				if err := os.WriteFile(file, []byte(tt.file), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			cfg, err := Load(New(), file)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestLoadReadsDefaultLocation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if err := os.MkdirAll(filepath.Join(dir, "conductor"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "conductor", "config.yaml"), []byte("backend:\n  fallback: jsonl\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if cfg.Backend.Fallback != "jsonl" {
		t.Errorf("Backend.Fallback = %v, want jsonl", cfg.Backend.Fallback)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{"zero concurrency", func(c *Config) { c.Backend.MaxConcurrency = 0 }, "backend.max_concurrency"},
		{"negative rate", func(c *Config) { c.Backend.RatePerSecond = -1 }, "backend.rate_per_second"},
		{"missing agent command", func(c *Config) { c.Agent.Command = "" }, "agent"},
		{"bad dialect", func(c *Config) { c.Agent.Dialect = "gpt" }, "dialect"},
		{"small buffer", func(c *Config) { c.Orchestration.EventBuffer = 10 }, "orchestration.event_buffer"},
		{"negative drain", func(c *Config) { c.Orchestration.DrainDelay = -time.Second }, "orchestration.drain_delay"},
		{"too many retries", func(c *Config) { c.Verification.MaxRetries = 11 }, "verification.max_retries"},
		{"unknown action", func(c *Config) { c.Verification.Actions = []string{"poll"} }, "verification.actions"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestVerificationActions(t *testing.T) {
	got := Default().VerificationActions()
	if len(got) != 2 || got[0] != verification.ActionTake || got[1] != verification.ActionScene {
		t.Errorf("VerificationActions() = %v", got)
	}
}
