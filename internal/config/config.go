// Package config loads conductor settings.
//
// Precedence, lowest first: built-in defaults, the config file
// ($XDG_CONFIG_HOME/conductor/config.yaml or --config), CONDUCTOR_*
// environment variables, then command-line flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/beatline/conductor/internal/agent"
	"github.com/beatline/conductor/internal/backend/router"
	"github.com/beatline/conductor/internal/verification"
)

// EnvPrefix prefixes every environment override, e.g. CONDUCTOR_LOG_LEVEL.
const EnvPrefix = "CONDUCTOR"

// Config is the full conductor configuration.
type Config struct {
	Backend       BackendConfig       `mapstructure:"backend"`
	Agent         agent.Descriptor    `mapstructure:"agent"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Verification  VerificationConfig  `mapstructure:"verification"`
	Execution     ExecutionConfig     `mapstructure:"execution"`
	Log           LogConfig           `mapstructure:"log"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// BackendConfig selects and tunes the work-item store.
type BackendConfig struct {
	// Default forces one backend type for every repo.
	// Options: auto, cli, jsonl, knots, stub. Default: auto
	Default string `mapstructure:"default"`

	// Fallback serves calls made without a repo path. Default: stub
	Fallback string `mapstructure:"fallback"`

	BDBinary    string `mapstructure:"bd_binary"`
	KnotsBinary string `mapstructure:"knots_binary"`

	// MaxConcurrency caps concurrent tracker CLI calls.
	// Default: 4, Range: 1-64
	MaxConcurrency int `mapstructure:"max_concurrency"`

	// RatePerSecond limits tracker CLI calls; 0 disables limiting.
	// Default: 20, Range: 0-1000
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// OrchestrationConfig tunes planning sessions.
type OrchestrationConfig struct {
	// EventBuffer is the per-session replay buffer.
	// Default: 5000, Range: 100-100000
	EventBuffer int `mapstructure:"event_buffer"`

	// Retention is how long a finished session stays queryable.
	// Default: 10m, Range: 1s-24h
	Retention time.Duration `mapstructure:"retention"`

	// DrainDelay keeps subscribers attached briefly after exit.
	// Default: 250ms, Range: 0-1m
	DrainDelay time.Duration `mapstructure:"drain_delay"`

	// AbortGrace is the SIGTERM to SIGKILL delay.
	// Default: 5s, Range: 0-5m
	AbortGrace time.Duration `mapstructure:"abort_grace"`
}

// VerificationConfig tunes post-completion verification.
type VerificationConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// MaxRetries is the attempt budget before relaunching stops.
	// Default: 2, Range: 0-10
	MaxRetries int `mapstructure:"max_retries"`

	// Actions are the action kinds that trigger verification.
	// Default: [take, scene]
	Actions []string `mapstructure:"actions"`

	// Timeout bounds one verifier run. Default: 10m, Range: 10s-2h
	Timeout time.Duration `mapstructure:"timeout"`

	// Agent runs the verifier; an empty command reuses the main agent.
	Agent agent.Descriptor `mapstructure:"agent"`
}

// ExecutionConfig tunes take and scene runs.
type ExecutionConfig struct {
	// Timeout bounds one implementation run. Default: 60m, Range: 1m-24h
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level: debug, info, warn or error. Default: info
	Level string `mapstructure:"level"`
	// Format: text or json. Default: text
	Format string `mapstructure:"format"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Stdout       bool   `mapstructure:"stdout"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Default:        string(router.TypeAuto),
			Fallback:       string(router.TypeStub),
			BDBinary:       "bd",
			KnotsBinary:    "kno",
			MaxConcurrency: 4,
			RatePerSecond:  20,
		},
		Agent: agent.Descriptor{
			Name:    "claude",
			Command: "claude",
			Dialect: agent.DialectClaude,
		},
		Orchestration: OrchestrationConfig{
			EventBuffer: 5000,
			Retention:   10 * time.Minute,
			DrainDelay:  250 * time.Millisecond,
			AbortGrace:  5 * time.Second,
		},
		Verification: VerificationConfig{
			Enabled:    true,
			MaxRetries: verification.DefaultMaxRetries,
			Actions:    []string{string(verification.ActionTake), string(verification.ActionScene)},
			Timeout:    verification.DefaultTimeout,
		},
		Execution: ExecutionConfig{Timeout: 60 * time.Minute},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// SetDefaults registers every default on v so environment variables can
// override keys that appear in no config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("backend.default", d.Backend.Default)
	v.SetDefault("backend.fallback", d.Backend.Fallback)
	v.SetDefault("backend.bd_binary", d.Backend.BDBinary)
	v.SetDefault("backend.knots_binary", d.Backend.KnotsBinary)
	v.SetDefault("backend.max_concurrency", d.Backend.MaxConcurrency)
	v.SetDefault("backend.rate_per_second", d.Backend.RatePerSecond)
	v.SetDefault("agent.name", d.Agent.Name)
	v.SetDefault("agent.command", d.Agent.Command)
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.dialect", string(d.Agent.Dialect))
	v.SetDefault("agent.model", "")
	v.SetDefault("orchestration.event_buffer", d.Orchestration.EventBuffer)
	v.SetDefault("orchestration.retention", d.Orchestration.Retention)
	v.SetDefault("orchestration.drain_delay", d.Orchestration.DrainDelay)
	v.SetDefault("orchestration.abort_grace", d.Orchestration.AbortGrace)
	v.SetDefault("verification.enabled", d.Verification.Enabled)
	v.SetDefault("verification.max_retries", d.Verification.MaxRetries)
	v.SetDefault("verification.actions", d.Verification.Actions)
	v.SetDefault("verification.timeout", d.Verification.Timeout)
	v.SetDefault("verification.agent.command", "")
	v.SetDefault("execution.timeout", d.Execution.Timeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "conductor", "config.yaml")
}

// Load reads file into v and decodes the result. An explicit file must
// exist; the default location is optional.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else if def := DefaultPath(); def != "" {
		if _, err := os.Stat(def); err == nil {
			v.SetConfigFile(def)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", def, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config %s: %w", def, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	// Backend
	for key, t := range map[string]string{"backend.default": c.Backend.Default, "backend.fallback": c.Backend.Fallback} {
		if !router.Type(t).IsValid() {
			return fmt.Errorf("%s must be one of auto, cli, jsonl, knots, stub (got %q)", key, t)
		}
	}
	if c.Backend.MaxConcurrency < 1 || c.Backend.MaxConcurrency > 64 {
		return fmt.Errorf("backend.max_concurrency must be between 1 and 64 (got %d)", c.Backend.MaxConcurrency)
	}
	if c.Backend.RatePerSecond < 0 || c.Backend.RatePerSecond > 1000 {
		return fmt.Errorf("backend.rate_per_second must be between 0 and 1000 (got %g)", c.Backend.RatePerSecond)
	}

	// Agents
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if c.Verification.Agent.Command != "" {
		if err := c.Verification.Agent.Validate(); err != nil {
			return fmt.Errorf("verification.agent: %w", err)
		}
	}

	// Orchestration
	o := c.Orchestration
	if o.EventBuffer < 100 || o.EventBuffer > 100000 {
		return fmt.Errorf("orchestration.event_buffer must be between 100 and 100000 (got %d)", o.EventBuffer)
	}
	if o.Retention < time.Second || o.Retention > 24*time.Hour {
		return fmt.Errorf("orchestration.retention must be between 1s and 24h (got %v)", o.Retention)
	}
	if o.DrainDelay < 0 || o.DrainDelay > time.Minute {
		return fmt.Errorf("orchestration.drain_delay must be between 0 and 1m (got %v)", o.DrainDelay)
	}
	if o.AbortGrace < 0 || o.AbortGrace > 5*time.Minute {
		return fmt.Errorf("orchestration.abort_grace must be between 0 and 5m (got %v)", o.AbortGrace)
	}

	// Verification
	vc := c.Verification
	if vc.MaxRetries < 0 || vc.MaxRetries > 10 {
		return fmt.Errorf("verification.max_retries must be between 0 and 10 (got %d)", vc.MaxRetries)
	}
	for _, a := range vc.Actions {
		if a != string(verification.ActionTake) && a != string(verification.ActionScene) {
			return fmt.Errorf("verification.actions entries must be 'take' or 'scene' (got %q)", a)
		}
	}
	if vc.Timeout < 10*time.Second || vc.Timeout > 2*time.Hour {
		return fmt.Errorf("verification.timeout must be between 10s and 2h (got %v)", vc.Timeout)
	}

	if c.Execution.Timeout < time.Minute || c.Execution.Timeout > 24*time.Hour {
		return fmt.Errorf("execution.timeout must be between 1m and 24h (got %v)", c.Execution.Timeout)
	}

	// Logging
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error (got %q)", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'text' or 'json' (got %q)", c.Log.Format)
	}
	return nil
}

// VerifierAgent is the agent that runs verification.
func (c Config) VerifierAgent() agent.Descriptor {
	if c.Verification.Agent.Command != "" {
		return c.Verification.Agent
	}
	return c.Agent
}

// VerificationActions converts the configured action names.
func (c Config) VerificationActions() []verification.Action {
	out := make([]verification.Action, 0, len(c.Verification.Actions))
	for _, a := range c.Verification.Actions {
		out = append(out, verification.Action(a))
	}
	return out
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{Backend: %s (fallback %s), Agent: %s [%s], MaxRetries: %d, "+
			"Verification: %t, Retention: %v, Log: %s/%s, Telemetry: %t}",
		c.Backend.Default, c.Backend.Fallback, c.Agent.Name, c.Agent.Command,
		c.Verification.MaxRetries, c.Verification.Enabled, c.Orchestration.Retention,
		c.Log.Level, c.Log.Format, c.Telemetry.Enabled,
	)
}
