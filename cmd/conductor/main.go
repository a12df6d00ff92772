package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/backend/router"
	"github.com/beatline/conductor/internal/config"
	"github.com/beatline/conductor/internal/execution"
	"github.com/beatline/conductor/internal/orchestration"
	"github.com/beatline/conductor/internal/telemetry"
	"github.com/beatline/conductor/internal/verification"
)

// Version is set at build time.
var Version = "dev"

// errReported means the failure was already written to stdout as JSON.
var errReported = errors.New("reported")

var (
	v          = config.New()
	configFile string
	repoPath   string
	jsonOut    bool

	cfg      *config.Config
	logger   *slog.Logger
	routes   *router.Router
	store    backend.Backend
	counters *telemetry.Counters
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Plan, execute and verify agent work over a beat tracker",
	Long: `conductor coordinates reasoning agents over a repository's beats.

It asks a planning agent to split the backlog into dependency-ordered waves,
applies the plan back to the tracker as wave containers, launches agents on
beats and verifies their work before closing it.

The tracker is picked per repository: .knots uses kno, .beads uses bd when it
is on PATH and the built-in JSONL store otherwise.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = newLogger(cfg.Log)
		slog.SetDefault(logger)

		if err := telemetry.Init(cmd.Context(), telemetry.Options{
			Enabled:      cfg.Telemetry.Enabled,
			Stdout:       cfg.Telemetry.Stdout,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			ServiceName:  "conductor",
			Version:      Version,
		}); err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		counters = telemetry.NewCounters()

		routes = router.New(router.Options{
			Default:        router.Type(cfg.Backend.Default),
			Fallback:       router.Type(cfg.Backend.Fallback),
			BDBinary:       cfg.Backend.BDBinary,
			KnotsBinary:    cfg.Backend.KnotsBinary,
			MaxConcurrency: cfg.Backend.MaxConcurrency,
			RatePerSecond:  cfg.Backend.RatePerSecond,
			Logger:         logger,
		})
		store = telemetry.WrapBackend(routes)
		if repoPath == "" {
			if wd, err := os.Getwd(); err == nil {
				repoPath = wd
			}
		}
		logger.Debug("configuration loaded", "config", cfg.String(), "repo", repoPath)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown()
	},
}

func shutdown() error {
	var err error
	if routes != nil {
		err = routes.Shutdown()
		routes = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	telemetry.Shutdown(ctx)
	return err
}

func newLogger(lc config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newManager() (*orchestration.Manager, error) {
	return orchestration.NewManager(orchestration.Config{
		Backend:    store,
		Agent:      cfg.Agent,
		BufferSize: cfg.Orchestration.EventBuffer,
		Retention:  cfg.Orchestration.Retention,
		DrainDelay: cfg.Orchestration.DrainDelay,
		AbortGrace: cfg.Orchestration.AbortGrace,
		Counters:   counters,
		Logger:     logger,
	})
}

func newVerifier() (*verification.Verifier, error) {
	return verification.New(verification.Config{
		Backend:    store,
		Agent:      cfg.VerifierAgent(),
		Enabled:    cfg.Verification.Enabled,
		Actions:    cfg.VerificationActions(),
		MaxRetries: cfg.Verification.MaxRetries,
		Timeout:    cfg.Verification.Timeout,
		Counters:   counters,
		Logger:     logger,
	})
}

// newLauncher wires a launcher and its verifier; the launcher relaunches
// beats the verifier sends back to retry.
func newLauncher() (*execution.Launcher, *verification.Verifier, error) {
	ver, err := newVerifier()
	if err != nil {
		return nil, nil, err
	}
	l, err := execution.New(execution.Config{
		Backend:  store,
		Agent:    cfg.Agent,
		Verifier: ver,
		Timeout:  cfg.Execution.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return l, ver, nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default $XDG_CONFIG_HOME/conductor/config.yaml)")
	pf.StringVarP(&repoPath, "repo", "r", "", "Repository path (default current directory)")
	pf.BoolVar(&jsonOut, "json", false, "Print results as JSON envelopes")
	pf.String("backend", "", "Force a backend: auto, cli, jsonl, knots or stub")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.String("log-format", "", "Log format: text or json")
	pf.String("agent-command", "", "Agent executable")
	pf.String("agent-dialect", "", "Agent output dialect: claude, codex or plain")
	pf.String("agent-model", "", "Model passed to the agent")

	// Bound flags only override the config when set on the command line.
	for flag, key := range map[string]string{
		"backend":       "backend.default",
		"log-level":     "log.level",
		"log-format":    "log.format",
		"agent-command": "agent.command",
		"agent-dialect": "agent.dialect",
		"agent-model":   "agent.model",
	} {
		_ = v.BindPFlag(key, pf.Lookup(flag))
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errReported) {
			red := color.New(color.FgRed).SprintFunc()
			fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), err)
		}
		_ = shutdown()
		os.Exit(1)
	}
}
