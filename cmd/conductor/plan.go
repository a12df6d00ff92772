package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/beatline/conductor/internal/events"
	"github.com/beatline/conductor/internal/orchestration"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan the backlog into dependency-ordered waves",
}

var planStartCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"run"},
	Short:   "Run a planning agent and stream its events",
	Long: `Start a planning session over the repository's open, in-progress and
blocked beats and stream its events until the agent exits.

Ctrl-C aborts the agent. With --save the finished session is written to a
file that "conductor plan apply" accepts. With --apply a completed plan is
applied right away.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		objective, _ := cmd.Flags().GetString("objective")
		savePath, _ := cmd.Flags().GetString("save")
		apply, _ := cmd.Flags().GetBool("apply")
		overrides, err := overridesFromFlags(cmd)
		if err != nil {
			return err
		}

		mgr, err := newManager()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		info, err := mgr.Start(ctx, orchestration.StartRequest{RepoPath: repoPath, Objective: objective})
		if err != nil {
			if jsonOut {
				return emit[*orchestration.SessionInfo](nil, err, nil)
			}
			return err
		}

		info, err = streamSession(ctx, mgr, info.ID, os.Stdout)
		if err != nil {
			return err
		}
		if savePath != "" {
			if err := saveSession(savePath, info); err != nil {
				return err
			}
			if !jsonOut {
				fmt.Printf("%s Saved session to %s\n", green("✓"), savePath)
			}
		}
		if !jsonOut {
			marker := green("✓")
			if info.Status != orchestration.StatusCompleted {
				marker = red("✗")
			}
			fmt.Printf("\n%s %s\n", marker, info.Summary())
		}
		if info.Status != orchestration.StatusCompleted {
			if jsonOut {
				return errReported
			}
			return fmt.Errorf("planning session %s ended %s", info.ID, info.Status)
		}
		if !apply {
			return nil
		}
		res, err := mgr.Apply(ctx, orchestration.ApplyRequest{SessionID: info.ID, RepoPath: repoPath, Overrides: overrides})
		return emit(res, err, printApplyResult)
	},
}

var planApplyCmd = &cobra.Command{
	Use:   "apply <session-file>",
	Short: "Apply a saved plan as wave containers",
	Long: `Apply the plan of a session saved with "conductor plan start --save".

Each non-empty wave becomes an epic labeled as a wave container, its beats
are reparented onto it and consecutive containers are chained with blocks
edges. Older containers left without active children are closed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides, err := overridesFromFlags(cmd)
		if err != nil {
			return err
		}
		info, err := loadSession(args[0])
		if err != nil {
			return err
		}
		mgr, err := newManager()
		if err != nil {
			return err
		}
		if _, err := mgr.Restore(info); err != nil {
			return emit[*orchestration.ApplyResult](nil, err, nil)
		}
		repo := repoPath
		if !cmd.Flags().Changed("repo") && info.RepoPath != "" {
			repo = info.RepoPath
		}
		res, err := mgr.Apply(cmd.Context(), orchestration.ApplyRequest{SessionID: info.ID, RepoPath: repo, Overrides: overrides})
		return emit(res, err, printApplyResult)
	},
}

// streamSession prints the session's events until its stream closes, then
// returns the final snapshot. An interrupt aborts the agent.
func streamSession(ctx context.Context, mgr *orchestration.Manager, id string, w io.Writer) (*orchestration.SessionInfo, error) {
	replay, live, cancel, err := mgr.Subscribe(id)
	if err != nil {
		return nil, err
	}
	defer cancel()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(w)
	show := func(e *events.Event) {
		if jsonOut {
			_ = enc.Encode(e)
			return
		}
		displayEvent(w, e)
	}
	for _, e := range replay {
		show(e)
	}

	interrupted := sigCtx.Done()
	for {
		select {
		case e, ok := <-live:
			if !ok {
				return mgr.Wait(context.WithoutCancel(ctx), id)
			}
			show(e)
		case <-interrupted:
			interrupted = nil
			logger.Warn("interrupted, aborting planning session", "session", id)
			if err := mgr.Abort(id); err != nil {
				logger.Debug("abort", "error", err)
			}
		}
	}
}

func saveSession(path string, info *orchestration.SessionInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func loadSession(path string) (*orchestration.SessionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var info orchestration.SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", path, err)
	}
	return &info, nil
}

func overridesFromFlags(cmd *cobra.Command) (map[int]orchestration.WaveOverride, error) {
	names, _ := cmd.Flags().GetStringArray("wave-name")
	slugs, _ := cmd.Flags().GetStringArray("wave-slug")
	return parseOverrides(names, slugs)
}

// parseOverrides reads "index=value" pairs into per-wave overrides.
func parseOverrides(names, slugs []string) (map[int]orchestration.WaveOverride, error) {
	out := make(map[int]orchestration.WaveOverride)
	parse := func(flag, pair string) (int, string, error) {
		idx, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(value) == "" {
			return 0, "", fmt.Errorf("--%s %q: expected index=value", flag, pair)
		}
		i, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil || i <= 0 {
			return 0, "", fmt.Errorf("--%s %q: wave index must be a positive integer", flag, pair)
		}
		return i, strings.TrimSpace(value), nil
	}
	for _, pair := range names {
		i, value, err := parse("wave-name", pair)
		if err != nil {
			return nil, err
		}
		o := out[i]
		o.Name = value
		out[i] = o
	}
	for _, pair := range slugs {
		i, value, err := parse("wave-slug", pair)
		if err != nil {
			return nil, err
		}
		o := out[i]
		o.Slug = value
		out[i] = o
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func printApplyResult(res *orchestration.ApplyResult) {
	if len(res.Applied) == 0 {
		fmt.Printf("%s No waves applied\n", yellow("⚠"))
	}
	for _, w := range res.Applied {
		fmt.Printf("%s Wave %d %s → %s (P%d, %d beats)\n", green("✓"), w.Index, w.Name, cyan(w.ContainerID), w.Priority, len(w.Children))
		fmt.Printf("  %s\n", gray("slug: "+w.Slug))
		if w.BlockedBy != "" {
			fmt.Printf("  %s\n", gray("blocked by "+w.BlockedBy))
		}
	}
	for _, w := range res.Skipped {
		fmt.Printf("%s Skipped wave %d %s: %s\n", yellow("⚠"), w.Index, w.Name, w.Reason)
	}
	for _, id := range res.ClosedContainers {
		fmt.Printf("%s Closed superseded container %s\n", gray("→"), id)
	}
}

func init() {
	for _, c := range []*cobra.Command{planStartCmd, planApplyCmd} {
		c.Flags().StringArray("wave-name", nil, "Override a wave name as index=Name (repeatable)")
		c.Flags().StringArray("wave-slug", nil, "Override a wave slug as index=slug (repeatable)")
	}
	planStartCmd.Flags().StringP("objective", "o", "", "Objective that scopes the plan")
	planStartCmd.Flags().String("save", "", "Write the finished session to this file")
	planStartCmd.Flags().Bool("apply", false, "Apply the plan when the session completes")

	planCmd.AddCommand(planStartCmd, planApplyCmd)
	rootCmd.AddCommand(planCmd)
}
