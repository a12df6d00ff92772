package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/beatline/conductor/internal/execution"
	"github.com/beatline/conductor/internal/verification"
)

var takeCmd = &cobra.Command{
	Use:   "take <beat-id>",
	Short: "Launch an agent on one beat and verify the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return launch(cmd, execution.Request{
			Action:   verification.ActionTake,
			RepoPath: repoPath,
			IDs:      args,
		})
	},
}

var sceneCmd = &cobra.Command{
	Use:   "scene <beat-id>...",
	Short: "Launch an agent on a group of sibling beats",
	Long: `Work several beats as one group. The prompt is built around their
parent (--parent, or the first beat's parent) with the beats listed as the
group to complete. Each beat is verified after the run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetString("parent")
		return launch(cmd, execution.Request{
			Action:   verification.ActionScene,
			RepoPath: repoPath,
			IDs:      args,
			ParentID: parent,
		})
	},
}

func launch(cmd *cobra.Command, req execution.Request) error {
	req.Instructions, _ = cmd.Flags().GetString("instructions")
	launcher, _, err := newLauncher()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !jsonOut {
		fmt.Printf("%s Launching %s on %v with %s\n", gray("→"), req.Action, req.IDs, cfg.Agent.Command)
	}
	run, err := launcher.Launch(ctx, req)
	if err == nil {
		err = waitForRelaunches(ctx, launcher)
	}
	return emit(run, err, func(run *execution.Run) {
		marker := green("✓")
		if run.ExitCode != 0 {
			marker = red("✗")
		}
		status := fmt.Sprintf("exit code %d", run.ExitCode)
		if run.TimedOut {
			status = "timed out"
		}
		fmt.Printf("%s Run %s finished: %s in %s\n", marker, run.ID, status, run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
		printResults(run.Verification)
	})
}

func init() {
	for _, c := range []*cobra.Command{takeCmd, sceneCmd} {
		c.Flags().String("instructions", "", "Extra instructions appended to the prompt")
	}
	sceneCmd.Flags().String("parent", "", "Parent beat the group is worked under")

	rootCmd.AddCommand(takeCmd, sceneCmd)
}
