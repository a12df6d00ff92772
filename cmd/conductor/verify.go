package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/beatline/conductor/internal/execution"
	"github.com/beatline/conductor/internal/verification"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <beat-id>...",
	Short: "Verify finished implementation work on beats",
	Long: `Run the verifier agent on beats whose implementation action just
finished. A passing verdict closes the beat; a rejection sends it back to
retry and relaunches the action while the retry budget lasts.

Nothing happens unless verification is enabled, the action is one of the
configured actions and the exit code is 0.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, _ := cmd.Flags().GetString("action")
		exitCode, _ := cmd.Flags().GetInt("exit-code")

		launcher, ver, err := newLauncher()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		req := verification.Request{
			IDs:      args,
			Action:   verification.Action(action),
			RepoPath: repoPath,
			ExitCode: exitCode,
		}
		if !ver.Eligible(req) && !jsonOut {
			fmt.Printf("%s Not eligible for verification (enabled=%v, action=%s, exit code %d)\n",
				yellow("⚠"), cfg.Verification.Enabled, action, exitCode)
			return nil
		}
		results := ver.Trigger(ctx, req)
		if err := waitForRelaunches(ctx, launcher); err != nil {
			return err
		}
		return emit(results, nil, printResults)
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Report beats stuck in verification",
	Long: `List beats that still carry the verification edit lock although no
verifier is running for them, usually left behind by a crashed process.
Doctor only reports; remove the lock label once the beat has been checked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ver, err := newVerifier()
		if err != nil {
			return err
		}
		stale, err := ver.Recover(cmd.Context(), repoPath)
		return emit(stale, err, func(stale []verification.Stale) {
			if len(stale) == 0 {
				fmt.Printf("%s No beats stuck in verification\n", green("✓"))
				return
			}
			for _, s := range stale {
				fmt.Printf("%s %s [%s] %s\n", yellow("⚠"), cyan(s.ID), s.State, s.Title)
				detail := "stage: " + s.Stage
				if s.Commit != "" {
					detail += ", commit: " + s.Commit
				}
				fmt.Printf("  %s\n", gray(detail))
			}
		})
	},
}

// waitForRelaunches blocks until retries the verifier started have run.
func waitForRelaunches(ctx context.Context, launcher *execution.Launcher) error {
	if err := launcher.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for relaunched runs: %w", err)
	}
	return nil
}

func printResults(results []verification.Result) {
	for _, r := range results {
		marker := gray("→")
		switch r.Outcome {
		case verification.OutcomePassed:
			marker = green("✓")
		case verification.OutcomeFailed, verification.OutcomeNoCommit:
			marker = yellow("⚠")
		case verification.OutcomeCrashed, verification.OutcomeError:
			marker = red("✗")
		}
		line := fmt.Sprintf("%s %s %s", marker, cyan(r.ID), r.Outcome)
		if r.Token != "" {
			line += " (" + r.Token + ")"
		}
		if r.Attempts > 0 {
			line += fmt.Sprintf(", attempt %d", r.Attempts)
		}
		if r.Relaunched {
			line += ", relaunched"
		}
		fmt.Println(line)
		if r.Message != "" {
			fmt.Printf("  %s\n", gray(truncateString(r.Message, 100)))
		}
	}
}

func init() {
	verifyCmd.Flags().String("action", string(verification.ActionTake), "Action that produced the work: take or scene")
	verifyCmd.Flags().Int("exit-code", 0, "Exit code of the implementation run")

	rootCmd.AddCommand(verifyCmd, doctorCmd)
}
