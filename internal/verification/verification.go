// Package verification runs the post-completion check on beats an agent has
// just worked.
//
// Trigger walks each beat through the label state machine in package labels:
// entry locks the beat, a verifying agent inspects the recorded commit, and
// its VERIFICATION_RESULT token decides between closing the beat and sending
// it back for another implementation attempt.
//
// Error Handling Policy:
//
// CRITICAL operations (the item's result is OutcomeError):
//   - Get / entry transition: nothing can be decided without the current labels
//   - Close on pass, retry transition on fail: the state machine must move
//
// BEST-EFFORT operations (logged, result unaffected):
//   - Relaunch: the beat already carries stage:retry, so an operator can
//     pick it up by hand
//
// The in-process dedup lock is released on every path. It does not survive a
// restart; Recover reports beats left with the edit-lock label.
package verification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/beatline/conductor/internal/agent"
	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/labels"
	"github.com/beatline/conductor/internal/telemetry"
	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/workflow"
)

const (
	// DefaultMaxRetries is the attempt budget before relaunching stops.
	DefaultMaxRetries = 2
	// DefaultTimeout bounds one verifier run.
	DefaultTimeout = 10 * time.Minute
	// PassReason is the close reason for beats that pass verification.
	PassReason = "Auto-verified: implementation passed verification"
)

// Action is the kind of agent work that triggered verification.
type Action string

const (
	// ActionTake works a single beat.
	ActionTake Action = "take"
	// ActionScene works a parent beat and a group of its children.
	ActionScene Action = "scene"
)

// DefaultActions are the actions verified when none are configured.
var DefaultActions = []Action{ActionTake, ActionScene}

// Outcome is what verification did with one beat.
type Outcome string

const (
	OutcomePassed          Outcome = "passed"
	OutcomeFailed          Outcome = "failed"
	OutcomeNoCommit        Outcome = "no_commit"
	OutcomeCrashed         Outcome = "crashed"
	OutcomeSkippedLocked   Outcome = "skipped_locked"
	OutcomeSkippedTerminal Outcome = "skipped_terminal"
	OutcomeError           Outcome = "error"
)

// Request triggers verification after an action finished.
type Request struct {
	IDs      []string `json:"ids"`
	Action   Action   `json:"action"`
	RepoPath string   `json:"repoPath"`
	ExitCode int      `json:"exitCode"`
}

// Result reports the outcome for one beat.
type Result struct {
	ID         string  `json:"id"`
	Outcome    Outcome `json:"outcome"`
	Token      string  `json:"token,omitempty"`
	Attempts   int     `json:"attempts,omitempty"`
	Relaunched bool    `json:"relaunched,omitempty"`
	Message    string  `json:"message,omitempty"`
	Err        error   `json:"-"`
}

// Relauncher restarts the original action for beats sent back to retry.
type Relauncher interface {
	Relaunch(ctx context.Context, action Action, repoPath string, ids []string) error
}

// Config configures a Verifier.
type Config struct {
	Backend backend.Backend
	// Agent runs the verification prompt.
	Agent      agent.Descriptor
	Enabled    bool
	Actions    []Action
	MaxRetries int
	Timeout    time.Duration
	Relauncher Relauncher
	// Retry bounds retries of retryable store failures such as LOCKED.
	Retry    backend.RetryPolicy
	Counters *telemetry.Counters
	Logger   *slog.Logger
}

// Verifier runs verification. It is safe for concurrent use.
type Verifier struct {
	cfg     Config
	actions map[Action]bool

	mu     sync.Mutex
	locked map[string]bool
}

// New creates a Verifier.
func New(cfg Config) (*Verifier, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("verification: backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("verification: max retries must be non-negative (got %d)", cfg.MaxRetries)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if len(cfg.Actions) == 0 {
		cfg.Actions = DefaultActions
	}
	if cfg.Retry == (backend.RetryPolicy{}) {
		cfg.Retry = backend.DefaultRetryPolicy()
	}
	v := &Verifier{cfg: cfg, actions: make(map[Action]bool), locked: make(map[string]bool)}
	for _, a := range cfg.Actions {
		v.actions[a] = true
	}
	return v, nil
}

// SetRelauncher wires the component that restarts actions on retry.
func (v *Verifier) SetRelauncher(r Relauncher) {
	v.mu.Lock()
	v.cfg.Relauncher = r
	v.mu.Unlock()
}

// Eligible reports whether req should be verified at all.
func (v *Verifier) Eligible(req Request) bool {
	return v.cfg.Enabled && v.actions[req.Action] && req.ExitCode == 0 && len(req.IDs) > 0
}

// Trigger verifies every beat in req concurrently and returns one result per
// distinct id. It returns nil when req is not eligible.
func (v *Verifier) Trigger(ctx context.Context, req Request) []Result {
	if !v.Eligible(req) {
		v.cfg.Logger.Debug("verification skipped", "action", req.Action, "exit_code", req.ExitCode, "enabled", v.cfg.Enabled)
		return nil
	}
	ids := dedupe(req.IDs)
	results := make([]Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = v.verifyOne(gctx, req.RepoPath, id)
			return nil
		})
	}
	_ = g.Wait()

	v.relaunch(ctx, req, results)
	for _, r := range results {
		v.cfg.Counters.Verification(ctx, string(r.Outcome))
	}
	return results
}

// relaunch restarts the action for failed beats still within budget. It runs
// after every dedup lock has been released.
func (v *Verifier) relaunch(ctx context.Context, req Request, results []Result) {
	v.mu.Lock()
	r := v.cfg.Relauncher
	v.mu.Unlock()

	var retry []int
	for i, res := range results {
		if res.Outcome == OutcomeFailed && res.Attempts <= v.cfg.MaxRetries {
			retry = append(retry, i)
		}
	}
	if len(retry) == 0 {
		return
	}
	if r == nil {
		v.cfg.Logger.Warn("no relauncher configured; beats left in retry", "count", len(retry))
		return
	}

	launch := func(idx []int) {
		var ids []string
		for _, i := range idx {
			ids = append(ids, results[i].ID)
		}
		if err := r.Relaunch(ctx, req.Action, req.RepoPath, ids); err != nil {
			v.cfg.Logger.Warn("relaunch failed", "action", req.Action, "ids", ids, "error", err)
			return
		}
		for _, i := range idx {
			results[i].Relaunched = true
		}
	}
	if req.Action == ActionScene {
		launch(retry)
		return
	}
	for _, i := range retry {
		launch([]int{i})
	}
}

// tryLock claims id for this process.
func (v *Verifier) tryLock(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.locked[id] {
		return false
	}
	v.locked[id] = true
	return true
}

func (v *Verifier) unlock(id string) {
	v.mu.Lock()
	delete(v.locked, id)
	v.mu.Unlock()
}

// IsLocked reports whether id is being verified in this process.
func (v *Verifier) IsLocked(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.locked[id]
}

func (v *Verifier) verifyOne(ctx context.Context, repoPath, id string) Result {
	if !v.tryLock(id) {
		v.cfg.Logger.Info("verification already running", "beat", id)
		return Result{ID: id, Outcome: OutcomeSkippedLocked}
	}
	defer v.unlock(id)

	res, err := v.run(ctx, repoPath, id)
	if err != nil {
		v.cfg.Logger.Error("verification failed", "beat", id, "error", err)
		return Result{ID: id, Outcome: OutcomeError, Message: err.Error(), Err: err}
	}
	v.cfg.Logger.Info("verification finished", "beat", id, "outcome", res.Outcome, "token", res.Token, "attempts", res.Attempts)
	return res
}

func (v *Verifier) run(ctx context.Context, repoPath, id string) (Result, error) {
	store := v.cfg.Backend
	beat, err := store.Get(ctx, repoPath, id)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", id, err)
	}
	wfs, err := store.ListWorkflows(ctx, repoPath)
	if err != nil {
		return Result{}, fmt.Errorf("list workflows: %w", err)
	}
	wf := workflow.Lookup(wfs, workflowID(beat))
	if workflow.IsTerminal(wf, beat.State) {
		return Result{ID: id, Outcome: OutcomeSkippedTerminal}, nil
	}

	if err := v.transition(ctx, repoPath, id, labels.EntryDelta(beat.Labels), types.UpdateInput{}, "entry"); err != nil {
		return Result{}, err
	}
	beat, err = store.Get(ctx, repoPath, id)
	if err != nil {
		return Result{}, fmt.Errorf("re-read %s: %w", id, err)
	}

	st := labels.Parse(beat.Labels)
	if st.Commit == "" {
		delta, next := labels.RetryDelta(beat.Labels)
		note := fmt.Sprintf("Verification attempt %d: no commit:<hash> label found, so the action produced no detectable change.", next)
		if err := v.retry(ctx, repoPath, beat, wf, delta, note, "no-commit"); err != nil {
			return Result{}, err
		}
		return Result{ID: id, Outcome: OutcomeNoCommit, Attempts: next, Message: "no commit recorded"}, nil
	}

	verdict, runErr := v.runVerifier(ctx, repoPath, beat, st.Commit)
	switch {
	case runErr == nil && verdict.Token == TokenPass:
		if err := v.transition(ctx, repoPath, id, labels.PassDelta(beat.Labels), types.UpdateInput{}, "pass"); err != nil {
			return Result{}, err
		}
		err := backend.Retry(ctx, v.cfg.Retry, func() error { return store.Close(ctx, repoPath, id, PassReason) })
		if err != nil {
			return Result{}, fmt.Errorf("close %s: %w", id, err)
		}
		return Result{ID: id, Outcome: OutcomePassed, Token: verdict.Token, Attempts: st.Attempts}, nil

	case runErr == nil && verdict.Failed():
		delta, next := labels.RetryDelta(beat.Labels)
		note := fmt.Sprintf("Verification attempt %d rejected (%s): %s", next, verdict.Token, verdict.Summary)
		if err := v.retry(ctx, repoPath, beat, wf, delta, note, verdict.Token); err != nil {
			return Result{}, err
		}
		return Result{ID: id, Outcome: OutcomeFailed, Token: verdict.Token, Attempts: next, Message: verdict.Summary}, nil
	}

	reason := crashReason(verdict, runErr)
	note := "Verification could not complete: " + reason + ". Left in retry for a human or a later run."
	extra := types.UpdateInput{Notes: types.Ptr(appendNote(beat.Notes, note))}
	if err := v.transition(ctx, repoPath, id, labels.CrashDelta(beat.Labels), extra, "crash"); err != nil {
		return Result{}, err
	}
	return Result{ID: id, Outcome: OutcomeCrashed, Token: verdict.Token, Attempts: st.Attempts, Message: reason}, nil
}

// retry sends beat back to its workflow's retry state with note appended.
func (v *Verifier) retry(ctx context.Context, repoPath string, beat *types.Beat, wf *types.WorkflowDescriptor, delta labels.Delta, note, trigger string) error {
	extra := types.UpdateInput{
		State: types.Ptr(workflow.RetryState(wf)),
		Notes: types.Ptr(appendNote(beat.Notes, note)),
	}
	return v.transition(ctx, repoPath, beat.ID, delta, extra, trigger)
}

// transition applies a label transition, retrying while the store reports a
// retryable failure.
func (v *Verifier) transition(ctx context.Context, repoPath, id string, delta labels.Delta, extra types.UpdateInput, trigger string) error {
	return backend.Retry(ctx, v.cfg.Retry, func() error {
		_, err := labels.Transition(ctx, v.cfg.Backend, repoPath, id, delta, extra, trigger)
		return err
	})
}

func (v *Verifier) runVerifier(ctx context.Context, repoPath string, beat *types.Beat, commit string) (Verdict, error) {
	prompt, err := renderPrompt(repoPath, beat, commit)
	if err != nil {
		return Verdict{}, err
	}
	out, err := agent.Run(ctx, agent.Config{
		Agent:      v.cfg.Agent,
		WorkingDir: repoPath,
		Timeout:    v.cfg.Timeout,
		Logger:     v.cfg.Logger,
	}, prompt)
	if err != nil {
		return Verdict{TimedOut: out != nil && out.TimedOut}, err
	}
	verdict := Scan(out.Text + "\n" + out.Result)
	verdict.ExitCode = out.ExitCode
	if out.Stderr != "" {
		v.cfg.Logger.Debug("verifier stderr", "beat", beat.ID, "stderr", out.Stderr)
	}
	return verdict, nil
}

func crashReason(v Verdict, err error) string {
	switch {
	case v.TimedOut:
		return "verifier timed out"
	case err != nil:
		return "verifier failed: " + err.Error()
	case v.Token == "":
		if v.ExitCode != 0 {
			return fmt.Sprintf("verifier exited with code %d without a VERIFICATION_RESULT line", v.ExitCode)
		}
		return "verifier output had no VERIFICATION_RESULT line"
	}
	return fmt.Sprintf("unrecognized verification result %q", v.Token)
}

func appendNote(existing, note string) string {
	existing = strings.TrimRight(existing, "\n")
	if existing == "" {
		return note
	}
	return existing + "\n\n" + note
}

func workflowID(b *types.Beat) string {
	if b.WorkflowID != "" {
		return b.WorkflowID
	}
	return b.ProfileID
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
