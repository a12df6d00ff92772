// Package execution launches an implementation agent on one beat (take) or a
// group of sibling beats (scene) and hands the finished run to verification.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beatline/conductor/internal/agent"
	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/verification"
	"github.com/beatline/conductor/internal/workflow"
)

// DefaultTimeout bounds one implementation run.
const DefaultTimeout = 60 * time.Minute

// Request launches one action.
type Request struct {
	Action   verification.Action `json:"action"`
	RepoPath string              `json:"repoPath"`
	// IDs are the beats to work. A scene works them as a group under
	// ParentID, or under the first id's parent when ParentID is empty.
	IDs          []string `json:"ids"`
	ParentID     string   `json:"parentId,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// Run is the record of one finished launch.
type Run struct {
	ID           string                `json:"id"`
	Action       verification.Action   `json:"action"`
	IDs          []string              `json:"ids"`
	ExitCode     int                   `json:"exitCode"`
	TimedOut     bool                  `json:"timedOut,omitempty"`
	StartedAt    time.Time             `json:"startedAt"`
	FinishedAt   time.Time             `json:"finishedAt"`
	Verification []verification.Result `json:"verification,omitempty"`
}

// Config configures a Launcher.
type Config struct {
	Backend  backend.Backend
	Agent    agent.Descriptor
	Verifier *verification.Verifier
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Launcher runs implementation agents. It doubles as the verifier's
// Relauncher, running retries in the background.
type Launcher struct {
	cfg Config
	wg  sync.WaitGroup
}

// New creates a Launcher and registers it with the verifier.
func New(cfg Config) (*Launcher, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("execution: backend is required")
	}
	if err := cfg.Agent.Validate(); err != nil {
		return nil, fmt.Errorf("execution: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	l := &Launcher{cfg: cfg}
	if cfg.Verifier != nil {
		cfg.Verifier.SetRelauncher(l)
	}
	return l, nil
}

// Launch claims the beats, runs the agent to completion and triggers
// verification with its exit code.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Run, error) {
	const op = "execution.launch"
	if len(req.IDs) == 0 {
		return nil, backend.InvalidInput("at least one beat id is required").WithOp(op)
	}
	var subject string
	var opts backend.TakePromptOptions
	switch req.Action {
	case verification.ActionTake:
		if len(req.IDs) != 1 {
			return nil, backend.InvalidInput("take works exactly one beat (got %d)", len(req.IDs)).WithOp(op)
		}
		subject = req.IDs[0]
	case verification.ActionScene:
		parent, err := l.sceneParent(ctx, req)
		if err != nil {
			return nil, err
		}
		if parent == "" {
			subject, opts.ChildIDs = req.IDs[0], req.IDs[1:]
		} else {
			subject, opts.ChildIDs = parent, req.IDs
		}
	default:
		return nil, backend.InvalidInput("unknown action %q", req.Action).WithOp(op)
	}
	opts.Instructions = req.Instructions

	prompt, err := l.cfg.Backend.BuildTakePrompt(ctx, req.RepoPath, subject, opts)
	if err != nil {
		return nil, fmt.Errorf("build prompt for %s: %w", subject, err)
	}
	l.claim(ctx, req.RepoPath, req.IDs)

	run := &Run{ID: uuid.New().String(), Action: req.Action, IDs: req.IDs, StartedAt: time.Now()}
	log := l.cfg.Logger.With("run", run.ID, "action", req.Action)
	log.Info("launching agent", "beats", req.IDs, "agent", l.cfg.Agent.Name)

	out, err := agent.Run(ctx, agent.Config{
		Agent:      l.cfg.Agent,
		WorkingDir: req.RepoPath,
		Timeout:    l.cfg.Timeout,
		Logger:     log,
	}, prompt)
	run.FinishedAt = time.Now()
	switch {
	case out == nil:
		return run, fmt.Errorf("run agent: %w", err)
	case err != nil:
		run.ExitCode, run.TimedOut = out.ExitCode, out.TimedOut
		if run.ExitCode == 0 {
			run.ExitCode = -1
		}
		log.Warn("agent run failed", "error", err)
	default:
		run.ExitCode = out.ExitCode
		if out.IsError && run.ExitCode == 0 {
			run.ExitCode = 1
		}
	}
	log.Info("agent finished", "exit_code", run.ExitCode, "duration", run.FinishedAt.Sub(run.StartedAt))

	if l.cfg.Verifier != nil {
		run.Verification = l.cfg.Verifier.Trigger(ctx, verification.Request{
			IDs:      req.IDs,
			Action:   req.Action,
			RepoPath: req.RepoPath,
			ExitCode: run.ExitCode,
		})
	}
	return run, nil
}

// Relaunch starts req in the background.
func (l *Launcher) Relaunch(ctx context.Context, action verification.Action, repoPath string, ids []string) error {
	req := Request{Action: action, RepoPath: repoPath, IDs: ids}
	if action == verification.ActionTake && len(ids) != 1 {
		return backend.InvalidInput("take relaunch needs exactly one id (got %d)", len(ids)).WithOp("execution.relaunch")
	}
	ctx = context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		run, err := l.Launch(ctx, req)
		if err != nil {
			l.cfg.Logger.Error("relaunch failed", "action", action, "ids", ids, "error", err)
			return
		}
		l.cfg.Logger.Info("relaunch finished", "run", run.ID, "exit_code", run.ExitCode)
	}()
	return nil
}

// Wait blocks until every background relaunch has finished or ctx is done.
func (l *Launcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sceneParent returns the parent the group is worked under, or "" when the
// beats have none.
func (l *Launcher) sceneParent(ctx context.Context, req Request) (string, error) {
	if req.ParentID != "" {
		return req.ParentID, nil
	}
	first, err := l.cfg.Backend.Get(ctx, req.RepoPath, req.IDs[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", req.IDs[0], err)
	}
	return first.Parent, nil
}

// claim moves queued beats into their workflow's active implementation
// state. Failures are logged; the agent can still claim them itself.
func (l *Launcher) claim(ctx context.Context, repoPath string, ids []string) {
	caps := backend.CapabilitiesFor(l.cfg.Backend, repoPath)
	if !caps.CanUpdate {
		return
	}
	wfs, err := l.cfg.Backend.ListWorkflows(ctx, repoPath)
	if err != nil {
		l.cfg.Logger.Warn("list workflows", "error", err)
		return
	}
	for _, id := range ids {
		beat, err := l.cfg.Backend.Get(ctx, repoPath, id)
		if err != nil {
			l.cfg.Logger.Warn("claim: read beat", "beat", id, "error", err)
			continue
		}
		wfID := beat.WorkflowID
		if wfID == "" {
			wfID = beat.ProfileID
		}
		wf := workflow.Lookup(wfs, wfID)
		if wf == nil {
			continue
		}
		ss, ok := wf.StepStates[types.StepImplementation]
		if !ok || ss.Active == "" || beat.State != ss.Queue {
			continue
		}
		if _, err := l.cfg.Backend.Update(ctx, repoPath, beat.ID, types.UpdateInput{State: types.Ptr(ss.Active)}); err != nil {
			l.cfg.Logger.Warn("claim beat", "beat", beat.ID, "error", err)
		}
	}
}
