package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// CommandRunner runs an external binary inside dir and returns its stdout.
// A non-zero exit is reported as an error carrying the stderr text.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// CommandError is returned by ExecRunner when the command exits non-zero.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("%s %s: %s", e.Name, strings.Join(e.Args, " "), msg)
}

// ExecRunner runs commands through os/exec, bounded by a concurrency cap
// and a rate limiter shared across every call made through it.
type ExecRunner struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewExecRunner creates a runner allowing maxConcurrency simultaneous
// commands and ratePerSecond starts per second. Zero values disable the
// respective bound.
func NewExecRunner(maxConcurrency int, ratePerSecond float64, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ExecRunner{logger: logger}
	if maxConcurrency > 0 {
		r.sem = semaphore.NewWeighted(int64(maxConcurrency))
	}
	if ratePerSecond > 0 {
		burst := int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return r
}

// Run implements CommandRunner.
func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, NewError(CodeTimeout, "waiting for command slot: %v", err)
		}
		defer r.sem.Release(1)
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, NewError(CodeRateLimited, "rate limit wait: %v", err)
		}
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running command", "name", name, "args", args, "dir", dir)
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, Unavailable("%s is not installed or not on PATH", name)
	}
	if ctx.Err() != nil {
		return nil, NewError(CodeTimeout, "%s %s: %v", name, strings.Join(args, " "), ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := stderr.String()
		if strings.TrimSpace(msg) == "" {
			// Some tools report failures on stdout.
			msg = stdout.String()
		}
		return nil, &CommandError{Name: name, Args: args, ExitCode: exitErr.ExitCode(), Stderr: msg}
	}
	return nil, Unavailable("%s: %v", name, err)
}
