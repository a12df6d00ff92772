// Package agent spawns reasoning-agent subprocesses and streams their
// normalized output.
//
// A Process owns one OS process. A reader goroutine scans stdout line by
// line, normalizes each line through the process's dialect and pushes the
// resulting events onto a channel; the final event is always KindExit.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// maxStderrBytes caps captured stderr.
	maxStderrBytes = 64 * 1024
	maxLineSize    = 16 * 1024 * 1024
	// DefaultGrace is how long Abort waits after SIGTERM before killing.
	DefaultGrace = 5 * time.Second
)

// Descriptor describes how to launch an agent.
type Descriptor struct {
	Name    string   `mapstructure:"name" json:"name"`
	Command string   `mapstructure:"command" json:"command"`
	Args    []string `mapstructure:"args" json:"args,omitempty"`
	Dialect Dialect  `mapstructure:"dialect" json:"dialect,omitempty"`
	Model   string   `mapstructure:"model" json:"model,omitempty"`
}

// Validate checks the descriptor can be launched.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("agent command is required")
	}
	if d.Dialect != "" && !d.Dialect.IsValid() {
		return fmt.Errorf("unknown agent dialect %q", d.Dialect)
	}
	return nil
}

// CommandLine returns the argv for running the agent on prompt. Dialect
// flags come after the configured args; the prompt is always last.
func (d Descriptor) CommandLine(prompt string) []string {
	argv := append([]string{d.Command}, d.Args...)
	switch ResolveDialect(d) {
	case DialectClaude:
		if !contains(d.Args, "--output-format") {
			argv = append(argv, "-p", "--output-format", "stream-json", "--verbose", "--include-partial-messages")
		}
	case DialectCodex:
		if !contains(d.Args, "exec") {
			argv = append(argv, "exec")
		}
		if !contains(d.Args, "--json") {
			argv = append(argv, "--json")
		}
	}
	if d.Model != "" && !contains(d.Args, "--model") {
		argv = append(argv, "--model", d.Model)
	}
	return append(argv, prompt)
}

func contains(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}

// Config holds everything needed to spawn one agent.
type Config struct {
	Agent      Descriptor
	WorkingDir string
	// Timeout aborts the agent when positive.
	Timeout time.Duration
	// Grace is the SIGTERM to SIGKILL delay; defaults to DefaultGrace.
	Grace  time.Duration
	Logger *slog.Logger
}

// Process is a running agent.
type Process struct {
	cmd     *exec.Cmd
	dialect Dialect
	events  chan Event
	cancel  context.CancelFunc
	started time.Time
	logger  *slog.Logger

	stderr *cappedBuffer
	done   chan struct{}

	mu       sync.Mutex
	aborted  bool
	timedOut bool
}

// Spawn starts the agent with prompt. Cancelling ctx aborts the process.
// Callers must drain Events until it is closed.
func Spawn(ctx context.Context, cfg Config, prompt string) (*Process, error) {
	if err := cfg.Agent.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}

	procCtx, cancel := context.WithCancel(ctx)
	argv := cfg.Agent.CommandLine(prompt)
	cmd := exec.CommandContext(procCtx, argv[0], argv[1:]...)
	cmd.Dir = cfg.WorkingDir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = cfg.Grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	p := &Process{
		cmd:     cmd,
		dialect: ResolveDialect(cfg.Agent),
		events:  make(chan Event, 256),
		cancel:  cancel,
		logger:  cfg.Logger,
		stderr:  &cappedBuffer{limit: maxStderrBytes},
		done:    make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start agent %s: %w", argv[0], err)
	}
	p.started = time.Now()
	cfg.Logger.Debug("agent spawned", "agent", cfg.Agent.Name, "command", argv[0], "pid", cmd.Process.Pid, "dialect", p.dialect)

	if cfg.Timeout > 0 {
		timer := time.AfterFunc(cfg.Timeout, func() {
			p.mu.Lock()
			p.timedOut = true
			p.mu.Unlock()
			cancel()
		})
		go func() {
			<-p.done
			timer.Stop()
		}()
	}

	go p.read(bufio.NewScanner(stdout))
	return p, nil
}

// read is the only writer to p.events.
func (p *Process) read(scanner *bufio.Scanner) {
	defer close(p.done)
	defer close(p.events)

	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	norm := NormalizerFor(p.dialect)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" && p.dialect != DialectPlain {
			continue
		}
		for _, ev := range norm.Normalize(line) {
			p.events <- ev
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("agent stdout read error", "error", err)
	}

	err := p.cmd.Wait()
	p.cancel()
	exit := Event{Kind: KindExit, ExitCode: 0}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exit.ExitCode = exitErr.ExitCode()
		} else {
			exit.ExitCode = -1
		}
		exit.Err = err
	}
	if s := p.Stderr(); s != "" {
		p.logger.Debug("agent stderr", "pid", p.cmd.Process.Pid, "stderr", s)
	}
	p.logger.Debug("agent exited", "pid", p.cmd.Process.Pid, "code", exit.ExitCode, "duration", time.Since(p.started))
	p.events <- exit
}

// Events is closed after the KindExit event.
func (p *Process) Events() <-chan Event { return p.events }

// Done is closed once the process has exited and every event was sent.
func (p *Process) Done() <-chan struct{} { return p.done }

// Dialect is the resolved dialect of this process.
func (p *Process) Dialect() Dialect { return p.dialect }

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Abort sends SIGTERM and escalates to SIGKILL after the grace period.
func (p *Process) Abort() {
	p.mu.Lock()
	p.aborted = true
	p.mu.Unlock()
	p.cancel()
}

// Aborted reports whether Abort was called.
func (p *Process) Aborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

// TimedOut reports whether the configured timeout fired.
func (p *Process) TimedOut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timedOut
}

// Stderr returns the captured (capped) stderr text.
func (p *Process) Stderr() string {
	return strings.TrimSpace(p.stderr.String())
}

// Output is the collected result of Run.
type Output struct {
	Text     string
	Result   string
	IsError  bool
	ExitCode int
	Stderr   string
	TimedOut bool
}

// Run spawns the agent, drains its events and returns everything it said.
// Deltas and full messages both contribute text; a message that repeats
// already-streamed deltas is not duplicated.
func Run(ctx context.Context, cfg Config, prompt string) (*Output, error) {
	p, err := Spawn(ctx, cfg, prompt)
	if err != nil {
		return nil, err
	}
	out := &Output{}
	var text strings.Builder
	streamed := false
	for ev := range p.Events() {
		switch ev.Kind {
		case KindDelta:
			text.WriteString(ev.Text)
			streamed = true
		case KindMessage:
			if !streamed {
				text.WriteString(ev.Text)
				text.WriteString("\n")
			}
			streamed = false
		case KindResult:
			out.Result = ev.Text
			out.IsError = out.IsError || ev.IsError
		case KindExit:
			out.ExitCode = ev.ExitCode
		}
	}
	out.Text = text.String()
	out.Stderr = p.Stderr()
	out.TimedOut = p.TimedOut()
	if out.TimedOut {
		return out, fmt.Errorf("agent timed out after %v", cfg.Timeout)
	}
	return out, nil
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
	lost  bool
}

func (c *cappedBuffer) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - len(c.buf)
	if room <= 0 {
		c.lost = true
		return len(b), nil
	}
	if len(b) > room {
		c.buf = append(c.buf, b[:room]...)
		c.lost = true
		return len(b), nil
	}
	c.buf = append(c.buf, b...)
	return len(b), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lost {
		return string(c.buf) + "\n[... stderr truncated ...]"
	}
	return string(c.buf)
}
