package orchestration

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/beatline/conductor/internal/agent"
	"github.com/beatline/conductor/internal/events"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
)

// IsTerminal reports whether no further transitions happen.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusAborted
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID         string     `json:"id"`
	RepoPath   string     `json:"repoPath"`
	Objective  string     `json:"objective,omitempty"`
	Agent      string     `json:"agent"`
	Status     Status     `json:"status"`
	Message    string     `json:"message,omitempty"`
	BeatIDs    []string   `json:"beatIds"`
	Plan       *Plan      `json:"plan,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Summary is a one-line description for terminal output.
func (i *SessionInfo) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %d beats", i.ID, i.Status, len(i.BeatIDs))
	if i.Plan != nil {
		fmt.Fprintf(&b, ", %d waves, %d unassigned", len(i.Plan.Waves), len(i.Plan.UnassignedBeatIDs))
	}
	if i.Message != "" {
		fmt.Fprintf(&b, ": %s", i.Message)
	}
	return b.String()
}

// Session is one planning run of an agent over a repository's backlog.
//
// The run loop is the only goroutine touching the stream state (lines, raw
// text and drafts); mu guards what other goroutines read.
type Session struct {
	id        string
	repoPath  string
	objective string
	agentName string
	createdAt time.Time
	known     *knownSet
	emitter   *events.Emitter
	logger    *slog.Logger
	onFinish  func(*Session)
	done      chan struct{}

	lines    lineBuffer
	raw      strings.Builder
	drafts   map[int]rawWave
	streamed bool

	mu         sync.Mutex
	status     Status
	message    string
	plan       *Plan
	finishedAt time.Time
	proc       *agent.Process
	finalized  bool
}

func newSession(id, repoPath, objective, agentName string, known *knownSet, em *events.Emitter, logger *slog.Logger) *Session {
	return &Session{
		id:        id,
		repoPath:  repoPath,
		objective: objective,
		agentName: agentName,
		createdAt: time.Now(),
		known:     known,
		emitter:   em,
		logger:    logger.With("session", id),
		done:      make(chan struct{}),
		drafts:    make(map[int]rawWave),
		status:    StatusRunning,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed once the session finalized.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a snapshot of the session.
func (s *Session) Info() *SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := &SessionInfo{
		ID:        s.id,
		RepoPath:  s.repoPath,
		Objective: s.objective,
		Agent:     s.agentName,
		Status:    s.status,
		Message:   s.message,
		BeatIDs:   append([]string(nil), s.known.order...),
		Plan:      s.plan,
		CreatedAt: s.createdAt,
	}
	if !s.finishedAt.IsZero() {
		t := s.finishedAt
		info.FinishedAt = &t
	}
	return info
}

// snapshot returns the plan and known set once the session is terminal.
func (s *Session) snapshot() (Status, *Plan, *knownSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.plan, s.known
}

func (s *Session) publish(e *events.Event) {
	s.emitter.Publish(e)
}

// run consumes the agent's normalized events until the stream closes.
func (s *Session) run(proc *agent.Process) {
	for ev := range proc.Events() {
		if s.isFinalized() {
			continue
		}
		switch ev.Kind {
		case agent.KindDelta:
			s.streamed = true
			s.consume(ev.Text)
		case agent.KindMessage:
			if s.streamed {
				if tail, ok := s.lines.flush(); ok {
					s.handleLine(tail)
				}
			} else {
				s.consume(ev.Text + "\n")
			}
			s.streamed = false
		case agent.KindResult:
			if ev.Text != "" {
				s.raw.WriteString("\n")
				s.raw.WriteString(ev.Text)
			}
			code := 0
			if ev.IsError {
				code = 1
			}
			s.finalize(outcome{exitCode: code, agentError: ev.IsError, detail: ev.Text})
		case agent.KindExit:
			s.finalize(outcome{exitCode: ev.ExitCode, err: ev.Err, stderr: proc.Stderr()})
		}
	}
}

func (s *Session) isFinalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// consume feeds streamed text through the line handler.
func (s *Session) consume(text string) {
	s.raw.WriteString(text)
	for _, line := range s.lines.write(text) {
		s.handleLine(line)
	}
}

// handleLine applies one complete line of agent output.
func (s *Session) handleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	pl, ok := parseProtocolLine(line)
	if !ok {
		s.publish(events.NewLogEvent(s.id, line))
		return
	}
	switch pl.Event {
	case protoThinking:
		s.publish(events.NewLogEvent(s.id, pl.note()))
	case protoWaveDraft:
		var w rawWave
		if err := json.Unmarshal(pl.Wave, &w); err != nil {
			s.logger.Debug("ignoring malformed wave draft", "error", err)
			s.publish(events.NewLogEvent(s.id, line))
			return
		}
		if w.Index <= 0 {
			w.Index = s.nextDraftIndex()
		}
		s.drafts[w.Index] = w
		s.publish(events.NewPlanEvent(s.id, livePlan(s.drafts, s.known), false))
	case protoPlanFinal:
		var raw rawPlan
		if err := json.Unmarshal(pl.Plan, &raw); err != nil {
			s.logger.Debug("ignoring malformed final plan", "error", err)
			s.publish(events.NewLogEvent(s.id, line))
			return
		}
		plan := normalizePlan(raw, s.known)
		s.mu.Lock()
		s.plan = plan
		s.mu.Unlock()
		s.publish(events.NewPlanEvent(s.id, plan, true))
	default:
		s.publish(events.NewLogEvent(s.id, line))
	}
}

func (s *Session) nextDraftIndex() int {
	next := 1
	for idx := range s.drafts {
		if idx >= next {
			next = idx + 1
		}
	}
	return next
}

// outcome is how the agent ended.
type outcome struct {
	exitCode   int
	agentError bool
	err        error
	detail     string
	stderr     string
	spawnErr   error
}

// finalize runs once per session, on the first of result, exit, or a spawn
// failure.
func (s *Session) finalize(o outcome) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	s.mu.Unlock()

	if tail, ok := s.lines.flush(); ok {
		s.handleLine(tail)
	}

	s.mu.Lock()
	var fallback *Plan
	if s.plan == nil {
		if raw, ok := extractTaggedPlan(s.raw.String()); ok {
			fallback = normalizePlan(raw, s.known)
			s.plan = fallback
		}
	}
	status, message := s.outcomeStatus(o)
	s.status = status
	s.message = message
	s.finishedAt = time.Now()
	s.mu.Unlock()

	if fallback != nil {
		s.logger.Debug("recovered plan from tagged block")
		s.publish(events.NewPlanEvent(s.id, fallback, true))
	}
	s.publish(events.NewStatusEvent(s.id, string(status), message))
	if status == StatusError {
		s.publish(events.NewErrorEvent(s.id, message))
	}
	s.publish(events.NewExitEvent(s.id, events.ExitData{Status: string(status), ExitCode: o.exitCode}))
	s.logger.Info("orchestration session finished", "status", status, "message", message)

	s.raw.Reset()
	s.drafts = nil
	close(s.done)
	if s.onFinish != nil {
		s.onFinish(s)
	}
}

// outcomeStatus decides the terminal status. Callers hold s.mu.
func (s *Session) outcomeStatus(o outcome) (Status, string) {
	switch {
	case s.status == StatusAborted:
		return StatusAborted, "Session aborted"
	case o.spawnErr != nil:
		return StatusError, fmt.Sprintf("Failed to start agent %s: %v", s.agentName, o.spawnErr)
	case o.agentError:
		return StatusError, "Agent reported an error: " + firstLine(o.detail, "no details")
	case o.exitCode != 0:
		return StatusError, fmt.Sprintf("Agent exited with code %d: %s", o.exitCode, firstLine(o.stderr, "no output on stderr"))
	case o.err != nil:
		return StatusError, fmt.Sprintf("Agent failed: %v", o.err)
	case s.plan == nil:
		return StatusCompleted, "Agent finished without producing a plan"
	}
	return StatusCompleted, fmt.Sprintf("Plan ready: %d waves, %d unassigned", len(s.plan.Waves), len(s.plan.UnassignedBeatIDs))
}

// attach records the spawned agent. An abort that arrived while the agent
// was starting had no process to signal, so attach delivers it.
func (s *Session) attach(proc *agent.Process) {
	s.mu.Lock()
	s.proc = proc
	aborted := s.status == StatusAborted
	s.mu.Unlock()
	if aborted {
		proc.Abort()
	}
}

// abort marks the session aborted and terminates the agent. The run loop
// finalizes when the process exits.
func (s *Session) abort() error {
	s.mu.Lock()
	if s.status != StatusRunning || s.finalized {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("session %s is already %s", s.id, status)
	}
	s.status = StatusAborted
	proc := s.proc
	s.mu.Unlock()
	s.publish(events.NewLogEvent(s.id, "Abort requested"))
	if proc != nil {
		proc.Abort()
	}
	return nil
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
