// Package orchestration runs planning sessions: an agent partitions a
// repository's open beats into dependency-ordered waves while its output is
// streamed to subscribers, and a finished plan can be applied back to the
// store as a chain of wave containers.
package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/beatline/conductor/internal/agent"
	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/events"
	"github.com/beatline/conductor/internal/labels"
	"github.com/beatline/conductor/internal/telemetry"
	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/workflow"
)

const (
	// DefaultRetention is how long a finished session stays queryable.
	DefaultRetention = 10 * time.Minute
	// DefaultDrainDelay is how long subscribers keep receiving after exit.
	DefaultDrainDelay = 250 * time.Millisecond
)

// eligibleStates are the coarse states a beat must be in to be planned.
var eligibleStates = []string{workflow.CoarseOpen, workflow.CoarseInProgress, workflow.CoarseBlocked}

// Config configures a Manager.
type Config struct {
	Backend    backend.Backend
	Agent      agent.Descriptor
	BufferSize int
	Retention  time.Duration
	DrainDelay time.Duration
	AbortGrace time.Duration
	// Retry bounds retries of retryable store failures during apply.
	Retry    backend.RetryPolicy
	Counters *telemetry.Counters
	Logger   *slog.Logger
}

// StartRequest starts a planning session.
type StartRequest struct {
	RepoPath  string `json:"repoPath"`
	Objective string `json:"objective,omitempty"`
}

// Manager owns every live and recently finished session.
type Manager struct {
	cfg     Config
	prompts *PromptBuilder

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("orchestration: backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = events.DefaultBufferSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.DrainDelay <= 0 {
		cfg.DrainDelay = DefaultDrainDelay
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = agent.DefaultGrace
	}
	if cfg.Retry == (backend.RetryPolicy{}) {
		cfg.Retry = backend.DefaultRetryPolicy()
	}
	prompts, err := NewPromptBuilder()
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, prompts: prompts, sessions: make(map[string]*Session)}, nil
}

// Start collects the eligible beats, spawns the planning agent and returns
// the running session. A spawn failure still yields a session, already
// finished with status error.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*SessionInfo, error) {
	if err := m.cfg.Agent.Validate(); err != nil {
		return nil, backend.InvalidInput("%v", err).WithOp("orchestration.start")
	}
	eligible, err := m.eligible(ctx, req.RepoPath)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, backend.InvalidInput("no open, in-progress or blocked beats to plan in %s", req.RepoPath).WithOp("orchestration.start")
	}

	sc := resolveScope(req.Objective, eligible)
	deps, err := m.blockers(ctx, req.RepoPath, sc.beats)
	if err != nil {
		return nil, err
	}
	prompt, err := m.prompts.Build(req.RepoPath, req.Objective, sc, deps)
	if err != nil {
		return nil, err
	}

	known := newKnownSet()
	for _, b := range sc.beats {
		known.add(b.ID, b.Title)
	}
	agentName := m.cfg.Agent.Name
	if agentName == "" {
		agentName = m.cfg.Agent.Command
	}
	s := newSession(uuid.New().String(), req.RepoPath, req.Objective, agentName, known, events.NewEmitter(m.cfg.BufferSize), m.cfg.Logger)
	s.onFinish = m.finished
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.cfg.Counters.SessionStarted(ctx)

	s.publish(events.NewStatusEvent(s.id, string(StatusRunning),
		fmt.Sprintf("Planning %d beats with %s", len(sc.beats), agentName)))
	if len(sc.unresolved) > 0 {
		s.publish(events.NewLogEvent(s.id, "Unresolved references: "+strings.Join(sc.unresolved, ", ")))
	}

	proc, err := agent.Spawn(context.WithoutCancel(ctx), agent.Config{
		Agent:      m.cfg.Agent,
		WorkingDir: req.RepoPath,
		Grace:      m.cfg.AbortGrace,
		Logger:     s.logger,
	}, prompt)
	if err != nil {
		s.finalize(outcome{exitCode: -1, spawnErr: err})
		return s.Info(), nil
	}
	s.attach(proc)
	go s.run(proc)

	m.cfg.Logger.Info("orchestration session started", "session", s.id, "repo", req.RepoPath, "beats", len(sc.beats))
	return s.Info(), nil
}

// eligible lists open, in-progress and blocked beats concurrently, dropping
// duplicates and existing wave containers.
func (m *Manager) eligible(ctx context.Context, repoPath string) ([]*types.Beat, error) {
	results := make([][]*types.Beat, len(eligibleStates))
	g, gctx := errgroup.WithContext(ctx)
	for i, state := range eligibleStates {
		g.Go(func() error {
			beats, err := m.cfg.Backend.List(gctx, repoPath, types.Filter{State: state})
			if err != nil {
				return fmt.Errorf("list %s beats: %w", state, err)
			}
			results[i] = beats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []*types.Beat
	for _, batch := range results {
		for _, b := range batch {
			if seen[b.ID] || labels.IsWaveContainer(b.Labels) {
				continue
			}
			seen[b.ID] = true
			out = append(out, b)
		}
	}
	backend.SortBeats(out)
	return out, nil
}

// blockers maps each beat to the in-scope ids blocking it.
func (m *Manager) blockers(ctx context.Context, repoPath string, beats []*types.Beat) (map[string][]string, error) {
	out := make(map[string][]string)
	caps := backend.CapabilitiesFor(m.cfg.Backend, repoPath)
	if !caps.CanManageDependencies {
		return out, nil
	}
	inScope := make(map[string]bool, len(beats))
	for _, b := range beats {
		inScope[b.ID] = true
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, caps.MaxConcurrency))
	for _, b := range beats {
		g.Go(func() error {
			deps, err := m.cfg.Backend.ListDependencies(gctx, repoPath, b.ID, backend.DependencyOptions{Type: types.DepBlocks})
			if err != nil {
				return fmt.Errorf("list dependencies of %s: %w", b.ID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, d := range deps {
				if d.Target == b.ID && inScope[d.Source] {
					out[b.ID] = append(out[b.ID], d.Source)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// finished schedules subscriber detach and session purge.
func (m *Manager) finished(s *Session) {
	info := s.Info()
	m.cfg.Counters.SessionFinished(context.Background(), string(info.Status))
	time.AfterFunc(m.cfg.DrainDelay, s.emitter.Detach)
	time.AfterFunc(m.cfg.Retention, func() {
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
		m.cfg.Logger.Debug("purged orchestration session", "session", s.id)
	})
}

func (m *Manager) session(op, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, backend.NotFound("orchestration session %s not found", id).WithOp(op)
	}
	return s, nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (*SessionInfo, error) {
	s, err := m.session("orchestration.get", id)
	if err != nil {
		return nil, err
	}
	return s.Info(), nil
}

// List returns every retained session, oldest first.
func (m *Manager) List() []*SessionInfo {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	out := make([]*SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Subscribe returns the session's buffered events and a channel of later
// ones, closed shortly after the exit event.
func (m *Manager) Subscribe(id string) ([]*events.Event, <-chan *events.Event, func(), error) {
	s, err := m.session("orchestration.subscribe", id)
	if err != nil {
		return nil, nil, nil, err
	}
	replay, live, cancel := s.emitter.Subscribe()
	return replay, live, cancel, nil
}

// Abort terminates a running session. The agent gets SIGTERM and is killed
// if it has not exited after the abort grace period.
func (m *Manager) Abort(id string) error {
	s, err := m.session("orchestration.abort", id)
	if err != nil {
		return err
	}
	if err := s.abort(); err != nil {
		return backend.InvalidInput("%v", err).WithOp("orchestration.abort")
	}
	return nil
}

// Wait blocks until the session finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (*SessionInfo, error) {
	s, err := m.session("orchestration.wait", id)
	if err != nil {
		return nil, err
	}
	select {
	case <-s.Done():
		return s.Info(), nil
	case <-ctx.Done():
		return s.Info(), ctx.Err()
	}
}

// Restore registers a finished session from a saved snapshot so a plan
// produced by an earlier process can still be applied. The session keeps
// its id and known beat set; it has no event history.
func (m *Manager) Restore(info *SessionInfo) (*SessionInfo, error) {
	const op = "orchestration.restore"
	if info == nil || info.ID == "" {
		return nil, backend.InvalidInput("session snapshot has no id").WithOp(op)
	}
	if info.Status != StatusCompleted || info.Plan == nil {
		return nil, backend.InvalidInput("session %s is %s without a plan; only completed plans can be restored", info.ID, info.Status).WithOp(op)
	}
	titles := make(map[string]string)
	for _, w := range info.Plan.Waves {
		for _, ref := range w.Beats {
			titles[ref.ID] = ref.Title
		}
	}
	known := newKnownSet()
	for _, id := range info.BeatIDs {
		known.add(id, titles[id])
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[info.ID]; ok {
		return nil, backend.AlreadyExists("orchestration session %s is already registered", info.ID).WithOp(op)
	}
	s := newSession(info.ID, info.RepoPath, info.Objective, info.Agent, known, events.NewEmitter(m.cfg.BufferSize), m.cfg.Logger)
	s.status = StatusCompleted
	s.message = info.Message
	s.plan = info.Plan
	s.finalized = true
	s.finishedAt = time.Now()
	if info.FinishedAt != nil {
		s.finishedAt = *info.FinishedAt
	}
	if !info.CreatedAt.IsZero() {
		s.createdAt = info.CreatedAt
	}
	close(s.done)
	s.emitter.Detach()
	m.sessions[s.id] = s
	return s.Info(), nil
}

// Shutdown aborts every running session and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		_ = s.abort()
	}
	for _, s := range all {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
