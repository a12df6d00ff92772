package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beatline/conductor/internal/agent"
	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/backend/stub"
	"github.com/beatline/conductor/internal/events"
	"github.com/beatline/conductor/internal/labels"
	"github.com/beatline/conductor/internal/types"
)

// finishedSession registers a completed session holding plan.
func finishedSession(m *Manager, repo string, plan *Plan, beats ...*types.Beat) string {
	known := newKnownSet()
	for _, b := range beats {
		known.add(b.ID, b.Title)
	}
	s := newSession(uuid.New().String(), repo, "", "fake", known, events.NewEmitter(16), m.cfg.Logger)
	s.status = StatusCompleted
	s.plan = plan
	s.finalized = true
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s.id
}

func wave(index int, name string, beats ...*types.Beat) Wave {
	w := Wave{Index: index, Name: name, Objective: name + " objective"}
	for _, b := range beats {
		w.Beats = append(w.Beats, BeatRef{ID: b.ID, Title: b.Title})
	}
	return w
}

func TestApplyWaveOrdering(t *testing.T) {
	ctx := context.Background()
	store, repo := newRepo(t)
	b := seed(t, store, repo, "A", "B", "C")
	_, err := store.Update(ctx, repo, b[0].ID, types.UpdateInput{Priority: types.Ptr(1)})
	require.NoError(t, err)
	_, err = store.Update(ctx, repo, b[1].ID, types.UpdateInput{Priority: types.Ptr(3)})
	require.NoError(t, err)

	m := newManager(t, store, shellAgent("true", agent.DialectPlain))
	plan := &Plan{
		Waves:       []Wave{wave(2, "Top", b[2]), wave(1, "Base", b[0], b[1])},
		Assumptions: []string{"schema is stable"},
	}
	id := finishedSession(m, repo, plan, b...)

	res, err := m.Apply(ctx, ApplyRequest{SessionID: id})
	require.NoError(t, err)
	require.Len(t, res.Applied, 2)
	assert.Empty(t, res.Skipped)
	assert.Empty(t, res.ClosedContainers)

	first, second := res.Applied[0], res.Applied[1]
	assert.Equal(t, 1, first.Index)
	assert.Equal(t, "base", first.Slug)
	assert.Equal(t, 1, first.Priority)
	assert.Equal(t, []string{b[0].ID, b[1].ID}, first.Children)
	assert.Equal(t, "top", second.Slug)
	assert.Equal(t, types.DefaultPriority, second.Priority)
	assert.Equal(t, first.ContainerID, second.BlockedBy)

	c1, err := store.Get(ctx, repo, first.ContainerID)
	require.NoError(t, err)
	assert.Equal(t, types.TypeEpic, c1.Type)
	assert.Equal(t, "Base", c1.Title)
	assert.True(t, labels.IsWaveContainer(c1.Labels))
	assert.Equal(t, "base", labels.WaveSlug(c1.Labels))
	assert.Contains(t, c1.Description, "Base objective")
	assert.Contains(t, c1.Description, b[0].ID+": A")
	assert.Contains(t, c1.Description, "schema is stable")

	for i, want := range []string{first.ContainerID, first.ContainerID, second.ContainerID} {
		got, err := store.Get(ctx, repo, b[i].ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.Parent, b[i].ID)
	}

	deps, err := store.ListDependencies(ctx, repo, second.ContainerID, backend.DependencyOptions{Type: types.DepBlocks})
	require.NoError(t, err)
	assert.Equal(t, []types.Dependency{{Source: first.ContainerID, Target: second.ContainerID, Type: types.DepBlocks}}, deps)
}

func TestReapplyClosesSupersededContainers(t *testing.T) {
	ctx := context.Background()
	store, repo := newRepo(t)
	b := seed(t, store, repo, "A", "B")
	m := newManager(t, store, shellAgent("true", agent.DialectPlain))

	plan := &Plan{Waves: []Wave{wave(1, "Base", b[0]), wave(2, "Next", b[1])}}
	firstRun, err := m.Apply(ctx, ApplyRequest{SessionID: finishedSession(m, repo, plan, b...)})
	require.NoError(t, err)
	require.Len(t, firstRun.Applied, 2)

	replan := &Plan{Waves: []Wave{wave(1, "Base", b[0], b[1])}}
	secondRun, err := m.Apply(ctx, ApplyRequest{SessionID: finishedSession(m, repo, replan, b...)})
	require.NoError(t, err)
	require.Len(t, secondRun.Applied, 1)
	assert.Equal(t, "base-2", secondRun.Applied[0].Slug)
	assert.ElementsMatch(t, []string{firstRun.Applied[0].ContainerID, firstRun.Applied[1].ContainerID}, secondRun.ClosedContainers)

	for _, beat := range b {
		got, err := store.Get(ctx, repo, beat.ID)
		require.NoError(t, err)
		assert.Equal(t, secondRun.Applied[0].ContainerID, got.Parent)
	}
	old, err := store.Get(ctx, repo, firstRun.Applied[0].ContainerID)
	require.NoError(t, err)
	assert.Equal(t, "closed", old.State)
}

func TestApplySkipsWavesWithoutValidChildren(t *testing.T) {
	ctx := context.Background()
	store, repo := newRepo(t)
	b := seed(t, store, repo, "A", "B")
	require.NoError(t, store.Close(ctx, repo, b[1].ID, "done"))
	m := newManager(t, store, shellAgent("true", agent.DialectPlain))

	plan := &Plan{Waves: []Wave{
		wave(1, "Done already", b[1]),
		{Index: 2, Name: "Ghost", Beats: []BeatRef{{ID: "demo-99", Title: "ghost"}}},
		wave(3, "Real", b[0]),
	}}
	res, err := m.Apply(ctx, ApplyRequest{SessionID: finishedSession(m, repo, plan, b...)})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, 3, res.Applied[0].Index)
	assert.Empty(t, res.Applied[0].BlockedBy)
	require.Len(t, res.Skipped, 2)
	assert.Equal(t, 1, res.Skipped[0].Index)
	assert.Equal(t, 2, res.Skipped[1].Index)
}

func TestApplyHonorsOverrides(t *testing.T) {
	ctx := context.Background()
	store, repo := newRepo(t)
	b := seed(t, store, repo, "A", "B")
	m := newManager(t, store, shellAgent("true", agent.DialectPlain))

	plan := &Plan{Waves: []Wave{wave(1, "Base", b[0]), wave(2, "Next", b[1])}}
	res, err := m.Apply(ctx, ApplyRequest{
		SessionID: finishedSession(m, repo, plan, b...),
		Overrides: map[int]WaveOverride{
			1: {Name: "Foundations", Slug: "found"},
			2: {Slug: "Not A Slug"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Applied, 2)
	assert.Equal(t, "Foundations", res.Applied[0].Name)
	assert.Equal(t, "found", res.Applied[0].Slug)
	assert.Equal(t, "next", res.Applied[1].Slug)
}

func TestApplyRemovingMissingParentEdgeIsNoop(t *testing.T) {
	ctx := context.Background()
	store, repo := newRepo(t)
	b := seed(t, store, repo, "Old parent", "Child")
	_, err := store.Update(ctx, repo, b[1].ID, types.UpdateInput{Parent: types.Ptr(b[0].ID)})
	require.NoError(t, err)
	m := newManager(t, store, shellAgent("true", agent.DialectPlain))

	plan := &Plan{Waves: []Wave{wave(1, "Only", b[1])}}
	res, err := m.Apply(ctx, ApplyRequest{SessionID: finishedSession(m, repo, plan, b...)})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)

	deps, err := store.ListDependencies(ctx, repo, b[1].ID, backend.DependencyOptions{Type: types.DepParentChild})
	require.NoError(t, err)
	assert.Equal(t, []types.Dependency{{Source: res.Applied[0].ContainerID, Target: b[1].ID, Type: types.DepParentChild}}, deps)
}

func TestApplyRejections(t *testing.T) {
	ctx := context.Background()
	store, repo := newRepo(t)
	b := seed(t, store, repo, "A")
	m := newManager(t, store, shellAgent("true", agent.DialectPlain))

	_, err := m.Apply(ctx, ApplyRequest{SessionID: "nope"})
	assert.True(t, backend.IsNotFound(err))

	id := finishedSession(m, repo, &Plan{Waves: []Wave{wave(1, "W", b[0])}}, b...)
	s, err := m.session("test", id)
	require.NoError(t, err)
	s.status = StatusError
	_, err = m.Apply(ctx, ApplyRequest{SessionID: id})
	assert.Equal(t, backend.CodeInvalidInput, backend.CodeOf(err))

	readOnly := newManager(t, stub.New(), shellAgent("true", agent.DialectPlain))
	id = finishedSession(readOnly, repo, &Plan{Waves: []Wave{wave(1, "W", b[0])}}, b...)
	_, err = readOnly.Apply(ctx, ApplyRequest{SessionID: id})
	assert.True(t, backend.IsUnsupported(err))
}

func TestApplyRestoredSession(t *testing.T) {
	ctx := context.Background()
	store, repo := newRepo(t)
	b := seed(t, store, repo, "A", "B")
	m := newManager(t, store, shellAgent("true", agent.DialectPlain))

	saved := &SessionInfo{
		ID:       "saved-1",
		RepoPath: repo,
		Status:   StatusCompleted,
		BeatIDs:  []string{b[0].ID, b[1].ID},
		Plan:     &Plan{Waves: []Wave{wave(1, "Only", b[0], b[1])}},
	}
	info, err := m.Restore(saved)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, info.Status)

	_, err = m.Restore(saved)
	assert.True(t, backend.IsAlreadyExists(err))
	_, err = m.Restore(&SessionInfo{ID: "running", Status: StatusRunning})
	assert.Equal(t, backend.CodeInvalidInput, backend.CodeOf(err))

	res, err := m.Apply(ctx, ApplyRequest{SessionID: "saved-1"})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, []string{b[0].ID, b[1].ID}, res.Applied[0].Children)
}

// lockedOnce fails the first call of each write with LOCKED.
type lockedOnce struct {
	backend.Backend
	mu    sync.Mutex
	calls map[string]int
}

func (l *lockedOnce) hit(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = make(map[string]int)
	}
	l.calls[op]++
	if l.calls[op] == 1 {
		return backend.NewError(backend.CodeLocked, "database is locked").WithOp(op)
	}
	return nil
}

func (l *lockedOnce) count(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *lockedOnce) Create(ctx context.Context, repoPath string, in types.CreateInput) (*types.Beat, error) {
	if err := l.hit("create"); err != nil {
		return nil, err
	}
	return l.Backend.Create(ctx, repoPath, in)
}

func (l *lockedOnce) Update(ctx context.Context, repoPath, id string, in types.UpdateInput) (*types.Beat, error) {
	if err := l.hit("update"); err != nil {
		return nil, err
	}
	return l.Backend.Update(ctx, repoPath, id, in)
}

func (l *lockedOnce) AddDependency(ctx context.Context, repoPath, source, target string, opts backend.DependencyOptions) error {
	if err := l.hit("addDependency"); err != nil {
		return err
	}
	return l.Backend.AddDependency(ctx, repoPath, source, target, opts)
}

func fastRetry() backend.RetryPolicy {
	return backend.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsed: time.Second, MaxRetries: 3}
}

func TestApplyRetriesLockedWrites(t *testing.T) {
	ctx := context.Background()
	inner, repo := newRepo(t)
	b := seed(t, inner, repo, "A", "B")
	store := &lockedOnce{Backend: inner}

	m, err := NewManager(Config{Backend: store, Agent: shellAgent("true", agent.DialectPlain), Retry: fastRetry()})
	require.NoError(t, err)
	plan := &Plan{Waves: []Wave{wave(1, "Base", b[0]), wave(2, "Top", b[1])}}

	res, err := m.Apply(ctx, ApplyRequest{SessionID: finishedSession(m, repo, plan, b...)})
	require.NoError(t, err)
	require.Len(t, res.Applied, 2)
	assert.Equal(t, 3, store.count("create"), "two containers plus one locked attempt")
	assert.Greater(t, store.count("update"), 2)
	assert.Greater(t, store.count("addDependency"), 3)

	for i, w := range res.Applied {
		got, err := inner.Get(ctx, repo, b[i].ID)
		require.NoError(t, err)
		assert.Equal(t, w.ContainerID, got.Parent)
	}
	assert.Equal(t, res.Applied[0].ContainerID, res.Applied[1].BlockedBy)
}

func TestApplyStopsOnPermanentErrors(t *testing.T) {
	ctx := context.Background()
	inner, repo := newRepo(t)
	b := seed(t, inner, repo, "A")
	store := &deniedCreate{Backend: inner}

	m, err := NewManager(Config{Backend: store, Agent: shellAgent("true", agent.DialectPlain), Retry: fastRetry()})
	require.NoError(t, err)
	plan := &Plan{Waves: []Wave{wave(1, "Base", b[0])}}
	_, err = m.Apply(ctx, ApplyRequest{SessionID: finishedSession(m, repo, plan, b...)})
	assert.Equal(t, backend.CodePermissionDenied, backend.CodeOf(err))
	assert.Equal(t, 1, store.creates)
}

// deniedCreate rejects every Create with a non-retryable error.
type deniedCreate struct {
	backend.Backend
	creates int
}

func (d *deniedCreate) Create(context.Context, string, types.CreateInput) (*types.Beat, error) {
	d.creates++
	return nil, backend.NewError(backend.CodePermissionDenied, "permission denied").WithOp("create")
}
