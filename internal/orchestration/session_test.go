package orchestration

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beatline/conductor/internal/agent"
	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/backend/jsonl"
	"github.com/beatline/conductor/internal/events"
	"github.com/beatline/conductor/internal/labels"
	"github.com/beatline/conductor/internal/types"
)

// newRepo returns a file-backed store rooted in a temp dir with ids demo-N.
func newRepo(t *testing.T) (*jsonl.Backend, string) {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".beads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".beads", "config.yaml"), []byte("issue-prefix: demo\n"), 0o644))
	store := jsonl.New(jsonl.Options{})
	t.Cleanup(func() { _ = store.Shutdown() })
	return store, repo
}

func seed(t *testing.T, store backend.Backend, repo string, titles ...string) []*types.Beat {
	t.Helper()
	var out []*types.Beat
	for _, title := range titles {
		b, err := store.Create(context.Background(), repo, types.CreateInput{Title: title})
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

// shellAgent runs body under sh; the prompt arrives as a trailing argument.
func shellAgent(body string, dialect agent.Dialect) agent.Descriptor {
	return agent.Descriptor{Name: "fake", Command: "sh", Args: []string{"-c", body, "sh"}, Dialect: dialect}
}

func newManager(t *testing.T, store backend.Backend, desc agent.Descriptor) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Backend:    store,
		Agent:      desc,
		DrainDelay: 10 * time.Millisecond,
		AbortGrace: time.Second,
	})
	require.NoError(t, err)
	return m
}

func waitDone(t *testing.T, m *Manager, id string) *SessionInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	info, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return info
}

func eventTypes(evs []*events.Event) []events.EventType {
	var out []events.EventType
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestSessionStreamsProtocol(t *testing.T) {
	store, repo := newRepo(t)
	seed(t, store, repo, "A", "B", "C")

	body := `cat <<'EOF'
{"event":"thinking","text":"reading the backlog"}
{"event":"wave_draft","wave":{"index":1,"name":"Base","beads":["demo-1","demo-2"]}}
not protocol
{"event":"plan_final","plan":{"waves":[{"index":1,"name":"Base","beads":["demo-1","demo-2"]},{"index":2,"name":"Top","beads":[{"id":"demo-3","title":"C"}]}]}}
EOF`
	m := newManager(t, store, shellAgent(body, agent.DialectPlain))

	info, err := m.Start(context.Background(), StartRequest{RepoPath: repo})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"demo-1", "demo-2", "demo-3"}, info.BeatIDs)

	final := waitDone(t, m, info.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "Plan ready: 2 waves, 0 unassigned", final.Message)
	require.NotNil(t, final.Plan)
	require.Len(t, final.Plan.Waves, 2)
	assert.Equal(t, "Top", final.Plan.Waves[1].Name)
	assert.NotNil(t, final.FinishedAt)

	replay, _, cancel, err := m.Subscribe(info.ID)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, []events.EventType{
		events.EventTypeStatus,
		events.EventTypeLog,
		events.EventTypePlan,
		events.EventTypeLog,
		events.EventTypePlan,
		events.EventTypeStatus,
		events.EventTypeExit,
	}, eventTypes(replay))
	assert.Equal(t, "reading the backlog", replay[1].Message)
	assert.Equal(t, false, replay[2].Data["final"])
	assert.Equal(t, true, replay[4].Data["final"])
	for i := 1; i < len(replay); i++ {
		assert.Equal(t, replay[i-1].Seq+1, replay[i].Seq)
	}
}

func TestSessionFallsBackToTaggedBlock(t *testing.T) {
	store, repo := newRepo(t)
	seed(t, store, repo, "A", "B", "C")

	body := `cat <<'EOF'
{"type":"assistant","message":{"content":[{"type":"text","text":"thinking about it"}]}}
{"type":"result","subtype":"success","is_error":false,"result":"Done.\n<orchestration_plan>{\"waves\":[{\"index\":1,\"beads\":[\"demo-1\"]}],\"unassignedBeadIds\":[]}</orchestration_plan>"}
EOF`
	m := newManager(t, store, shellAgent(body, agent.DialectClaude))

	info, err := m.Start(context.Background(), StartRequest{RepoPath: repo, Objective: "plan it"})
	require.NoError(t, err)
	final := waitDone(t, m, info.ID)

	assert.Equal(t, StatusCompleted, final.Status)
	require.NotNil(t, final.Plan)
	assert.Equal(t, []Wave{{
		Index: 1,
		Name:  "Wave 1",
		Beats: []BeatRef{{ID: "demo-1", Title: "A"}},
	}}, final.Plan.Waves)
	assert.Equal(t, []string{"demo-2", "demo-3"}, final.Plan.UnassignedBeatIDs)

	replay, _, cancel, err := m.Subscribe(info.ID)
	require.NoError(t, err)
	defer cancel()
	last := replay[len(replay)-1]
	assert.Equal(t, events.EventTypeExit, last.Type)
	assert.Equal(t, "completed", last.Data["status"])
}

func TestSessionErrorOnNonZeroExit(t *testing.T) {
	store, repo := newRepo(t)
	seed(t, store, repo, "A")

	m := newManager(t, store, shellAgent(`echo working; echo oops >&2; exit 3`, agent.DialectPlain))
	info, err := m.Start(context.Background(), StartRequest{RepoPath: repo})
	require.NoError(t, err)
	final := waitDone(t, m, info.ID)

	assert.Equal(t, StatusError, final.Status)
	assert.Contains(t, final.Message, "code 3")
	assert.Contains(t, final.Message, "oops")
	assert.Nil(t, final.Plan)

	replay, _, cancel, err := m.Subscribe(info.ID)
	require.NoError(t, err)
	defer cancel()
	assert.Contains(t, eventTypes(replay), events.EventTypeError)
	last := replay[len(replay)-1]
	assert.Equal(t, events.EventTypeExit, last.Type)
	assert.Equal(t, 3, last.Data["exitCode"])
}

func TestSessionWithoutPlanCompletes(t *testing.T) {
	store, repo := newRepo(t)
	seed(t, store, repo, "A")

	m := newManager(t, store, shellAgent(`echo nothing to plan`, agent.DialectPlain))
	info, err := m.Start(context.Background(), StartRequest{RepoPath: repo})
	require.NoError(t, err)
	final := waitDone(t, m, info.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Nil(t, final.Plan)

	_, err = m.Apply(context.Background(), ApplyRequest{SessionID: info.ID})
	assert.Equal(t, backend.CodeInvalidInput, backend.CodeOf(err))
}

func TestSessionAbort(t *testing.T) {
	store, repo := newRepo(t)
	seed(t, store, repo, "A")

	m := newManager(t, store, shellAgent(`exec sleep 30`, agent.DialectPlain))
	info, err := m.Start(context.Background(), StartRequest{RepoPath: repo})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, info.Status)

	require.NoError(t, m.Abort(info.ID))
	final := waitDone(t, m, info.ID)
	assert.Equal(t, StatusAborted, final.Status)

	err = m.Abort(info.ID)
	assert.Equal(t, backend.CodeInvalidInput, backend.CodeOf(err))

	replay, _, cancel, err := m.Subscribe(info.ID)
	require.NoError(t, err)
	defer cancel()
	exits := 0
	for _, e := range replay {
		if e.Type == events.EventTypeExit {
			exits++
			assert.Equal(t, "aborted", e.Data["status"])
		}
	}
	assert.Equal(t, 1, exits)
}

func TestAbortBeforeAttachSignalsAgent(t *testing.T) {
	dir := t.TempDir()
	s := newSession("s-1", dir, "", "fake", newKnownSet(), events.NewEmitter(16), slog.Default())
	require.NoError(t, s.abort())

	proc, err := agent.Spawn(context.Background(), agent.Config{
		Agent:      shellAgent(`exec sleep 30`, agent.DialectPlain),
		WorkingDir: dir,
		Grace:      time.Second,
	}, "plan")
	require.NoError(t, err)
	s.attach(proc)
	assert.True(t, proc.Aborted())

	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("agent kept running after an abort that arrived during spawn")
	}
}

func TestSessionSpawnFailure(t *testing.T) {
	store, repo := newRepo(t)
	seed(t, store, repo, "A")

	m := newManager(t, store, agent.Descriptor{Name: "missing", Command: filepath.Join(repo, "no-such-agent")})
	info, err := m.Start(context.Background(), StartRequest{RepoPath: repo})
	require.NoError(t, err)
	assert.Equal(t, StatusError, info.Status)
	assert.Contains(t, info.Message, "Failed to start agent")
}

func TestStartEligibleSet(t *testing.T) {
	ctx := context.Background()
	store, repo := newRepo(t)
	beats := seed(t, store, repo, "open", "working", "stuck", "done", "wave")
	_, err := store.Update(ctx, repo, beats[1].ID, types.UpdateInput{State: types.Ptr("in_progress")})
	require.NoError(t, err)
	_, err = store.Update(ctx, repo, beats[2].ID, types.UpdateInput{State: types.Ptr("blocked")})
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx, repo, beats[3].ID, "done"))
	_, err = store.Update(ctx, repo, beats[4].ID, types.UpdateInput{AddLabels: []string{labels.LabelWaveContainer}})
	require.NoError(t, err)

	m := newManager(t, store, shellAgent(`true`, agent.DialectPlain))
	info, err := m.Start(ctx, StartRequest{RepoPath: repo})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{beats[0].ID, beats[1].ID, beats[2].ID}, info.BeatIDs)
	waitDone(t, m, info.ID)
}

func TestStartScopesToMentions(t *testing.T) {
	store, repo := newRepo(t)
	seed(t, store, repo, "A", "B")

	m := newManager(t, store, shellAgent(`true`, agent.DialectPlain))
	info, err := m.Start(context.Background(), StartRequest{RepoPath: repo, Objective: "only demo-2 please, and demo-77"})
	require.NoError(t, err)
	assert.Equal(t, []string{"demo-2"}, info.BeatIDs)
	waitDone(t, m, info.ID)

	replay, _, cancel, err := m.Subscribe(info.ID)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, "Unresolved references: demo-77", replay[1].Message)
}

func TestStartRejectsEmptyBacklog(t *testing.T) {
	store, repo := newRepo(t)
	m := newManager(t, store, shellAgent(`true`, agent.DialectPlain))
	_, err := m.Start(context.Background(), StartRequest{RepoPath: repo})
	assert.Equal(t, backend.CodeInvalidInput, backend.CodeOf(err))
	assert.Empty(t, m.List())
}

func TestSessionsArePurgedAfterRetention(t *testing.T) {
	store, repo := newRepo(t)
	seed(t, store, repo, "A")

	m, err := NewManager(Config{
		Backend:    store,
		Agent:      shellAgent(`true`, agent.DialectPlain),
		DrainDelay: 5 * time.Millisecond,
		Retention:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	info, err := m.Start(context.Background(), StartRequest{RepoPath: repo})
	require.NoError(t, err)
	waitDone(t, m, info.ID)

	assert.Eventually(t, func() bool {
		_, err := m.Get(info.ID)
		return backend.IsNotFound(err)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, m.List())
}

func TestLiveSubscriberSeesExitThenClose(t *testing.T) {
	store, repo := newRepo(t)
	seed(t, store, repo, "A")

	m := newManager(t, store, shellAgent(`sleep 0.2; echo hello`, agent.DialectPlain))
	info, err := m.Start(context.Background(), StartRequest{RepoPath: repo})
	require.NoError(t, err)

	_, live, cancel, err := m.Subscribe(info.ID)
	require.NoError(t, err)
	defer cancel()

	var got []*events.Event
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case e, ok := <-live:
			if !ok {
				done = true
				break
			}
			got = append(got, e)
		case <-timeout:
			t.Fatal("subscriber channel was not closed")
		}
	}
	require.NotEmpty(t, got)
	assert.Equal(t, events.EventTypeExit, got[len(got)-1].Type)
}
