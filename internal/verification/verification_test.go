package verification

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beatline/conductor/internal/agent"
	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/backend/jsonl"
	"github.com/beatline/conductor/internal/backend/router"
	"github.com/beatline/conductor/internal/labels"
	"github.com/beatline/conductor/internal/types"
)

func newRepo(t *testing.T) (*jsonl.Backend, string) {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".beads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".beads", "config.yaml"), []byte("issue-prefix: demo\n"), 0o644))
	store := jsonl.New(jsonl.Options{})
	t.Cleanup(func() { _ = store.Shutdown() })
	return store, repo
}

func newBeat(t *testing.T, store backend.Backend, repo, notes string, lbls ...string) *types.Beat {
	t.Helper()
	b, err := store.Create(context.Background(), repo, types.CreateInput{Title: "Add export", Notes: notes, Labels: lbls})
	require.NoError(t, err)
	return b
}

func shellAgent(body string) agent.Descriptor {
	return agent.Descriptor{Name: "verifier", Command: "sh", Args: []string{"-c", body, "sh"}, Dialect: agent.DialectPlain}
}

type relaunch struct {
	action Action
	ids    []string
}

type fakeRelauncher struct {
	mu    sync.Mutex
	calls []relaunch
}

func (f *fakeRelauncher) Relaunch(_ context.Context, action Action, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, relaunch{action: action, ids: ids})
	return nil
}

func newVerifier(t *testing.T, store backend.Backend, body string, r Relauncher) *Verifier {
	t.Helper()
	v, err := New(Config{
		Backend:    store,
		Agent:      shellAgent(body),
		Enabled:    true,
		MaxRetries: 2,
		Timeout:    10 * time.Second,
		Relauncher: r,
	})
	require.NoError(t, err)
	return v
}

func get(t *testing.T, store backend.Backend, repo, id string) *types.Beat {
	t.Helper()
	b, err := store.Get(context.Background(), repo, id)
	require.NoError(t, err)
	return b
}

func TestScan(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		token   string
		summary string
	}{
		{"pass", "all good\nVERIFICATION_RESULT: pass\n", TokenPass, ""},
		{"no token", "I looked around.", "", ""},
		{"explicit summary", "REJECTION_SUMMARY: export flag is missing\nVERIFICATION_RESULT: fail-requirements", TokenFailRequirements, "export flag is missing"},
		{"preceding text", "Intro.\n\nThe parser panics on empty input.\nVERIFICATION_RESULT: fail-bugs", TokenFailBugs, "The parser panics on empty input."},
		{"last token wins", "VERIFICATION_RESULT: fail-tests\nretried\nVERIFICATION_RESULT: PASS", TokenPass, ""},
		{"markdown decoration", "**VERIFICATION_RESULT:** fail-tests", TokenFailTests, "no details given"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Scan(tt.output)
			assert.Equal(t, tt.token, v.Token)
			assert.Equal(t, tt.summary, v.Summary)
		})
	}
}

func TestTriggerIneligible(t *testing.T) {
	store, repo := newRepo(t)
	b := newBeat(t, store, repo, "", labels.CommitLabel("abc"))
	v := newVerifier(t, store, "echo 'VERIFICATION_RESULT: pass'", nil)
	ctx := context.Background()

	assert.Nil(t, v.Trigger(ctx, Request{IDs: []string{b.ID}, Action: "poll", RepoPath: repo}))
	assert.Nil(t, v.Trigger(ctx, Request{IDs: []string{b.ID}, Action: ActionTake, RepoPath: repo, ExitCode: 1}))

	disabled, err := New(Config{Backend: store, Agent: shellAgent("true")})
	require.NoError(t, err)
	assert.Nil(t, disabled.Trigger(ctx, Request{IDs: []string{b.ID}, Action: ActionTake, RepoPath: repo}))

	assert.Equal(t, []string{labels.CommitLabel("abc")}, get(t, store, repo, b.ID).Labels)
}

func TestPassClosesBeat(t *testing.T) {
	store, repo := newRepo(t)
	b := newBeat(t, store, repo, "", labels.CommitLabel("abc"), labels.LabelStageRetry)
	v := newVerifier(t, store, "echo 'Checked it.'; echo 'VERIFICATION_RESULT: pass'", nil)

	res := v.Trigger(context.Background(), Request{IDs: []string{b.ID}, Action: ActionTake, RepoPath: repo})
	require.Len(t, res, 1)
	assert.Equal(t, OutcomePassed, res[0].Outcome)

	got := get(t, store, repo, b.ID)
	assert.Equal(t, "closed", got.State)
	assert.Equal(t, []string{labels.CommitLabel("abc")}, got.Labels)
	assert.False(t, v.IsLocked(b.ID))
}

func TestFailWithinBudgetRelaunches(t *testing.T) {
	store, repo := newRepo(t)
	b := newBeat(t, store, repo, "Started on the CLI.", labels.CommitLabel("abc"))
	r := &fakeRelauncher{}
	v := newVerifier(t, store, "echo 'REJECTION_SUMMARY: null deref in parser'; echo 'VERIFICATION_RESULT: fail-bugs'", r)

	res := v.Trigger(context.Background(), Request{IDs: []string{b.ID}, Action: ActionTake, RepoPath: repo})
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeFailed, res[0].Outcome)
	assert.Equal(t, TokenFailBugs, res[0].Token)
	assert.Equal(t, 1, res[0].Attempts)
	assert.True(t, res[0].Relaunched)
	assert.Equal(t, []relaunch{{action: ActionTake, ids: []string{b.ID}}}, r.calls)

	got := get(t, store, repo, b.ID)
	assert.Equal(t, "open", got.State)
	assert.ElementsMatch(t, []string{labels.CommitLabel("abc"), labels.LabelStageRetry, labels.AttemptsLabel(1)}, got.Labels)
	assert.Equal(t, "Started on the CLI.\n\nVerification attempt 1 rejected (fail-bugs): null deref in parser", got.Notes)
}

func TestRetryBudgetExhausted(t *testing.T) {
	store, repo := newRepo(t)
	b := newBeat(t, store, repo, "", labels.CommitLabel("abc"), labels.AttemptsLabel(2))
	r := &fakeRelauncher{}
	v := newVerifier(t, store, "echo 'The export command is still missing.'; echo 'VERIFICATION_RESULT: fail-requirements'", r)

	res := v.Trigger(context.Background(), Request{IDs: []string{b.ID}, Action: ActionTake, RepoPath: repo})
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeFailed, res[0].Outcome)
	assert.Equal(t, 3, res[0].Attempts)
	assert.False(t, res[0].Relaunched)
	assert.Empty(t, r.calls)

	got := get(t, store, repo, b.ID)
	assert.Contains(t, got.Labels, labels.AttemptsLabel(3))
	assert.NotContains(t, got.Labels, labels.AttemptsLabel(2))
	assert.Contains(t, got.Labels, labels.LabelStageRetry)
	assert.Contains(t, got.Notes, "The export command is still missing.")
}

func TestNoCommitSkipsVerifier(t *testing.T) {
	store, repo := newRepo(t)
	b := newBeat(t, store, repo, "")
	marker := filepath.Join(t.TempDir(), "spawned")
	v := newVerifier(t, store, "touch "+marker+"; echo 'VERIFICATION_RESULT: pass'", nil)

	res := v.Trigger(context.Background(), Request{IDs: []string{b.ID}, Action: ActionTake, RepoPath: repo})
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeNoCommit, res[0].Outcome)
	assert.Equal(t, 1, res[0].Attempts)
	assert.NoFileExists(t, marker)

	got := get(t, store, repo, b.ID)
	assert.ElementsMatch(t, []string{labels.LabelStageRetry, labels.AttemptsLabel(1)}, got.Labels)
	assert.Equal(t, "open", got.State)
}

func TestVerifierCrashLeavesRetryStage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		timeout time.Duration
		message string
	}{
		{"non-zero exit", "echo partial; exit 1", 10 * time.Second, "exited with code 1"},
		{"no token", "echo 'I could not decide'", 10 * time.Second, "no VERIFICATION_RESULT line"},
		{"timeout", "exec sleep 30", 200 * time.Millisecond, "timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, repo := newRepo(t)
			b := newBeat(t, store, repo, "", labels.CommitLabel("abc"), labels.AttemptsLabel(1))
			r := &fakeRelauncher{}
			v, err := New(Config{Backend: store, Agent: shellAgent(tt.body), Enabled: true, MaxRetries: 2, Timeout: tt.timeout, Relauncher: r})
			require.NoError(t, err)

			res := v.Trigger(context.Background(), Request{IDs: []string{b.ID}, Action: ActionTake, RepoPath: repo})
			require.Len(t, res, 1)
			assert.Equal(t, OutcomeCrashed, res[0].Outcome)
			assert.Contains(t, res[0].Message, tt.message)
			assert.Empty(t, r.calls)
			assert.False(t, v.IsLocked(b.ID))

			got := get(t, store, repo, b.ID)
			assert.ElementsMatch(t, []string{labels.CommitLabel("abc"), labels.AttemptsLabel(1), labels.LabelStageRetry}, got.Labels)
			assert.Contains(t, got.Notes, "Verification could not complete")
		})
	}
}

func TestConcurrentTriggersSpawnOneVerifier(t *testing.T) {
	store, repo := newRepo(t)
	b := newBeat(t, store, repo, "", labels.CommitLabel("abc"))
	count := filepath.Join(t.TempDir(), "count")
	v := newVerifier(t, store, "echo run >> "+count+"; sleep 1; echo 'VERIFICATION_RESULT: pass'", nil)

	req := Request{IDs: []string{b.ID}, Action: ActionTake, RepoPath: repo}
	var wg sync.WaitGroup
	results := make([][]Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = v.Trigger(context.Background(), req)
		}()
	}
	wg.Wait()

	var outcomes []Outcome
	for _, r := range results {
		require.Len(t, r, 1)
		outcomes = append(outcomes, r[0].Outcome)
	}
	assert.ElementsMatch(t, []Outcome{OutcomePassed, OutcomeSkippedLocked}, outcomes)

	data, err := os.ReadFile(count)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "run"))
}

func TestEntryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, repo := newRepo(t)
	b := newBeat(t, store, repo, "", labels.LabelStageRetry)

	once, err := labels.Transition(ctx, store, repo, b.ID, labels.EntryDelta(b.Labels), types.UpdateInput{}, "entry")
	require.NoError(t, err)
	twice, err := labels.Transition(ctx, store, repo, b.ID, labels.EntryDelta(once.Labels), types.UpdateInput{}, "entry")
	require.NoError(t, err)
	assert.Nil(t, twice)
	assert.Equal(t, once.Labels, get(t, store, repo, b.ID).Labels)
	assert.ElementsMatch(t, []string{labels.LabelEditLock, labels.LabelStageVerification}, once.Labels)
}

func TestSceneRelaunchesFailedBeatsTogether(t *testing.T) {
	store, repo := newRepo(t)
	a := newBeat(t, store, repo, "", labels.CommitLabel("abc"))
	b := newBeat(t, store, repo, "", labels.CommitLabel("def"))
	r := &fakeRelauncher{}
	v := newVerifier(t, store, "echo 'VERIFICATION_RESULT: fail-tests'", r)

	res := v.Trigger(context.Background(), Request{IDs: []string{a.ID, b.ID, a.ID}, Action: ActionScene, RepoPath: repo})
	require.Len(t, res, 2)
	require.Len(t, r.calls, 1)
	assert.Equal(t, ActionScene, r.calls[0].action)
	assert.Equal(t, []string{a.ID, b.ID}, r.calls[0].ids)
}

func TestSkipsTerminalBeats(t *testing.T) {
	store, repo := newRepo(t)
	b := newBeat(t, store, repo, "", labels.CommitLabel("abc"))
	require.NoError(t, store.Close(context.Background(), repo, b.ID, "done"))
	v := newVerifier(t, store, "echo 'VERIFICATION_RESULT: pass'", nil)

	res := v.Trigger(context.Background(), Request{IDs: []string{b.ID}, Action: ActionTake, RepoPath: repo})
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeSkippedTerminal, res[0].Outcome)
	assert.Equal(t, []string{labels.CommitLabel("abc")}, get(t, store, repo, b.ID).Labels)
}

func TestRecoverReportsStaleLocks(t *testing.T) {
	store, repo := newRepo(t)
	stale := newBeat(t, store, repo, "", labels.LabelEditLock, labels.LabelStageVerification)
	running := newBeat(t, store, repo, "", labels.LabelEditLock, labels.LabelStageVerification)
	newBeat(t, store, repo, "")
	v := newVerifier(t, store, "true", nil)
	require.True(t, v.tryLock(running.ID))
	defer v.unlock(running.ID)

	out, err := v.Recover(context.Background(), repo)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, stale.ID, out[0].ID)
	assert.Equal(t, "verification", out[0].Stage)
}

// lockedOnce fails the first Update and the first Close with LOCKED.
type lockedOnce struct {
	backend.Backend
	mu      sync.Mutex
	updates int
	closes  int
}

func (l *lockedOnce) Update(ctx context.Context, repoPath, id string, in types.UpdateInput) (*types.Beat, error) {
	l.mu.Lock()
	l.updates++
	first := l.updates == 1
	l.mu.Unlock()
	if first {
		return nil, backend.NewError(backend.CodeLocked, "database is locked").WithOp("update")
	}
	return l.Backend.Update(ctx, repoPath, id, in)
}

func (l *lockedOnce) Close(ctx context.Context, repoPath, id, reason string) error {
	l.mu.Lock()
	l.closes++
	first := l.closes == 1
	l.mu.Unlock()
	if first {
		return backend.NewError(backend.CodeLocked, "database is locked").WithOp("close")
	}
	return l.Backend.Close(ctx, repoPath, id, reason)
}

func TestTransitionsRetryLockedStore(t *testing.T) {
	inner, repo := newRepo(t)
	b := newBeat(t, inner, repo, "", labels.CommitLabel("abc"))
	store := &lockedOnce{Backend: inner}
	v, err := New(Config{
		Backend: store,
		Agent:   shellAgent("echo 'VERIFICATION_RESULT: pass'"),
		Enabled: true,
		Timeout: 10 * time.Second,
		Retry:   backend.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsed: time.Second, MaxRetries: 3},
	})
	require.NoError(t, err)

	res := v.Trigger(context.Background(), Request{IDs: []string{b.ID}, Action: ActionTake, RepoPath: repo})
	require.Len(t, res, 1)
	assert.Equal(t, OutcomePassed, res[0].Outcome, res[0].Message)
	assert.Equal(t, 2, store.closes)
	assert.Equal(t, 3, store.updates, "entry retried once, then pass")

	got := get(t, inner, repo, b.ID)
	assert.Equal(t, "closed", got.State)
	assert.Equal(t, []string{labels.CommitLabel("abc")}, got.Labels)
}

// routedRepo returns a router over a .beads repository with no bd binary,
// so the repository is served by the file-backed store.
func routedRepo(t *testing.T) (*router.Router, string) {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".beads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".beads", "config.yaml"), []byte("issue-prefix: demo\n"), 0o644))
	r := router.New(router.Options{LookPath: func(string) (string, error) { return "", os.ErrNotExist }})
	t.Cleanup(func() { _ = r.Shutdown() })
	return r, repo
}

func TestTriggerThroughRouter(t *testing.T) {
	r, repo := routedRepo(t)
	ctx := context.Background()
	passing := newBeat(t, r, repo, "", labels.CommitLabel("abc"))

	v := newVerifier(t, r, "echo 'VERIFICATION_RESULT: pass'", nil)
	res := v.Trigger(ctx, Request{IDs: []string{passing.ID}, Action: ActionTake, RepoPath: repo})
	require.Len(t, res, 1)
	assert.Equal(t, OutcomePassed, res[0].Outcome, res[0].Message)
	assert.Equal(t, "closed", get(t, r, repo, passing.ID).State)

	failing := newBeat(t, r, repo, "", labels.CommitLabel("def"))
	rl := &fakeRelauncher{}
	v = newVerifier(t, r, "echo 'VERIFICATION_RESULT: fail-tests'", rl)
	res = v.Trigger(ctx, Request{IDs: []string{failing.ID}, Action: ActionTake, RepoPath: repo})
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeFailed, res[0].Outcome, res[0].Message)
	assert.True(t, res[0].Relaunched)
	got := get(t, r, repo, failing.ID)
	assert.Equal(t, "open", got.State)
	assert.ElementsMatch(t, []string{labels.CommitLabel("def"), labels.LabelStageRetry, labels.AttemptsLabel(1)}, got.Labels)
}
