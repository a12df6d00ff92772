// Package knots adapts the kno tracker CLI to the backend port.
//
// kno stores knots and their edges separately, so reads join the two.
// Edge lists are cached per (repo, id) for a short TTL and workflow
// profiles per repo for a longer one; every mutation through this adapter
// invalidates the entries it touched.
package knots

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/workflow"
)

// DefaultBinary is the kno executable looked up on PATH.
const DefaultBinary = "kno"

const (
	edgeTTL      = 2 * time.Second
	profileTTL   = 10 * time.Second
	edgeCacheCap = 4096
)

// Options configures the knots adapter.
type Options struct {
	Binary         string
	Runner         backend.CommandRunner
	MaxConcurrency int
	Logger         *slog.Logger
}

// Backend delegates to the kno binary.
type Backend struct {
	bin      string
	run      backend.CommandRunner
	maxCon   int
	logger   *slog.Logger
	edges    *expirable.LRU[string, []knotEdge]
	profiles *expirable.LRU[string, []*types.WorkflowDescriptor]
}

var _ backend.Backend = (*Backend)(nil)

// New creates a knots backend.
func New(opts Options) *Backend {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.Runner == nil {
		opts.Runner = backend.NewExecRunner(opts.MaxConcurrency, 0, opts.Logger)
	}
	return &Backend{
		bin:      opts.Binary,
		run:      opts.Runner,
		maxCon:   opts.MaxConcurrency,
		logger:   opts.Logger,
		edges:    expirable.NewLRU[string, []knotEdge](edgeCacheCap, nil, edgeTTL),
		profiles: expirable.NewLRU[string, []*types.WorkflowDescriptor](64, nil, profileTTL),
	}
}

// Capabilities reports everything except Delete, which kno does not offer.
func (b *Backend) Capabilities() backend.Capabilities {
	caps := backend.FullCapabilities(b.maxCon)
	caps.CanDelete = false
	caps.CanSync = true
	return caps
}

func (b *Backend) exec(ctx context.Context, op, repoPath string, args ...string) ([]byte, error) {
	out, err := b.run.Run(ctx, repoPath, b.bin, args...)
	if err == nil {
		return out, nil
	}
	var cmdErr *backend.CommandError
	if errors.As(err, &cmdErr) {
		return nil, backend.FromMessage(op, strings.TrimPrefix(strings.TrimSpace(cmdErr.Stderr), "error: "))
	}
	return nil, backend.Wrap(op, err)
}

func edgeKey(repoPath, id string) string {
	return repoPath + "\x00" + id
}

func (b *Backend) invalidate(repoPath string, ids ...string) {
	for _, id := range ids {
		if id != "" {
			b.edges.Remove(edgeKey(repoPath, id))
		}
	}
}

// ListWorkflows returns the profiles kno reports, cached per repo.
func (b *Backend) ListWorkflows(ctx context.Context, repoPath string) ([]*types.WorkflowDescriptor, error) {
	if descs, ok := b.profiles.Get(repoPath); ok {
		return descs, nil
	}
	out, err := b.exec(ctx, "listWorkflows", repoPath, "profile", "list", "--json")
	if err != nil {
		return nil, err
	}
	var profiles []profile
	if err := json.Unmarshal(out, &profiles); err != nil {
		return nil, backend.Internal("decode kno profiles: %v", err).WithOp("listWorkflows")
	}
	descs := make([]*types.WorkflowDescriptor, 0, len(profiles))
	for _, p := range profiles {
		if p.ID != "" {
			descs = append(descs, p.descriptor())
		}
	}
	if len(descs) == 0 {
		descs = []*types.WorkflowDescriptor{workflow.Autopilot()}
	}
	b.profiles.Add(repoPath, descs)
	return descs, nil
}

func (b *Backend) edgesOf(ctx context.Context, repoPath, id string) ([]knotEdge, error) {
	key := edgeKey(repoPath, id)
	if cached, ok := b.edges.Get(key); ok {
		return cached, nil
	}
	out, err := b.exec(ctx, "listDependencies", repoPath, "edge", "list", id, "--direction", "both", "--json")
	if err != nil {
		return nil, err
	}
	var edges []knotEdge
	if trimmed := strings.TrimSpace(string(out)); trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal([]byte(trimmed), &edges); err != nil {
			return nil, backend.Internal("decode kno edges: %v", err).WithOp("listDependencies")
		}
	}
	b.edges.Add(key, edges)
	return edges, nil
}

// edgesFor fetches edges for every id concurrently.
func (b *Backend) edgesFor(ctx context.Context, repoPath string, ids []string) (map[string][]knotEdge, error) {
	results := make([][]knotEdge, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.maxCon)
	for i, id := range ids {
		g.Go(func() error {
			edges, err := b.edgesOf(gctx, repoPath, id)
			results[i] = edges
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string][]knotEdge, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out, nil
}

// incomingParents returns the parents recorded by parent_of edges into id.
func incomingParents(id string, edges []knotEdge) []string {
	var out []string
	for _, e := range edges {
		if e.Kind == kindParentOf && e.Dst == id && e.Src != id {
			out = append(out, e.Src)
		}
	}
	return out
}

func (b *Backend) fetchAll(ctx context.Context, op, repoPath string) ([]*knot, error) {
	out, err := b.exec(ctx, op, repoPath, "ls", "--all", "--json")
	if err != nil {
		return nil, err
	}
	knots, err := decodeKnots(out)
	if err != nil {
		return nil, backend.Internal("decode kno output: %v", err).WithOp(op)
	}
	return knots, nil
}

// joined is a fully resolved listing: beats with parents and derived
// fields set, plus every edge seen while resolving them.
type joined struct {
	beats []*types.Beat
	deps  []types.Dependency
	descs []*types.WorkflowDescriptor
}

func (j *joined) workflowOf(beat *types.Beat) *types.WorkflowDescriptor {
	return workflow.Lookup(j.descs, beat.WorkflowID)
}

func (b *Backend) load(ctx context.Context, op, repoPath string) (*joined, error) {
	descs, err := b.ListWorkflows(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	knots, err := b.fetchAll(ctx, op, repoPath)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(knots))
	for i, k := range knots {
		ids[i] = k.ID
	}
	edges, err := b.edgesFor(ctx, repoPath, ids)
	if err != nil {
		return nil, backend.Wrap(op, err)
	}

	j := &joined{descs: descs}
	explicit := make(map[string]string)
	seen := make(map[types.Dependency]bool)
	for _, k := range knots {
		j.beats = append(j.beats, k.beat())
		if parents := incomingParents(k.ID, edges[k.ID]); len(parents) > 0 {
			explicit[k.ID] = parents[0]
		}
		for _, e := range edges[k.ID] {
			if d, ok := e.dependency(); ok && !seen[d] {
				seen[d] = true
				j.deps = append(j.deps, d)
			}
		}
	}
	backend.ResolveParents(j.beats, explicit)
	for _, beat := range j.beats {
		workflow.Derive(j.workflowOf(beat), beat)
	}
	return j, nil
}

func (b *Backend) List(ctx context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error) {
	j, err := b.load(ctx, "list", repoPath)
	if err != nil {
		return nil, err
	}
	var out []*types.Beat
	for _, beat := range j.beats {
		if backend.MatchesFilter(beat, j.workflowOf(beat), filter) {
			out = append(out, beat)
		}
	}
	backend.SortBeats(out)
	return backend.Limit(out, filter.Limit), nil
}

func (b *Backend) ListReady(ctx context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error) {
	j, err := b.load(ctx, "listReady", repoPath)
	if err != nil {
		return nil, err
	}
	var out []*types.Beat
	for _, beat := range backend.ReadyBeats(j.beats, j.deps, j.workflowOf) {
		if beat.IsAgentClaimable && backend.MatchesFilter(beat, j.workflowOf(beat), filter) {
			out = append(out, beat)
		}
	}
	backend.SortBeats(out)
	return backend.Limit(out, filter.Limit), nil
}

func (b *Backend) Search(ctx context.Context, repoPath, query string, filter types.Filter) ([]*types.Beat, error) {
	j, err := b.load(ctx, "search", repoPath)
	if err != nil {
		return nil, err
	}
	var out []*types.Beat
	for _, beat := range j.beats {
		if backend.MatchesText(beat, query) && backend.MatchesFilter(beat, j.workflowOf(beat), filter) {
			out = append(out, beat)
		}
	}
	backend.SortBeats(out)
	return backend.Limit(out, filter.Limit), nil
}

func (b *Backend) Query(ctx context.Context, repoPath, expr string, opts types.QueryOptions) ([]*types.Beat, error) {
	q, err := backend.ParseQuery(expr)
	if err != nil {
		return nil, backend.Wrap("query", err)
	}
	j, err := b.load(ctx, "query", repoPath)
	if err != nil {
		return nil, err
	}
	includeClosed := opts.IncludeClosed || q.HasStateTerm()
	var out []*types.Beat
	for _, beat := range j.beats {
		wf := j.workflowOf(beat)
		if !includeClosed && workflow.IsTerminal(wf, beat.State) {
			continue
		}
		if q.Matches(beat, wf) {
			out = append(out, beat)
		}
	}
	backend.SortBeats(out)
	return backend.Limit(out, opts.Limit), nil
}

func (b *Backend) show(ctx context.Context, op, repoPath, id string) (*knot, error) {
	out, err := b.exec(ctx, op, repoPath, "show", id, "--json")
	if err != nil {
		return nil, err
	}
	knots, err := decodeKnots(out)
	if err != nil {
		return nil, backend.Internal("decode kno output: %v", err).WithOp(op)
	}
	for _, k := range knots {
		if k.ID == id {
			return k, nil
		}
	}
	return nil, backend.NotFound("knot %s not found", id).WithOp(op)
}

// Get resolves one knot. An explicit parent_of edge wins over the dotted id;
// a dotted parent is only kept when that knot exists.
func (b *Backend) Get(ctx context.Context, repoPath, id string) (*types.Beat, error) {
	k, err := b.show(ctx, "get", repoPath, id)
	if err != nil {
		return nil, err
	}
	descs, err := b.ListWorkflows(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	edges, err := b.edgesOf(ctx, repoPath, id)
	if err != nil {
		return nil, backend.Wrap("get", err)
	}
	beat := k.beat()
	if parents := incomingParents(id, edges); len(parents) > 0 {
		beat.Parent = parents[0]
	} else if dotted := backend.DottedParent(id); dotted != "" {
		if _, err := b.show(ctx, "get", repoPath, dotted); err == nil {
			beat.Parent = dotted
		} else if !backend.IsNotFound(err) {
			return nil, err
		}
	}
	workflow.Derive(workflow.Lookup(descs, beat.WorkflowID), beat)
	return beat, nil
}

func (b *Backend) resolveProfile(ctx context.Context, op, repoPath string, input types.CreateInput) (*types.WorkflowDescriptor, error) {
	descs, err := b.ListWorkflows(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	id := input.ProfileID
	if id == "" {
		id = input.WorkflowID
	}
	if id == "" {
		return descs[0], nil
	}
	for _, d := range descs {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, backend.InvalidInput("unknown profile %q", id).WithOp(op)
}

func (b *Backend) Create(ctx context.Context, repoPath string, input types.CreateInput) (*types.Beat, error) {
	if err := input.Validate(); err != nil {
		return nil, backend.InvalidInput("%v", err).WithOp("create")
	}
	wf, err := b.resolveProfile(ctx, "create", repoPath, input)
	if err != nil {
		return nil, err
	}
	if input.State != "" && !wf.HasState(input.State) {
		return nil, backend.InvalidInput("state %q is not in profile %s", input.State, wf.ID).WithOp("create")
	}
	args := []string{"new", strings.TrimSpace(input.Title), "--json", "--profile", wf.ID}
	if input.State != "" {
		args = append(args, "--state", input.State)
	}
	if input.Type != "" {
		args = append(args, "--type", string(input.Type))
	}
	if input.Priority != nil {
		args = append(args, "--priority", strconv.Itoa(*input.Priority))
	}
	if input.Description != "" {
		args = append(args, "--description", input.Description)
	}
	if input.Acceptance != "" {
		args = append(args, "--acceptance", input.Acceptance)
	}
	if input.Assignee != "" {
		args = append(args, "--assignee", input.Assignee)
	}
	for _, tag := range types.NormalizeLabels(input.Labels) {
		args = append(args, "--tag", tag)
	}
	out, err := b.exec(ctx, "create", repoPath, args...)
	if err != nil {
		return nil, err
	}
	knots, err := decodeKnots(out)
	if err != nil || len(knots) == 0 {
		return nil, backend.Internal("kno new printed no knot").WithOp("create")
	}
	id := knots[0].ID
	if input.Notes != "" {
		if _, err := b.exec(ctx, "create", repoPath, "update", id, "--add-note", input.Notes); err != nil {
			return nil, err
		}
	}
	if input.Parent != "" {
		if err := b.setParent(ctx, repoPath, id, input.Parent); err != nil {
			return nil, err
		}
	}
	return b.Get(ctx, repoPath, id)
}

func (b *Backend) Update(ctx context.Context, repoPath, id string, input types.UpdateInput) (*types.Beat, error) {
	if err := input.Validate(); err != nil {
		return nil, backend.InvalidInput("%v", err).WithOp("update")
	}
	current, err := b.Get(ctx, repoPath, id)
	if err != nil {
		return nil, err
	}
	for _, requested := range []*string{input.ProfileID, input.WorkflowID} {
		if requested != nil && *requested != current.WorkflowID {
			return nil, backend.InvalidInput("cannot change profile of %s from %s to %s", id, current.WorkflowID, *requested).WithOp("update")
		}
	}
	args := []string{"update", id}
	if input.State != nil {
		descs, err := b.ListWorkflows(ctx, repoPath)
		if err != nil {
			return nil, err
		}
		if wf := workflow.Lookup(descs, current.WorkflowID); !wf.HasState(*input.State) {
			return nil, backend.InvalidInput("state %q is not in profile %s", *input.State, wf.ID).WithOp("update")
		}
		args = append(args, "--status", *input.State)
	}
	if input.Title != nil {
		args = append(args, "--title", strings.TrimSpace(*input.Title))
	}
	if input.Description != nil {
		args = append(args, "--description", *input.Description)
	}
	if input.Acceptance != nil {
		args = append(args, "--acceptance", *input.Acceptance)
	}
	if input.Notes != nil {
		added, err := addedNotes(id, current.Notes, *input.Notes)
		if err != nil {
			return nil, err
		}
		if added != "" {
			args = append(args, "--add-note", added)
		}
	}
	if input.Type != nil {
		args = append(args, "--type", string(*input.Type))
	}
	if input.Priority != nil {
		args = append(args, "--priority", strconv.Itoa(*input.Priority))
	}
	if input.Assignee != nil {
		args = append(args, "--assignee", *input.Assignee)
	}
	for _, tag := range types.NormalizeLabels(input.AddLabels) {
		args = append(args, "--add-tag", tag)
	}
	for _, tag := range types.NormalizeLabels(input.RemoveLabels) {
		args = append(args, "--remove-tag", tag)
	}
	if len(args) > 2 {
		if _, err := b.exec(ctx, "update", repoPath, args...); err != nil {
			return nil, err
		}
	}
	if input.Parent != nil {
		if err := b.setParent(ctx, repoPath, id, *input.Parent); err != nil {
			return nil, err
		}
	}
	return b.Get(ctx, repoPath, id)
}

// addedNotes returns the text to append so the knot's notes become want.
// kno only appends notes, so want must extend the current notes.
func addedNotes(id, current, want string) (string, error) {
	current = strings.TrimSpace(current)
	want = strings.TrimSpace(want)
	if !strings.HasPrefix(want, current) {
		return "", backend.Unsupported("kno can only append notes; the notes of %s would be rewritten", id).WithOp("update")
	}
	return strings.TrimSpace(want[len(current):]), nil
}

// setParent makes parent the only parent_of source for child. Edges that
// already match are left alone; an empty parent detaches child.
func (b *Backend) setParent(ctx context.Context, repoPath, child, parent string) error {
	if parent == child {
		return backend.InvalidInput("%s cannot be its own parent", child).WithOp("update")
	}
	edges, err := b.edgesOf(ctx, repoPath, child)
	if err != nil {
		return backend.Wrap("update", err)
	}
	held := false
	var stale []string
	for _, p := range incomingParents(child, edges) {
		if p == parent {
			held = true
			continue
		}
		stale = append(stale, p)
	}
	if held && len(stale) == 0 {
		return nil
	}
	defer b.invalidate(repoPath, append(stale, parent, child)...)
	for _, old := range stale {
		_, err := b.exec(ctx, "update", repoPath, "edge", "remove", old, kindParentOf, child)
		if err != nil && !backend.IsNotFound(err) {
			return err
		}
	}
	if parent != "" && !held {
		_, err := b.exec(ctx, "update", repoPath, "edge", "add", parent, kindParentOf, child)
		if err != nil && !backend.IsAlreadyExists(err) {
			return err
		}
	}
	return nil
}

// Delete is not offered by kno.
func (b *Backend) Delete(context.Context, string, string) error {
	return backend.Unsupported("kno cannot delete knots").WithOp("delete")
}

// Close moves the knot to its workflow's first terminal state and records
// the reason as a note.
func (b *Backend) Close(ctx context.Context, repoPath, id, reason string) error {
	current, err := b.Get(ctx, repoPath, id)
	if err != nil {
		return backend.Wrap("close", err)
	}
	descs, err := b.ListWorkflows(ctx, repoPath)
	if err != nil {
		return err
	}
	args := []string{"update", id, "--status", workflow.ClosedState(workflow.Lookup(descs, current.WorkflowID))}
	if reason = strings.TrimSpace(reason); reason != "" {
		args = append(args, "--add-note", "Closed: "+reason)
	}
	_, err = b.exec(ctx, "close", repoPath, args...)
	return err
}

func (b *Backend) ListDependencies(ctx context.Context, repoPath, id string, opts backend.DependencyOptions) ([]types.Dependency, error) {
	edges, err := b.edgesOf(ctx, repoPath, id)
	if err != nil {
		return nil, err
	}
	out := []types.Dependency{}
	for _, e := range edges {
		d, ok := e.dependency()
		if !ok || (opts.Type != "" && d.Type != opts.Type) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (b *Backend) hasEdge(ctx context.Context, op, repoPath, src, kind, dst string) (bool, error) {
	edges, err := b.edgesOf(ctx, repoPath, dst)
	if err != nil {
		return false, backend.Wrap(op, err)
	}
	for _, e := range edges {
		if e.Src == src && e.Kind == kind && e.Dst == dst {
			return true, nil
		}
	}
	return false, nil
}

func (b *Backend) AddDependency(ctx context.Context, repoPath, blocker, blocked string, opts backend.DependencyOptions) error {
	typ := opts.Type.OrDefault()
	if !typ.IsValid() {
		return backend.InvalidInput("unknown dependency type %q", typ).WithOp("addDependency")
	}
	if typ == types.DepParentChild {
		edges, err := b.edgesOf(ctx, repoPath, blocked)
		if err != nil {
			return backend.Wrap("addDependency", err)
		}
		for _, p := range incomingParents(blocked, edges) {
			if p == blocker {
				return backend.AlreadyExists("%s is already the parent of %s", blocker, blocked).WithOp("addDependency")
			}
			return backend.InvalidInput("%s already has parent %s", blocked, p).WithOp("addDependency")
		}
	}
	kind := edgeKind(typ)
	exists, err := b.hasEdge(ctx, "addDependency", repoPath, blocker, kind, blocked)
	if err != nil {
		return err
	}
	if exists {
		return backend.AlreadyExists("%s dependency %s -> %s already exists", typ, blocker, blocked).WithOp("addDependency")
	}
	defer b.invalidate(repoPath, blocker, blocked)
	_, err = b.exec(ctx, "addDependency", repoPath, "edge", "add", blocker, kind, blocked)
	return err
}

func (b *Backend) RemoveDependency(ctx context.Context, repoPath, blocker, blocked string, opts backend.DependencyOptions) error {
	kind := edgeKind(opts.Type)
	exists, err := b.hasEdge(ctx, "removeDependency", repoPath, blocker, kind, blocked)
	if err != nil {
		return err
	}
	if !exists {
		return backend.NotFound("%s dependency %s -> %s not found", opts.Type.OrDefault(), blocker, blocked).WithOp("removeDependency")
	}
	defer b.invalidate(repoPath, blocker, blocked)
	_, err = b.exec(ctx, "removeDependency", repoPath, "edge", "remove", blocker, kind, blocked)
	return err
}

func (b *Backend) BuildTakePrompt(ctx context.Context, repoPath, id string, opts backend.TakePromptOptions) (string, error) {
	out, err := backend.DefaultTakePrompt(ctx, b, repoPath, id, opts)
	return out, backend.Wrap("buildTakePrompt", err)
}

func (b *Backend) BuildPollPrompt(ctx context.Context, repoPath string, opts backend.PollPromptOptions) (string, error) {
	out, err := backend.DefaultPollPrompt(ctx, b, repoPath, opts)
	return out, backend.Wrap("buildPollPrompt", err)
}
