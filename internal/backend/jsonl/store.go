// Package jsonl is the file-backed backend. It owns .beads/issues.jsonl and
// .beads/dependencies.jsonl directly, with no external process.
//
// Each repository is loaded lazily into memory on first access and every
// read is served from that map. Every mutation updates the map and then
// rewrites the backing file in full before returning.
package jsonl

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/workflow"
)

// Options configures the file-backed backend.
type Options struct {
	// Watch reloads a repository after another process rewrites its files.
	Watch  bool
	Logger *slog.Logger
	// Now is the clock used for timestamps; defaults to time.Now.
	Now func() time.Time
}

// Backend serves any number of repositories, each with its own lazily
// loaded record map.
type Backend struct {
	opts Options

	mu    sync.Mutex
	repos map[string]*repoStore
}

var _ backend.Backend = (*Backend)(nil)

// New creates a file-backed backend.
func New(opts Options) *Backend {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Backend{opts: opts, repos: make(map[string]*repoStore)}
}

// Shutdown stops every file watcher.
func (b *Backend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.repos {
		r.mu.Lock()
		if r.watcher != nil {
			_ = r.watcher.Close()
			r.watcher = nil
		}
		r.mu.Unlock()
	}
	return nil
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.FullCapabilities(1)
}

// repoStore is the in-memory view of one repository.
type repoStore struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	loaded    bool
	records   map[string]*record
	edges     []edge
	cfg       repoConfig
	workflows []*types.WorkflowDescriptor
	written   map[string]fileStamp
	watcher   *fsnotify.Watcher
}

func (r *repoStore) dir() string { return filepath.Join(r.root, dirName) }

// repo returns the locked store for repoPath, loading it if needed.
// Callers must unlock r.mu.
func (b *Backend) repo(repoPath string) (*repoStore, error) {
	if repoPath == "" {
		return nil, backend.InvalidInput("repository path is required")
	}
	root, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, backend.InvalidInput("bad repository path %q: %v", repoPath, err)
	}
	b.mu.Lock()
	r, ok := b.repos[root]
	if !ok {
		r = &repoStore{root: root, logger: b.opts.Logger, now: b.opts.Now, written: make(map[string]fileStamp)}
		b.repos[root] = r
	}
	b.mu.Unlock()

	r.mu.Lock()
	if !r.loaded {
		if err := r.load(); err != nil {
			r.mu.Unlock()
			return nil, backend.Internal("load %s: %v", r.dir(), err)
		}
		if b.opts.Watch && r.watcher == nil {
			if err := r.watch(); err != nil {
				r.logger.Debug("not watching backing files", "repo", root, "error", err)
			}
		}
	}
	return r, nil
}

func (r *repoStore) load() error {
	cfg, err := loadRepoConfig(r.dir())
	if err != nil {
		return err
	}
	recs, err := readJSONL[*record](filepath.Join(r.dir(), issuesFile))
	if err != nil {
		return err
	}
	edges, err := readJSONL[edge](filepath.Join(r.dir(), depsFile))
	if err != nil {
		return err
	}
	r.cfg = cfg
	r.workflows = r.recognizedWorkflows(cfg.Workflows)
	r.records = make(map[string]*record, len(recs))
	for _, rec := range recs {
		r.records[rec.ID] = rec
	}
	r.edges = edges
	r.loaded = true
	r.logger.Debug("loaded file store", "repo", r.root, "beats", len(r.records), "edges", len(r.edges))
	return nil
}

func (r *repoStore) flushRecords() error {
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	sortRecords(recs)
	fi, err := writeJSONL(filepath.Join(r.dir(), issuesFile), recs)
	if err != nil {
		return backend.Internal("write %s: %v", issuesFile, err)
	}
	r.written[issuesFile] = stampOf(fi)
	return nil
}

func (r *repoStore) flushEdges() error {
	fi, err := writeJSONL(filepath.Join(r.dir(), depsFile), r.edges)
	if err != nil {
		return backend.Internal("write %s: %v", depsFile, err)
	}
	r.written[depsFile] = stampOf(fi)
	return nil
}

func (r *repoStore) workflowFor(id string) *types.WorkflowDescriptor {
	if id == "" {
		return r.workflows[0]
	}
	for _, d := range r.workflows {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (r *repoStore) wfOf(b *types.Beat) *types.WorkflowDescriptor {
	if wf := r.workflowFor(b.WorkflowID); wf != nil {
		return wf
	}
	return r.workflows[0]
}

// view builds the Beat for every record with parents resolved and derived
// fields filled.
func (r *repoStore) view() []*types.Beat {
	beats := make([]*types.Beat, 0, len(r.records))
	for _, rec := range r.records {
		beats = append(beats, normalize(rec, workflow.BeadsCoarseID))
	}
	explicit := make(map[string]string)
	for _, e := range r.edges {
		if e.Type == types.DepParentChild {
			explicit[e.IssueID] = e.DependsOnID
		}
	}
	backend.ResolveParents(beats, explicit)
	for _, b := range beats {
		if b.State == "" {
			b.State = r.wfOf(b).InitialState
		}
		workflow.Derive(r.wfOf(b), b)
	}
	return beats
}

func (r *repoStore) get(id string) (*types.Beat, error) {
	if _, ok := r.records[id]; !ok {
		return nil, backend.NotFound("beat %s not found", id)
	}
	for _, b := range r.view() {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, backend.NotFound("beat %s not found", id)
}

func (r *repoStore) dependencies() []types.Dependency {
	out := make([]types.Dependency, 0, len(r.edges))
	for _, e := range r.edges {
		out = append(out, e.dependency())
	}
	return out
}

func (b *Backend) ListWorkflows(_ context.Context, repoPath string) ([]*types.WorkflowDescriptor, error) {
	r, err := b.repo(repoPath)
	if err != nil {
		return nil, backend.Wrap("listWorkflows", err)
	}
	defer r.mu.Unlock()
	return append([]*types.WorkflowDescriptor(nil), r.workflows...), nil
}

func (b *Backend) List(_ context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error) {
	r, err := b.repo(repoPath)
	if err != nil {
		return nil, backend.Wrap("list", err)
	}
	defer r.mu.Unlock()
	var out []*types.Beat
	for _, beat := range r.view() {
		if backend.MatchesFilter(beat, r.wfOf(beat), filter) {
			out = append(out, beat)
		}
	}
	backend.SortBeats(out)
	return backend.Limit(out, filter.Limit), nil
}

func (b *Backend) ListReady(_ context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error) {
	r, err := b.repo(repoPath)
	if err != nil {
		return nil, backend.Wrap("listReady", err)
	}
	defer r.mu.Unlock()
	var out []*types.Beat
	for _, beat := range backend.ReadyBeats(r.view(), r.dependencies(), r.wfOf) {
		if backend.MatchesFilter(beat, r.wfOf(beat), filter) {
			out = append(out, beat)
		}
	}
	backend.SortBeats(out)
	return backend.Limit(out, filter.Limit), nil
}

func (b *Backend) Search(_ context.Context, repoPath, query string, filter types.Filter) ([]*types.Beat, error) {
	r, err := b.repo(repoPath)
	if err != nil {
		return nil, backend.Wrap("search", err)
	}
	defer r.mu.Unlock()
	var out []*types.Beat
	for _, beat := range r.view() {
		if backend.MatchesText(beat, query) && backend.MatchesFilter(beat, r.wfOf(beat), filter) {
			out = append(out, beat)
		}
	}
	backend.SortBeats(out)
	return backend.Limit(out, filter.Limit), nil
}

func (b *Backend) Query(_ context.Context, repoPath, expr string, opts types.QueryOptions) ([]*types.Beat, error) {
	q, err := backend.ParseQuery(expr)
	if err != nil {
		return nil, backend.Wrap("query", err)
	}
	r, err := b.repo(repoPath)
	if err != nil {
		return nil, backend.Wrap("query", err)
	}
	defer r.mu.Unlock()
	hasState := q.HasStateTerm()
	var out []*types.Beat
	for _, beat := range r.view() {
		wf := r.wfOf(beat)
		if !opts.IncludeClosed && !hasState && workflow.IsTerminal(wf, beat.State) {
			continue
		}
		if q.Matches(beat, wf) {
			out = append(out, beat)
		}
	}
	backend.SortBeats(out)
	return backend.Limit(out, opts.Limit), nil
}

func (b *Backend) Get(_ context.Context, repoPath, id string) (*types.Beat, error) {
	r, err := b.repo(repoPath)
	if err != nil {
		return nil, backend.Wrap("get", err)
	}
	defer r.mu.Unlock()
	beat, err := r.get(id)
	return beat, backend.Wrap("get", err)
}

func (b *Backend) Create(_ context.Context, repoPath string, input types.CreateInput) (*types.Beat, error) {
	if err := input.Validate(); err != nil {
		return nil, backend.InvalidInput("%v", err).WithOp("create")
	}
	r, err := b.repo(repoPath)
	if err != nil {
		return nil, backend.Wrap("create", err)
	}
	defer r.mu.Unlock()

	profile := input.ProfileID
	if profile == "" {
		profile = input.WorkflowID
	}
	if input.WorkflowID != "" && input.WorkflowID != profile {
		return nil, backend.InvalidInput("profile %q and workflow %q differ", profile, input.WorkflowID).WithOp("create")
	}
	wf := r.workflowFor(profile)
	if wf == nil {
		return nil, backend.InvalidInput("workflow %q is not recognized by this store", profile).WithOp("create")
	}
	state := input.State
	if state == "" {
		state = wf.InitialState
	}
	if !wf.HasState(state) {
		return nil, backend.InvalidInput("state %q is not part of workflow %s", state, wf.ID).WithOp("create")
	}
	if input.Parent != "" {
		if _, ok := r.records[input.Parent]; !ok {
			return nil, backend.NotFound("parent %s not found", input.Parent).WithOp("create")
		}
	}

	now := r.now().UTC()
	priority := types.DefaultPriority
	if input.Priority != nil {
		priority = *input.Priority
	}
	rec := &record{
		ID:                 r.nextID(input.Parent),
		Title:              strings.TrimSpace(input.Title),
		Description:        input.Description,
		Notes:              input.Notes,
		AcceptanceCriteria: input.Acceptance,
		Status:             state,
		Priority:           priority,
		IssueType:          string(input.Type),
		Assignee:           input.Assignee,
		Labels:             types.NormalizeLabels(input.Labels),
		Profile:            input.ProfileID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if rec.IssueType == "" {
		rec.IssueType = string(types.TypeTask)
	}
	if rec.Profile == "" {
		rec.Profile = input.WorkflowID
	}
	r.records[rec.ID] = rec
	if err := r.flushRecords(); err != nil {
		delete(r.records, rec.ID)
		return nil, backend.Wrap("create", err)
	}
	if input.Parent != "" {
		r.edges = append(r.edges, edge{IssueID: rec.ID, DependsOnID: input.Parent, Type: types.DepParentChild, CreatedAt: now})
		if err := r.flushEdges(); err != nil {
			return nil, backend.Wrap("create", err)
		}
	}
	beat, err := r.get(rec.ID)
	return beat, backend.Wrap("create", err)
}

var idPattern = regexp.MustCompile(`^(.+)-(\d+)$`)

// nextID allocates <prefix>-<n> for top-level beats and <parent>.<n> for children.
func (r *repoStore) nextID(parent string) string {
	if parent != "" {
		max := 0
		for id := range r.records {
			if rest, ok := strings.CutPrefix(id, parent+"."); ok {
				if n, err := strconv.Atoi(rest); err == nil && n > max {
					max = n
				}
			}
		}
		return fmt.Sprintf("%s.%d", parent, max+1)
	}
	prefix := r.prefix()
	max := 0
	for id := range r.records {
		m := idPattern.FindStringSubmatch(id)
		if m == nil || m[1] != prefix {
			continue
		}
		if n, err := strconv.Atoi(m[2]); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s-%d", prefix, max+1)
}

// prefix is the configured issue-prefix, else the most common existing
// prefix, else the repository directory name.
func (r *repoStore) prefix() string {
	if r.cfg.IssuePrefix != "" {
		return r.cfg.IssuePrefix
	}
	counts := map[string]int{}
	for id := range r.records {
		if backend.DottedParent(id) != "" {
			continue
		}
		if m := idPattern.FindStringSubmatch(id); m != nil {
			counts[m[1]]++
		}
	}
	best, bestN := "", 0
	for p, n := range counts {
		if n > bestN || (n == bestN && p < best) {
			best, bestN = p, n
		}
	}
	if best != "" {
		return best
	}
	base := strings.ToLower(filepath.Base(r.root))
	base = strings.Map(func(c rune) rune {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			return c
		}
		return -1
	}, base)
	if base == "" {
		return "bd"
	}
	return base
}

func (b *Backend) Update(_ context.Context, repoPath, id string, input types.UpdateInput) (*types.Beat, error) {
	if err := input.Validate(); err != nil {
		return nil, backend.InvalidInput("%v", err).WithOp("update")
	}
	r, err := b.repo(repoPath)
	if err != nil {
		return nil, backend.Wrap("update", err)
	}
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, backend.NotFound("beat %s not found", id).WithOp("update")
	}
	next := *rec
	next.Labels = append([]string(nil), rec.Labels...)

	if input.ProfileID != nil || input.WorkflowID != nil {
		profile := rec.Profile
		if input.ProfileID != nil {
			profile = *input.ProfileID
		} else if input.WorkflowID != nil {
			profile = *input.WorkflowID
		}
		if r.workflowFor(profile) == nil {
			return nil, backend.InvalidInput("workflow %q is not recognized by this store", profile).WithOp("update")
		}
		next.Profile = profile
	}
	wf := r.workflowFor(next.Profile)
	if wf == nil {
		wf = r.workflows[0]
	}
	if input.Title != nil {
		next.Title = strings.TrimSpace(*input.Title)
	}
	if input.Description != nil {
		next.Description = *input.Description
	}
	if input.Notes != nil {
		next.Notes = *input.Notes
	}
	if input.Acceptance != nil {
		next.AcceptanceCriteria = *input.Acceptance
	}
	if input.Type != nil {
		next.IssueType = string(*input.Type)
	}
	if input.Priority != nil {
		next.Priority = *input.Priority
	}
	if input.Assignee != nil {
		next.Assignee = *input.Assignee
	}
	now := r.now().UTC()
	if input.State != nil {
		if !wf.HasState(*input.State) {
			return nil, backend.InvalidInput("state %q is not part of workflow %s", *input.State, wf.ID).WithOp("update")
		}
		next.Status = *input.State
		if wf.IsTerminal(next.Status) {
			if next.ClosedAt == nil {
				next.ClosedAt = &now
			}
		} else {
			next.ClosedAt = nil
			next.CloseReason = ""
		}
	}
	if len(input.AddLabels) > 0 || len(input.RemoveLabels) > 0 {
		next.Labels = types.ApplyLabelDelta(next.Labels, input.AddLabels, input.RemoveLabels)
	}

	edgesChanged := false
	var prevEdges []edge
	if input.Parent != nil {
		prevEdges = append([]edge(nil), r.edges...)
		changed, err := r.setParent(id, *input.Parent, now)
		if err != nil {
			return nil, backend.Wrap("update", err)
		}
		edgesChanged = changed
	}

	next.UpdatedAt = now
	r.records[id] = &next
	if err := r.flushRecords(); err != nil {
		r.records[id] = rec
		if edgesChanged {
			r.edges = prevEdges
		}
		return nil, backend.Wrap("update", err)
	}
	if edgesChanged {
		if err := r.flushEdges(); err != nil {
			return nil, backend.Wrap("update", err)
		}
	}
	beat, err := r.get(id)
	return beat, backend.Wrap("update", err)
}

// setParent replaces the child's parent-child edges with one from parent.
// Detaching a dotted id is rejected because its parent would be re-inferred.
func (r *repoStore) setParent(child, parent string, now time.Time) (bool, error) {
	if parent == child {
		return false, backend.InvalidInput("beat %s cannot be its own parent", child)
	}
	if parent != "" {
		if _, ok := r.records[parent]; !ok {
			return false, backend.NotFound("parent %s not found", parent)
		}
		if r.isAncestor(child, parent) {
			return false, backend.InvalidInput("setting parent %s on %s would create a cycle", parent, child)
		}
	} else if backend.DottedParent(child) != "" {
		if _, ok := r.records[backend.DottedParent(child)]; ok {
			return false, backend.InvalidInput("hierarchical beat %s cannot be detached from its parent", child)
		}
	}
	changed := false
	kept := r.edges[:0:0]
	has := false
	for _, e := range r.edges {
		if e.Type == types.DepParentChild && e.IssueID == child {
			if e.DependsOnID == parent {
				has = true
				kept = append(kept, e)
				continue
			}
			changed = true
			continue
		}
		kept = append(kept, e)
	}
	if parent != "" && !has {
		kept = append(kept, edge{IssueID: child, DependsOnID: parent, Type: types.DepParentChild, CreatedAt: now})
		changed = true
	}
	r.edges = kept
	return changed, nil
}

// isAncestor reports whether anc is an ancestor of id in the current view.
func (r *repoStore) isAncestor(anc, id string) bool {
	parents := make(map[string]string)
	for _, b := range r.view() {
		parents[b.ID] = b.Parent
	}
	seen := map[string]bool{}
	for cur := parents[id]; cur != "" && !seen[cur]; cur = parents[cur] {
		if cur == anc {
			return true
		}
		seen[cur] = true
	}
	return false
}

func (b *Backend) Delete(_ context.Context, repoPath, id string) error {
	r, err := b.repo(repoPath)
	if err != nil {
		return backend.Wrap("delete", err)
	}
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return backend.NotFound("beat %s not found", id).WithOp("delete")
	}
	delete(r.records, id)
	if err := r.flushRecords(); err != nil {
		r.records[id] = rec
		return backend.Wrap("delete", err)
	}
	kept := r.edges[:0:0]
	for _, e := range r.edges {
		if e.IssueID != id && e.DependsOnID != id {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(r.edges) {
		r.edges = kept
		if err := r.flushEdges(); err != nil {
			return backend.Wrap("delete", err)
		}
	}
	return nil
}

func (b *Backend) Close(_ context.Context, repoPath, id, reason string) error {
	r, err := b.repo(repoPath)
	if err != nil {
		return backend.Wrap("close", err)
	}
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return backend.NotFound("beat %s not found", id).WithOp("close")
	}
	wf := r.workflowFor(rec.Profile)
	if wf == nil {
		wf = r.workflows[0]
	}
	now := r.now().UTC()
	next := *rec
	next.Status = workflow.ClosedState(wf)
	next.ClosedAt = &now
	next.UpdatedAt = now
	next.CloseReason = reason
	r.records[id] = &next
	if err := r.flushRecords(); err != nil {
		r.records[id] = rec
		return backend.Wrap("close", err)
	}
	return nil
}

func (b *Backend) ListDependencies(_ context.Context, repoPath, id string, opts backend.DependencyOptions) ([]types.Dependency, error) {
	r, err := b.repo(repoPath)
	if err != nil {
		return nil, backend.Wrap("listDependencies", err)
	}
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return nil, backend.NotFound("beat %s not found", id).WithOp("listDependencies")
	}
	out := []types.Dependency{}
	for _, e := range r.edges {
		d := e.dependency()
		if d.Source != id && d.Target != id {
			continue
		}
		if opts.Type != "" && d.Type != opts.Type {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out, nil
}

func (b *Backend) AddDependency(_ context.Context, repoPath, blocker, blocked string, opts backend.DependencyOptions) error {
	typ := opts.Type.OrDefault()
	if !typ.IsValid() {
		return backend.InvalidInput("unknown dependency type %q", typ).WithOp("addDependency")
	}
	if blocker == blocked {
		return backend.InvalidInput("beat %s cannot depend on itself", blocker).WithOp("addDependency")
	}
	r, err := b.repo(repoPath)
	if err != nil {
		return backend.Wrap("addDependency", err)
	}
	defer r.mu.Unlock()
	for _, id := range []string{blocker, blocked} {
		if _, ok := r.records[id]; !ok {
			return backend.NotFound("beat %s not found", id).WithOp("addDependency")
		}
	}
	for _, e := range r.edges {
		if e.IssueID == blocked && e.DependsOnID == blocker && e.Type.OrDefault() == typ {
			return backend.AlreadyExists("%s dependency %s -> %s already exists", typ, blocker, blocked).WithOp("addDependency")
		}
	}
	switch typ {
	case types.DepBlocks:
		if r.blocksPath(blocked, blocker) {
			return backend.InvalidInput("dependency %s -> %s would create a cycle", blocker, blocked).WithOp("addDependency")
		}
	case types.DepParentChild:
		for _, e := range r.edges {
			if e.Type == types.DepParentChild && e.IssueID == blocked {
				return backend.InvalidInput("beat %s already has parent %s", blocked, e.DependsOnID).WithOp("addDependency")
			}
		}
		if r.isAncestor(blocked, blocker) {
			return backend.InvalidInput("parent %s -> %s would create a cycle", blocker, blocked).WithOp("addDependency")
		}
	}
	r.edges = append(r.edges, edge{IssueID: blocked, DependsOnID: blocker, Type: typ, CreatedAt: r.now().UTC()})
	if err := r.flushEdges(); err != nil {
		r.edges = r.edges[:len(r.edges)-1]
		return backend.Wrap("addDependency", err)
	}
	return nil
}

// blocksPath reports whether from transitively blocks to.
func (r *repoStore) blocksPath(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, e := range r.edges {
			if e.Type.OrDefault() == types.DepBlocks && e.DependsOnID == cur {
				stack = append(stack, e.IssueID)
			}
		}
	}
	return false
}

func (b *Backend) RemoveDependency(_ context.Context, repoPath, blocker, blocked string, opts backend.DependencyOptions) error {
	typ := opts.Type.OrDefault()
	r, err := b.repo(repoPath)
	if err != nil {
		return backend.Wrap("removeDependency", err)
	}
	defer r.mu.Unlock()
	idx := -1
	for i, e := range r.edges {
		if e.IssueID == blocked && e.DependsOnID == blocker && e.Type.OrDefault() == typ {
			idx = i
			break
		}
	}
	if idx < 0 {
		return backend.NotFound("%s dependency %s -> %s not found", typ, blocker, blocked).WithOp("removeDependency")
	}
	prev := r.edges
	r.edges = append(append([]edge(nil), r.edges[:idx]...), r.edges[idx+1:]...)
	if err := r.flushEdges(); err != nil {
		r.edges = prev
		return backend.Wrap("removeDependency", err)
	}
	return nil
}

func (b *Backend) BuildTakePrompt(ctx context.Context, repoPath, id string, opts backend.TakePromptOptions) (string, error) {
	out, err := backend.DefaultTakePrompt(ctx, b, repoPath, id, opts)
	return out, backend.Wrap("buildTakePrompt", err)
}

func (b *Backend) BuildPollPrompt(ctx context.Context, repoPath string, opts backend.PollPromptOptions) (string, error) {
	out, err := backend.DefaultPollPrompt(ctx, b, repoPath, opts)
	return out, backend.Wrap("buildPollPrompt", err)
}

// RepoDir is where this backend keeps a repository's files.
func RepoDir(repoPath string) string {
	return filepath.Join(repoPath, dirName)
}

// Exists reports whether repoPath carries the .beads marker directory.
func Exists(repoPath string) bool {
	fi, err := os.Stat(RepoDir(repoPath))
	return err == nil && fi.IsDir()
}
