// Package bdcli is the CLI-backed backend. Every call shells out to the bd
// tracker binary with --json and converts its output and string errors into
// the backend taxonomy. The adapter keeps no state between calls.
package bdcli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/workflow"
)

// DefaultBinary is the tracker executable looked up on PATH.
const DefaultBinary = "bd"

// Options configures the CLI adapter.
type Options struct {
	Binary         string
	Runner         backend.CommandRunner
	MaxConcurrency int
	Logger         *slog.Logger
}

// Backend delegates to the bd binary.
type Backend struct {
	bin    string
	run    backend.CommandRunner
	maxCon int
	logger *slog.Logger
	wf     *types.WorkflowDescriptor
}

var _ backend.Backend = (*Backend)(nil)

// New creates a CLI-backed backend.
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
		bin:    opts.Binary,
		run:    opts.Runner,
		maxCon: opts.MaxConcurrency,
		logger: opts.Logger,
		wf:     workflow.BeadsCoarse(),
	}
}

func (b *Backend) Capabilities() backend.Capabilities {
	caps := backend.FullCapabilities(b.maxCon)
	caps.CanSync = true
	return caps
}

// exec runs bd in repoPath and classifies any failure for op.
func (b *Backend) exec(ctx context.Context, op, repoPath string, args ...string) ([]byte, error) {
	out, err := b.run.Run(ctx, repoPath, b.bin, args...)
	if err == nil {
		return out, nil
	}
	var cmdErr *backend.CommandError
	if errors.As(err, &cmdErr) {
		return nil, backend.FromMessage(op, errorText(cmdErr.Stderr))
	}
	return nil, backend.Wrap(op, err)
}

// errorText pulls the message out of a {"error": "..."} payload when bd
// reports failures as JSON, and strips the "Error:" prefix otherwise.
func errorText(raw string) string {
	raw = strings.TrimSpace(raw)
	var payload struct {
		Error string `json:"error"`
	}
	if strings.HasPrefix(raw, "{") && json.Unmarshal([]byte(raw), &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(strings.TrimPrefix(raw, "Error:"))
}

// bdIssue is the JSON shape bd prints for list, show and create.
type bdIssue struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Notes              string     `json:"notes"`
	AcceptanceCriteria string     `json:"acceptance_criteria"`
	Status             string     `json:"status"`
	Priority           int        `json:"priority"`
	IssueType          string     `json:"issue_type"`
	Assignee           string     `json:"assignee"`
	Labels             []string   `json:"labels"`
	Parent             string     `json:"parent"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ClosedAt           *time.Time `json:"closed_at"`
	CloseReason        string     `json:"close_reason"`
	Dependencies       []bdRef    `json:"dependencies"`
	Dependents         []bdRef    `json:"dependents"`
}

// bdRef covers both edge shapes bd emits: export records
// (issue_id/depends_on_id/type) and show details (id/dependency_type).
type bdRef struct {
	ID             string `json:"id"`
	IssueID        string `json:"issue_id"`
	DependsOnID    string `json:"depends_on_id"`
	Type           string `json:"type"`
	DependencyType string `json:"dependency_type"`
}

func (r bdRef) kind() types.DependencyType {
	t := r.DependencyType
	if t == "" {
		t = r.Type
	}
	return types.DependencyType(t).OrDefault()
}

// edges returns the blocks and parent-child edges bd reported for issue.
// Other relationship kinds (related, discovered-from) are not modelled.
func (i *bdIssue) edges() []types.Dependency {
	var out []types.Dependency
	for _, r := range i.Dependencies {
		k := r.kind()
		if !k.IsValid() {
			continue
		}
		src := r.ID
		if src == "" {
			src = r.DependsOnID
		}
		if src == "" || src == i.ID {
			continue
		}
		out = append(out, types.Dependency{Source: src, Target: i.ID, Type: k})
	}
	for _, r := range i.Dependents {
		k := r.kind()
		if !k.IsValid() {
			continue
		}
		tgt := r.ID
		if tgt == "" {
			tgt = r.IssueID
		}
		if tgt == "" || tgt == i.ID {
			continue
		}
		out = append(out, types.Dependency{Source: i.ID, Target: tgt, Type: k})
	}
	return out
}

func (b *Backend) toBeat(i *bdIssue) *types.Beat {
	beat := &types.Beat{
		ID:          i.ID,
		Title:       i.Title,
		Description: i.Description,
		Notes:       i.Notes,
		Acceptance:  i.AcceptanceCriteria,
		Type:        types.BeatType(i.IssueType),
		Priority:    i.Priority,
		State:       i.Status,
		WorkflowID:  b.wf.ID,
		Assignee:    i.Assignee,
		Labels:      types.NormalizeLabels(i.Labels),
		Parent:      i.Parent,
		CreatedAt:   i.CreatedAt,
		UpdatedAt:   i.UpdatedAt,
		ClosedAt:    i.ClosedAt,
		Metadata:    map[string]any{"source": "bd"},
	}
	if beat.State == "" {
		beat.State = b.wf.InitialState
	}
	if i.CloseReason != "" {
		beat.Metadata["close_reason"] = i.CloseReason
	}
	return beat
}

// beats converts a batch, resolving parents from explicit parent-child
// edges or the dotted-id convention within the batch.
func (b *Backend) beats(issues []*bdIssue) []*types.Beat {
	out := make([]*types.Beat, 0, len(issues))
	explicit := make(map[string]string)
	for _, i := range issues {
		out = append(out, b.toBeat(i))
		if i.Parent != "" {
			explicit[i.ID] = i.Parent
		}
		for _, d := range i.edges() {
			if d.Type == types.DepParentChild && d.Target == i.ID {
				explicit[i.ID] = d.Source
			}
		}
	}
	inBatch := make(map[string]bool, len(out))
	for _, beat := range out {
		inBatch[beat.ID] = true
	}
	backend.ResolveParents(out, explicit)
	for _, beat := range out {
		// bd reported the edge, so a parent outside this batch still exists.
		if p := explicit[beat.ID]; beat.Parent == "" && p != "" && !inBatch[p] {
			beat.Parent = p
		}
		workflow.Derive(b.wf, beat)
	}
	return out
}

// decodeIssues accepts a JSON array, a single object, or an empty body.
func decodeIssues(op string, out []byte) ([]*bdIssue, error) {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var one bdIssue
		if err := json.Unmarshal([]byte(trimmed), &one); err != nil {
			return nil, backend.Internal("decode bd output: %v", err).WithOp(op)
		}
		return []*bdIssue{&one}, nil
	}
	var many []*bdIssue
	if err := json.Unmarshal([]byte(trimmed), &many); err != nil {
		return nil, backend.Internal("decode bd output: %v", err).WithOp(op)
	}
	return many, nil
}

func (b *Backend) ListWorkflows(context.Context, string) ([]*types.WorkflowDescriptor, error) {
	return []*types.WorkflowDescriptor{workflow.BeadsCoarse()}, nil
}

// listArgs maps the filter fields bd understands natively; the rest are
// applied client-side.
func listArgs(filter types.Filter) []string {
	args := []string{"list", "--json", "--limit", "0"}
	switch filter.State {
	case "":
		if filter.IncludeClosed {
			args = append(args, "--all")
		}
	case workflow.CoarseOpen, workflow.CoarseInProgress, workflow.CoarseBlocked, workflow.CoarseClosed, "deferred":
		args = append(args, "--status", filter.State)
	default:
		args = append(args, "--all")
	}
	if filter.Parent != "" {
		args = append(args, "--parent", filter.Parent)
	}
	if filter.Type != "" {
		args = append(args, "--type", string(filter.Type))
	}
	if filter.Assignee != "" {
		args = append(args, "--assignee", filter.Assignee)
	}
	if filter.Label != "" {
		args = append(args, "--label", filter.Label)
	}
	return args
}

func (b *Backend) filtered(beats []*types.Beat, filter types.Filter) []*types.Beat {
	out := make([]*types.Beat, 0, len(beats))
	for _, beat := range beats {
		if filter.Parent != "" && beat.Parent == "" {
			// bd already scoped the listing to this parent.
			beat.Parent = filter.Parent
		}
		if backend.MatchesFilter(beat, b.wf, filter) {
			out = append(out, beat)
		}
	}
	backend.SortBeats(out)
	return backend.Limit(out, filter.Limit)
}

func (b *Backend) List(ctx context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error) {
	out, err := b.exec(ctx, "list", repoPath, listArgs(filter)...)
	if err != nil {
		return nil, err
	}
	issues, err := decodeIssues("list", out)
	if err != nil {
		return nil, err
	}
	return b.filtered(b.beats(issues), filter), nil
}

func (b *Backend) ListReady(ctx context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	out, err := b.exec(ctx, "listReady", repoPath, "ready", "--json", "--limit", strconv.Itoa(limit))
	if err != nil {
		return nil, err
	}
	issues, err := decodeIssues("listReady", out)
	if err != nil {
		return nil, err
	}
	return b.filtered(b.beats(issues), filter), nil
}

func (b *Backend) Search(ctx context.Context, repoPath, query string, filter types.Filter) ([]*types.Beat, error) {
	args := []string{"search", query, "--json"}
	switch filter.State {
	case workflow.CoarseOpen, workflow.CoarseInProgress, workflow.CoarseBlocked, workflow.CoarseClosed:
		args = append(args, "--status", filter.State)
	}
	out, err := b.exec(ctx, "search", repoPath, args...)
	if err != nil {
		return nil, err
	}
	issues, err := decodeIssues("search", out)
	if err != nil {
		return nil, err
	}
	return b.filtered(b.beats(issues), filter), nil
}

func (b *Backend) Query(ctx context.Context, repoPath, expr string, opts types.QueryOptions) ([]*types.Beat, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, backend.InvalidInput("query expression is required").WithOp("query")
	}
	args := []string{"query", expr, "--json", "--limit", strconv.Itoa(opts.Limit)}
	if opts.IncludeClosed {
		args = append(args, "--all")
	}
	out, err := b.exec(ctx, "query", repoPath, args...)
	if err != nil {
		return nil, err
	}
	issues, err := decodeIssues("query", out)
	if err != nil {
		return nil, err
	}
	return b.beats(issues), nil
}

func (b *Backend) show(ctx context.Context, op, repoPath, id string) (*bdIssue, error) {
	out, err := b.exec(ctx, op, repoPath, "show", id, "--json")
	if err != nil {
		return nil, err
	}
	issues, err := decodeIssues(op, out)
	if err != nil {
		return nil, err
	}
	for _, i := range issues {
		if i.ID == id {
			return i, nil
		}
	}
	return nil, backend.NotFound("beat %s not found", id).WithOp(op)
}

func (b *Backend) Get(ctx context.Context, repoPath, id string) (*types.Beat, error) {
	issue, err := b.show(ctx, "get", repoPath, id)
	if err != nil {
		return nil, err
	}
	return b.beats([]*bdIssue{issue})[0], nil
}

func (b *Backend) checkProfile(op, profile string) error {
	if profile != "" && profile != b.wf.ID {
		return backend.InvalidInput("bd only supports the %s workflow, not %q", b.wf.ID, profile).WithOp(op)
	}
	return nil
}

func (b *Backend) Create(ctx context.Context, repoPath string, input types.CreateInput) (*types.Beat, error) {
	if err := input.Validate(); err != nil {
		return nil, backend.InvalidInput("%v", err).WithOp("create")
	}
	if err := b.checkProfile("create", input.ProfileID); err != nil {
		return nil, err
	}
	if err := b.checkProfile("create", input.WorkflowID); err != nil {
		return nil, err
	}
	if input.State != "" && !b.wf.HasState(input.State) {
		return nil, backend.InvalidInput("state %q is not a bd status", input.State).WithOp("create")
	}
	args := []string{"create", strings.TrimSpace(input.Title), "--json"}
	if input.Type != "" {
		args = append(args, "-t", string(input.Type))
	}
	if input.Priority != nil {
		args = append(args, "-p", strconv.Itoa(*input.Priority))
	}
	if input.Description != "" {
		args = append(args, "-d", input.Description)
	}
	if input.Acceptance != "" {
		args = append(args, "--acceptance", input.Acceptance)
	}
	if input.Notes != "" {
		args = append(args, "--notes", input.Notes)
	}
	if input.Assignee != "" {
		args = append(args, "--assignee", input.Assignee)
	}
	if labels := types.NormalizeLabels(input.Labels); len(labels) > 0 {
		args = append(args, "--labels", strings.Join(labels, ","))
	}
	if input.Parent != "" {
		args = append(args, "--parent", input.Parent)
	}
	out, err := b.exec(ctx, "create", repoPath, args...)
	if err != nil {
		return nil, err
	}
	issues, err := decodeIssues("create", out)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, backend.Internal("bd create printed no issue").WithOp("create")
	}
	created := issues[0]
	if input.State != "" && input.State != created.Status {
		return b.Update(ctx, repoPath, created.ID, types.UpdateInput{State: &input.State})
	}
	beat := b.beats([]*bdIssue{created})[0]
	if beat.Parent == "" {
		beat.Parent = input.Parent
	}
	return beat, nil
}

func (b *Backend) Update(ctx context.Context, repoPath, id string, input types.UpdateInput) (*types.Beat, error) {
	if err := input.Validate(); err != nil {
		return nil, backend.InvalidInput("%v", err).WithOp("update")
	}
	if input.ProfileID != nil {
		if err := b.checkProfile("update", *input.ProfileID); err != nil {
			return nil, err
		}
	}
	if input.WorkflowID != nil {
		if err := b.checkProfile("update", *input.WorkflowID); err != nil {
			return nil, err
		}
	}
	args := []string{"update", id, "--json"}
	if input.State != nil {
		if !b.wf.HasState(*input.State) {
			return nil, backend.InvalidInput("state %q is not a bd status", *input.State).WithOp("update")
		}
		args = append(args, "--status", *input.State)
	}
	if input.Title != nil {
		args = append(args, "--title", strings.TrimSpace(*input.Title))
	}
	if input.Description != nil {
		args = append(args, "--description", *input.Description)
	}
	if input.Notes != nil {
		args = append(args, "--notes", *input.Notes)
	}
	if input.Acceptance != nil {
		args = append(args, "--acceptance", *input.Acceptance)
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
	for _, l := range types.NormalizeLabels(input.AddLabels) {
		args = append(args, "--add-label", l)
	}
	for _, l := range types.NormalizeLabels(input.RemoveLabels) {
		args = append(args, "--remove-label", l)
	}
	if input.Parent != nil {
		args = append(args, "--parent", *input.Parent)
	}
	if len(args) > 3 {
		if _, err := b.exec(ctx, "update", repoPath, args...); err != nil {
			return nil, err
		}
	}
	return b.Get(ctx, repoPath, id)
}

func (b *Backend) Delete(ctx context.Context, repoPath, id string) error {
	_, err := b.exec(ctx, "delete", repoPath, "delete", id, "--force", "--json")
	return err
}

func (b *Backend) Close(ctx context.Context, repoPath, id, reason string) error {
	args := []string{"close", id, "--json"}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	_, err := b.exec(ctx, "close", repoPath, args...)
	return err
}

func (b *Backend) ListDependencies(ctx context.Context, repoPath, id string, opts backend.DependencyOptions) ([]types.Dependency, error) {
	issue, err := b.show(ctx, "listDependencies", repoPath, id)
	if err != nil {
		return nil, err
	}
	out := []types.Dependency{}
	for _, d := range issue.edges() {
		if opts.Type == "" || d.Type == opts.Type {
			out = append(out, d)
		}
	}
	return out, nil
}

func hasEdge(deps []types.Dependency, blocker, blocked string, typ types.DependencyType) bool {
	for _, d := range deps {
		if d.Source == blocker && d.Target == blocked && d.Type == typ {
			return true
		}
	}
	return false
}

// AddDependency checks for an existing same-kind edge first so duplicates
// surface as ALREADY_EXISTS regardless of how bd treats them.
func (b *Backend) AddDependency(ctx context.Context, repoPath, blocker, blocked string, opts backend.DependencyOptions) error {
	typ := opts.Type.OrDefault()
	if !typ.IsValid() {
		return backend.InvalidInput("unknown dependency type %q", typ).WithOp("addDependency")
	}
	deps, err := b.ListDependencies(ctx, repoPath, blocked, backend.DependencyOptions{Type: typ})
	if err != nil {
		return backend.Wrap("addDependency", err)
	}
	if hasEdge(deps, blocker, blocked, typ) {
		return backend.AlreadyExists("%s dependency %s -> %s already exists", typ, blocker, blocked).WithOp("addDependency")
	}
	_, err = b.exec(ctx, "addDependency", repoPath, "dep", "add", blocked, blocker, "--type", string(typ))
	return err
}

func (b *Backend) RemoveDependency(ctx context.Context, repoPath, blocker, blocked string, opts backend.DependencyOptions) error {
	typ := opts.Type.OrDefault()
	deps, err := b.ListDependencies(ctx, repoPath, blocked, backend.DependencyOptions{Type: typ})
	if err != nil {
		return backend.Wrap("removeDependency", err)
	}
	if !hasEdge(deps, blocker, blocked, typ) {
		return backend.NotFound("%s dependency %s -> %s not found", typ, blocker, blocked).WithOp("removeDependency")
	}
	_, err = b.exec(ctx, "removeDependency", repoPath, "dep", "remove", blocked, blocker)
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
