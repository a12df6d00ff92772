// Package router picks a concrete backend per repository path.
//
// Resolution checks marker directories once per cleaned absolute path and
// caches the result; concurrent first use of a path shares a single detection.
// Concrete backends are created once per type and reused across repos.
package router

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/backend/bdcli"
	"github.com/beatline/conductor/internal/backend/jsonl"
	"github.com/beatline/conductor/internal/backend/knots"
	"github.com/beatline/conductor/internal/backend/stub"
	"github.com/beatline/conductor/internal/types"
)

// Factory builds the concrete backend for a type.
type Factory func(Type) (backend.Backend, error)

// Options configures a Router.
type Options struct {
	// Default forces one type for every repo; empty or auto detects markers.
	Default Type
	// Fallback serves calls made without a repo path.
	Fallback Type

	BDBinary       string
	KnotsBinary    string
	MaxConcurrency int
	RatePerSecond  float64
	Logger         *slog.Logger

	// Factory overrides backend construction; LookPath overrides the
	// PATH lookup for the bd binary.
	Factory  Factory
	LookPath func(string) (string, error)
}

// Resolution is the routing decision for one repo path.
type Resolution struct {
	Path         string               `json:"path"`
	Type         Type                 `json:"type"`
	Capabilities backend.Capabilities `json:"capabilities"`
}

// Router is a Backend that delegates to the backend resolved for each call.
type Router struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	cache     map[string]Resolution
	instances map[Type]backend.Backend

	group      singleflight.Group
	detections atomic.Int64
}

var _ backend.Backend = (*Router)(nil)

// New creates a router.
func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fallback == "" || opts.Fallback == TypeAuto {
		opts.Fallback = TypeStub
	}
	if opts.Default == "" {
		opts.Default = TypeAuto
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	r := &Router{
		opts:      opts,
		logger:    opts.Logger,
		cache:     make(map[string]Resolution),
		instances: make(map[Type]backend.Backend),
	}
	if r.opts.Factory == nil {
		r.opts.Factory = r.build
	}
	return r
}

func (r *Router) build(t Type) (backend.Backend, error) {
	runner := backend.NewExecRunner(r.opts.MaxConcurrency, r.opts.RatePerSecond, r.logger)
	switch t {
	case TypeCLI:
		return bdcli.New(bdcli.Options{Binary: r.opts.BDBinary, Runner: runner, MaxConcurrency: r.opts.MaxConcurrency, Logger: r.logger}), nil
	case TypeKnots:
		return knots.New(knots.Options{Binary: r.opts.KnotsBinary, Runner: runner, MaxConcurrency: r.opts.MaxConcurrency, Logger: r.logger}), nil
	case TypeJSONL:
		return jsonl.New(jsonl.Options{Watch: true, Logger: r.logger}), nil
	case TypeStub:
		return stub.New(), nil
	}
	return nil, backend.InvalidInput("unknown backend type %q", t)
}

// instance returns the shared backend for t, creating it on first use.
func (r *Router) instance(t Type) (backend.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.instances[t]; ok {
		return b, nil
	}
	b, err := r.opts.Factory(t)
	if err != nil {
		return nil, err
	}
	r.instances[t] = b
	return b, nil
}

func (r *Router) haveBD() bool {
	bin := r.opts.BDBinary
	if bin == "" {
		bin = bdcli.DefaultBinary
	}
	_, err := r.opts.LookPath(bin)
	return err == nil
}

func cleanPath(repoPath string) (string, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return "", backend.InvalidInput("resolve repo path %q: %v", repoPath, err)
	}
	return filepath.Clean(abs), nil
}

// Resolve returns the routing decision for repoPath, probing markers on
// first use. An empty repoPath resolves to the fallback type.
func (r *Router) Resolve(repoPath string) (Resolution, error) {
	if repoPath == "" {
		b, err := r.instance(r.opts.Fallback)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Type: r.opts.Fallback, Capabilities: b.Capabilities()}, nil
	}
	path, err := cleanPath(repoPath)
	if err != nil {
		return Resolution{}, err
	}
	r.mu.Lock()
	res, ok := r.cache[path]
	r.mu.Unlock()
	if ok {
		return res, nil
	}

	v, err, _ := r.group.Do(path, func() (any, error) {
		r.mu.Lock()
		if res, ok := r.cache[path]; ok {
			r.mu.Unlock()
			return res, nil
		}
		r.mu.Unlock()

		t := r.opts.Default
		if t == TypeAuto {
			r.detections.Add(1)
			t = detect(path, r.haveBD)
		}
		b, err := r.instance(t)
		if err != nil {
			return Resolution{}, err
		}
		res := Resolution{Path: path, Type: t, Capabilities: b.Capabilities()}
		r.logger.Debug("resolved backend", "repo", path, "type", t)

		r.mu.Lock()
		r.cache[path] = res
		r.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return v.(Resolution), nil
}

// ClearRepoCache forgets the decision for repoPath, or every decision when
// repoPath is empty. The next call for a cleared path detects again.
func (r *Router) ClearRepoCache(repoPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if repoPath == "" {
		r.cache = make(map[string]Resolution)
		return
	}
	if path, err := cleanPath(repoPath); err == nil {
		delete(r.cache, path)
	}
}

// DetectionCount is the number of marker detections performed so far.
func (r *Router) DetectionCount() int64 {
	return r.detections.Load()
}

// For returns the concrete backend serving repoPath.
func (r *Router) For(repoPath string) (backend.Backend, error) {
	res, err := r.Resolve(repoPath)
	if err != nil {
		return nil, err
	}
	return r.instance(res.Type)
}

// Shutdown stops background work in any backend that has some.
func (r *Router) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.instances {
		if s, ok := b.(interface{ Shutdown() error }); ok {
			if err := s.Shutdown(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Capabilities reports the fallback backend's capabilities; per-repo
// capabilities come from Resolve.
func (r *Router) Capabilities() backend.Capabilities {
	res, err := r.Resolve("")
	if err != nil {
		return backend.Capabilities{}
	}
	return res.Capabilities
}

// CapabilitiesFor reports the capabilities of the backend serving repoPath.
// A path that cannot be resolved offers nothing.
func (r *Router) CapabilitiesFor(repoPath string) backend.Capabilities {
	res, err := r.Resolve(repoPath)
	if err != nil {
		r.logger.Debug("resolve capabilities", "repo", repoPath, "error", err)
		return backend.Capabilities{}
	}
	return res.Capabilities
}

func (r *Router) ListWorkflows(ctx context.Context, repoPath string) ([]*types.WorkflowDescriptor, error) {
	b, err := r.For(repoPath)
	if err != nil {
		return nil, backend.Wrap("listWorkflows", err)
	}
	return b.ListWorkflows(ctx, repoPath)
}

func (r *Router) List(ctx context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error) {
	b, err := r.For(repoPath)
	if err != nil {
		return nil, backend.Wrap("list", err)
	}
	return b.List(ctx, repoPath, filter)
}

func (r *Router) ListReady(ctx context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error) {
	b, err := r.For(repoPath)
	if err != nil {
		return nil, backend.Wrap("listReady", err)
	}
	if err := backend.Require(b, "listReady", backend.CapListReady); err != nil {
		return nil, err
	}
	return b.ListReady(ctx, repoPath, filter)
}

func (r *Router) Search(ctx context.Context, repoPath, query string, filter types.Filter) ([]*types.Beat, error) {
	b, err := r.For(repoPath)
	if err != nil {
		return nil, backend.Wrap("search", err)
	}
	return b.Search(ctx, repoPath, query, filter)
}

func (r *Router) Query(ctx context.Context, repoPath, expr string, opts types.QueryOptions) ([]*types.Beat, error) {
	b, err := r.For(repoPath)
	if err != nil {
		return nil, backend.Wrap("query", err)
	}
	return b.Query(ctx, repoPath, expr, opts)
}

func (r *Router) Get(ctx context.Context, repoPath, id string) (*types.Beat, error) {
	b, err := r.For(repoPath)
	if err != nil {
		return nil, backend.Wrap("get", err)
	}
	return b.Get(ctx, repoPath, id)
}

func (r *Router) Create(ctx context.Context, repoPath string, input types.CreateInput) (*types.Beat, error) {
	b, err := r.For(repoPath)
	if err != nil {
		return nil, backend.Wrap("create", err)
	}
	return b.Create(ctx, repoPath, input)
}

func (r *Router) Update(ctx context.Context, repoPath, id string, input types.UpdateInput) (*types.Beat, error) {
	b, err := r.For(repoPath)
	if err != nil {
		return nil, backend.Wrap("update", err)
	}
	return b.Update(ctx, repoPath, id, input)
}

func (r *Router) Delete(ctx context.Context, repoPath, id string) error {
	b, err := r.For(repoPath)
	if err != nil {
		return backend.Wrap("delete", err)
	}
	if err := backend.Require(b, "delete", backend.CapDelete); err != nil {
		return err
	}
	return b.Delete(ctx, repoPath, id)
}

func (r *Router) Close(ctx context.Context, repoPath, id, reason string) error {
	b, err := r.For(repoPath)
	if err != nil {
		return backend.Wrap("close", err)
	}
	return b.Close(ctx, repoPath, id, reason)
}

func (r *Router) ListDependencies(ctx context.Context, repoPath, id string, opts backend.DependencyOptions) ([]types.Dependency, error) {
	b, err := r.For(repoPath)
	if err != nil {
		return nil, backend.Wrap("listDependencies", err)
	}
	return b.ListDependencies(ctx, repoPath, id, opts)
}

func (r *Router) AddDependency(ctx context.Context, repoPath, blocker, blocked string, opts backend.DependencyOptions) error {
	b, err := r.For(repoPath)
	if err != nil {
		return backend.Wrap("addDependency", err)
	}
	return b.AddDependency(ctx, repoPath, blocker, blocked, opts)
}

func (r *Router) RemoveDependency(ctx context.Context, repoPath, blocker, blocked string, opts backend.DependencyOptions) error {
	b, err := r.For(repoPath)
	if err != nil {
		return backend.Wrap("removeDependency", err)
	}
	return b.RemoveDependency(ctx, repoPath, blocker, blocked, opts)
}

func (r *Router) BuildTakePrompt(ctx context.Context, repoPath, id string, opts backend.TakePromptOptions) (string, error) {
	b, err := r.For(repoPath)
	if err != nil {
		return "", backend.Wrap("buildTakePrompt", err)
	}
	return b.BuildTakePrompt(ctx, repoPath, id, opts)
}

func (r *Router) BuildPollPrompt(ctx context.Context, repoPath string, opts backend.PollPromptOptions) (string, error) {
	b, err := r.For(repoPath)
	if err != nil {
		return "", backend.Wrap("buildPollPrompt", err)
	}
	return b.BuildPollPrompt(ctx, repoPath, opts)
}
