// Package stub is the read-only, always-empty backend used when no
// compatible store is detected.
package stub

import (
	"context"

	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/workflow"
)

// Backend serves empty reads and refuses every write.
type Backend struct{}

var _ backend.Backend = (*Backend)(nil)

// New returns a stub backend.
func New() *Backend { return &Backend{} }

func (*Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{MaxConcurrency: 1}
}

func (*Backend) ListWorkflows(context.Context, string) ([]*types.WorkflowDescriptor, error) {
	return []*types.WorkflowDescriptor{workflow.BeadsCoarse()}, nil
}

func (*Backend) List(context.Context, string, types.Filter) ([]*types.Beat, error) {
	return []*types.Beat{}, nil
}

func (*Backend) ListReady(context.Context, string, types.Filter) ([]*types.Beat, error) {
	return []*types.Beat{}, nil
}

func (*Backend) Search(context.Context, string, string, types.Filter) ([]*types.Beat, error) {
	return []*types.Beat{}, nil
}

func (*Backend) Query(context.Context, string, string, types.QueryOptions) ([]*types.Beat, error) {
	return []*types.Beat{}, nil
}

func (*Backend) Get(_ context.Context, _ string, id string) (*types.Beat, error) {
	return nil, backend.NotFound("beat %s not found (no store configured)", id).WithOp("get")
}

func (*Backend) Create(context.Context, string, types.CreateInput) (*types.Beat, error) {
	return nil, unavailable("create")
}

func (*Backend) Update(context.Context, string, string, types.UpdateInput) (*types.Beat, error) {
	return nil, unavailable("update")
}

func (*Backend) Delete(context.Context, string, string) error {
	return unavailable("delete")
}

func (*Backend) Close(context.Context, string, string, string) error {
	return unavailable("close")
}

func (*Backend) ListDependencies(context.Context, string, string, backend.DependencyOptions) ([]types.Dependency, error) {
	return []types.Dependency{}, nil
}

func (*Backend) AddDependency(context.Context, string, string, string, backend.DependencyOptions) error {
	return unavailable("addDependency")
}

func (*Backend) RemoveDependency(context.Context, string, string, string, backend.DependencyOptions) error {
	return unavailable("removeDependency")
}

func (*Backend) BuildTakePrompt(context.Context, string, string, backend.TakePromptOptions) (string, error) {
	return "", unavailable("buildTakePrompt")
}

func (*Backend) BuildPollPrompt(_ context.Context, repoPath string, opts backend.PollPromptOptions) (string, error) {
	return backend.RenderPollPrompt(repoPath, nil, opts.Instructions)
}

func unavailable(op string) error {
	// Retrying cannot help until a store is initialized.
	return backend.Unavailable("no work-item store detected for this repository").WithRetryable(false).WithOp(op)
}
