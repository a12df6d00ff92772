// Package backend defines the contract every work-item store implements.
//
// A Backend is a flat struct behind one interface. Callers feature-detect
// with Capabilities before issuing an operation the active store cannot
// satisfy; any failure leaving an adapter is a *Error carrying a taxonomy Code.
package backend

import (
	"context"

	"github.com/beatline/conductor/internal/types"
)

// Backend is the port every work-item store implements.
// Every method takes the repository path the call is scoped to; stateless
// adapters use it as the working directory, stateful ones as a cache key.
type Backend interface {
	Capabilities() Capabilities

	// Workflows
	ListWorkflows(ctx context.Context, repoPath string) ([]*types.WorkflowDescriptor, error)

	// Reads
	List(ctx context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error)
	ListReady(ctx context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error)
	Search(ctx context.Context, repoPath, query string, filter types.Filter) ([]*types.Beat, error)
	Query(ctx context.Context, repoPath, expr string, opts types.QueryOptions) ([]*types.Beat, error)
	Get(ctx context.Context, repoPath, id string) (*types.Beat, error)

	// Writes
	Create(ctx context.Context, repoPath string, input types.CreateInput) (*types.Beat, error)
	Update(ctx context.Context, repoPath, id string, input types.UpdateInput) (*types.Beat, error)
	Delete(ctx context.Context, repoPath, id string) error
	Close(ctx context.Context, repoPath, id, reason string) error

	// Dependencies
	ListDependencies(ctx context.Context, repoPath, id string, opts DependencyOptions) ([]types.Dependency, error)
	AddDependency(ctx context.Context, repoPath, blocker, blocked string, opts DependencyOptions) error
	RemoveDependency(ctx context.Context, repoPath, blocker, blocked string, opts DependencyOptions) error

	// Prompts
	BuildTakePrompt(ctx context.Context, repoPath, id string, opts TakePromptOptions) (string, error)
	BuildPollPrompt(ctx context.Context, repoPath string, opts PollPromptOptions) (string, error)
}

// DependencyOptions narrows dependency operations to one edge type.
// An empty Type means blocks for writes and any type for listing.
type DependencyOptions struct {
	Type types.DependencyType `json:"type,omitempty"`
}

// Capabilities lets callers feature-detect a backend.
type Capabilities struct {
	CanCreate             bool `json:"canCreate"`
	CanUpdate             bool `json:"canUpdate"`
	CanDelete             bool `json:"canDelete"`
	CanClose              bool `json:"canClose"`
	CanSearch             bool `json:"canSearch"`
	CanQuery              bool `json:"canQuery"`
	CanListReady          bool `json:"canListReady"`
	CanManageDependencies bool `json:"canManageDependencies"`
	CanManageLabels       bool `json:"canManageLabels"`
	CanSync               bool `json:"canSync"`
	MaxConcurrency        int  `json:"maxConcurrency"`
}

// Capability names one Capabilities flag.
type Capability string

const (
	CapCreate             Capability = "create"
	CapUpdate             Capability = "update"
	CapDelete             Capability = "delete"
	CapClose              Capability = "close"
	CapSearch             Capability = "search"
	CapQuery              Capability = "query"
	CapListReady          Capability = "listReady"
	CapManageDependencies Capability = "manageDependencies"
	CapManageLabels       Capability = "manageLabels"
	CapSync               Capability = "sync"
)

// Has reports whether the named capability is present.
func (c Capabilities) Has(cap Capability) bool {
	switch cap {
	case CapCreate:
		return c.CanCreate
	case CapUpdate:
		return c.CanUpdate
	case CapDelete:
		return c.CanDelete
	case CapClose:
		return c.CanClose
	case CapSearch:
		return c.CanSearch
	case CapQuery:
		return c.CanQuery
	case CapListReady:
		return c.CanListReady
	case CapManageDependencies:
		return c.CanManageDependencies
	case CapManageLabels:
		return c.CanManageLabels
	case CapSync:
		return c.CanSync
	}
	return false
}

// RepoCapabilities is implemented by backends whose capabilities depend on
// the repository they serve, such as the auto-routing backend.
type RepoCapabilities interface {
	CapabilitiesFor(repoPath string) Capabilities
}

// CapabilitiesFor returns what b offers for repoPath.
func CapabilitiesFor(b Backend, repoPath string) Capabilities {
	if rc, ok := b.(RepoCapabilities); ok {
		return rc.CapabilitiesFor(repoPath)
	}
	return b.Capabilities()
}

// Require returns UNSUPPORTED when b lacks any of caps.
func Require(b Backend, op string, caps ...Capability) error {
	return requireCaps(b.Capabilities(), op, caps)
}

// RequireFor is Require against the capabilities b has for repoPath.
func RequireFor(b Backend, repoPath, op string, caps ...Capability) error {
	return requireCaps(CapabilitiesFor(b, repoPath), op, caps)
}

func requireCaps(have Capabilities, op string, caps []Capability) error {
	for _, c := range caps {
		if !have.Has(c) {
			return Unsupported("backend does not support %s", c).WithOp(op)
		}
	}
	return nil
}

// FullCapabilities is what a read/write store with dependency support offers.
func FullCapabilities(maxConcurrency int) Capabilities {
	return Capabilities{
		CanCreate:             true,
		CanUpdate:             true,
		CanDelete:             true,
		CanClose:              true,
		CanSearch:             true,
		CanQuery:              true,
		CanListReady:          true,
		CanManageDependencies: true,
		CanManageLabels:       true,
		MaxConcurrency:        maxConcurrency,
	}
}
