package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/labels"
	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/workflow"
)

// SupersededReason is the close reason for wave containers a new plan left
// without active children.
const SupersededReason = "Superseded by a newer orchestration plan"

// WaveOverride replaces the generated name or slug of one wave.
type WaveOverride struct {
	Name string `json:"name,omitempty"`
	Slug string `json:"slug,omitempty"`
}

// ApplyRequest materializes a finished session's plan.
type ApplyRequest struct {
	SessionID string               `json:"sessionId"`
	RepoPath  string               `json:"repoPath,omitempty"`
	Overrides map[int]WaveOverride `json:"overrides,omitempty"`
}

// AppliedWave is one created wave container.
type AppliedWave struct {
	Index       int      `json:"index"`
	Name        string   `json:"name"`
	Slug        string   `json:"slug"`
	ContainerID string   `json:"containerId"`
	Priority    int      `json:"priority"`
	Children    []string `json:"children"`
	BlockedBy   string   `json:"blockedBy,omitempty"`
}

// SkippedWave is a wave that had no valid children at apply time.
type SkippedWave struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ApplyResult summarizes an apply.
type ApplyResult struct {
	Applied          []AppliedWave `json:"applied"`
	Skipped          []SkippedWave `json:"skipped"`
	ClosedContainers []string      `json:"closedContainers"`
}

// applier holds the state of one apply run.
type applier struct {
	store     backend.Backend
	repoPath  string
	workflows []*types.WorkflowDescriptor
	policy    backend.RetryPolicy
}

// retry runs a store write, retrying failures the store marks retryable.
func (a *applier) retry(ctx context.Context, write func() error) error {
	return backend.Retry(ctx, a.policy, write)
}

// Apply creates one epic per non-empty wave in ascending index order,
// reparents the wave's beats onto it and chains consecutive containers with
// blocks edges. Existing wave containers left without active children are
// closed afterwards.
func (m *Manager) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	const op = "orchestration.apply"
	s, err := m.session(op, req.SessionID)
	if err != nil {
		return nil, err
	}
	status, plan, known := s.snapshot()
	if status != StatusCompleted {
		return nil, backend.InvalidInput("session %s is %s; only completed sessions can be applied", req.SessionID, status).WithOp(op)
	}
	if plan == nil {
		return nil, backend.InvalidInput("session %s finished without a plan", req.SessionID).WithOp(op)
	}
	repoPath := req.RepoPath
	if repoPath == "" {
		repoPath = s.repoPath
	}
	store := m.cfg.Backend
	if err := backend.RequireFor(store, repoPath, op, backend.CapCreate, backend.CapUpdate, backend.CapManageDependencies); err != nil {
		return nil, err
	}

	wfs, err := store.ListWorkflows(ctx, repoPath)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	a := &applier{store: store, repoPath: repoPath, workflows: wfs, policy: m.cfg.Retry}

	existing, err := store.List(ctx, repoPath, types.Filter{Label: labels.LabelWaveContainer, IncludeClosed: true})
	if err != nil {
		return nil, fmt.Errorf("list wave containers: %w", err)
	}
	var usedSlugs []string
	for _, c := range existing {
		usedSlugs = append(usedSlugs, labels.WaveSlug(c.Labels))
	}
	slugs := newSlugAllocator(usedSlugs)

	waves := append([]Wave(nil), plan.Waves...)
	sort.SliceStable(waves, func(i, j int) bool { return waves[i].Index < waves[j].Index })

	result := &ApplyResult{Applied: []AppliedWave{}, Skipped: []SkippedWave{}, ClosedContainers: []string{}}
	created := make(map[string]bool)
	prevContainer := ""
	for _, w := range waves {
		override := req.Overrides[w.Index]
		name := strings.TrimSpace(override.Name)
		if name == "" {
			name = w.Name
		}

		children, err := a.validChildren(ctx, w, known)
		if err != nil {
			return result, err
		}
		if len(children) == 0 {
			result.Skipped = append(result.Skipped, SkippedWave{Index: w.Index, Name: name, Reason: "no valid children"})
			continue
		}
		if override.Slug != "" && !slugs.validOverride(override.Slug) {
			m.cfg.Logger.Warn("ignoring wave slug override", "wave", w.Index, "slug", override.Slug)
		}
		slug := slugs.allocate(override.Slug, name, w.Index)
		priority := minPriority(children)

		container, err := backend.RetryValue(ctx, a.policy, func() (*types.Beat, error) {
			return store.Create(ctx, repoPath, types.CreateInput{
				Title:       name,
				Description: waveDescription(w, children, plan.Assumptions),
				Type:        types.TypeEpic,
				Priority:    &priority,
				Labels:      []string{labels.LabelWaveContainer, labels.WaveSlugLabel(slug)},
			})
		})
		if err != nil {
			return result, fmt.Errorf("create container for wave %d: %w", w.Index, err)
		}
		created[container.ID] = true

		applied := AppliedWave{Index: w.Index, Name: name, Slug: slug, ContainerID: container.ID, Priority: priority}
		for _, child := range children {
			if err := a.reparent(ctx, child, container.ID); err != nil {
				return result, err
			}
			applied.Children = append(applied.Children, child.ID)
		}
		if prevContainer != "" {
			err := a.retry(ctx, func() error {
				return store.AddDependency(ctx, repoPath, prevContainer, container.ID, backend.DependencyOptions{Type: types.DepBlocks})
			})
			if err != nil && !backend.IsAlreadyExists(err) {
				return result, fmt.Errorf("chain wave %d after %s: %w", w.Index, prevContainer, err)
			}
			applied.BlockedBy = prevContainer
		}
		prevContainer = container.ID
		result.Applied = append(result.Applied, applied)
		m.cfg.Logger.Info("applied wave", "session", req.SessionID, "wave", w.Index, "container", container.ID, "children", len(applied.Children))
	}
	m.cfg.Counters.WavesApplied(ctx, len(result.Applied))

	for _, c := range existing {
		if created[c.ID] || a.terminal(c) {
			continue
		}
		active, err := store.List(ctx, repoPath, types.Filter{Parent: c.ID})
		if err != nil {
			return result, fmt.Errorf("list children of %s: %w", c.ID, err)
		}
		if len(active) > 0 {
			continue
		}
		if err := a.retry(ctx, func() error { return store.Close(ctx, repoPath, c.ID, SupersededReason) }); err != nil {
			return result, fmt.Errorf("close stale container %s: %w", c.ID, err)
		}
		result.ClosedContainers = append(result.ClosedContainers, c.ID)
	}
	return result, nil
}

// validChildren re-reads every beat of w. A beat is valid when the session
// knew it, it still exists, it is not terminal and it is not itself a wave
// container.
func (a *applier) validChildren(ctx context.Context, w Wave, known *knownSet) ([]*types.Beat, error) {
	var out []*types.Beat
	for _, ref := range w.Beats {
		if !known.has(ref.ID) {
			continue
		}
		beat, err := a.store.Get(ctx, a.repoPath, ref.ID)
		if backend.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ref.ID, err)
		}
		if a.terminal(beat) || labels.IsWaveContainer(beat.Labels) {
			continue
		}
		out = append(out, beat)
	}
	return out, nil
}

func (a *applier) terminal(b *types.Beat) bool {
	id := b.WorkflowID
	if id == "" {
		id = b.ProfileID
	}
	if wf := workflow.Lookup(a.workflows, id); wf != nil {
		return workflow.IsTerminal(wf, b.State)
	}
	return b.State == workflow.CoarseClosed
}

// reparent moves child under container, verifies the move by re-reading,
// then makes the parent-child edges match.
func (a *applier) reparent(ctx context.Context, child *types.Beat, container string) error {
	previous := child.Parent
	err := a.retry(ctx, func() error {
		_, err := a.store.Update(ctx, a.repoPath, child.ID, types.UpdateInput{Parent: &container})
		return err
	})
	if err != nil {
		return fmt.Errorf("reparent %s onto %s: %w", child.ID, container, err)
	}
	after, err := a.store.Get(ctx, a.repoPath, child.ID)
	if err != nil {
		return fmt.Errorf("verify parent of %s: %w", child.ID, err)
	}
	if after.Parent != container {
		return backend.Internal("parent of %s is %q after update, expected %s", child.ID, after.Parent, container).WithOp("orchestration.apply")
	}
	if previous != "" && previous != container {
		err := a.retry(ctx, func() error {
			return a.store.RemoveDependency(ctx, a.repoPath, previous, child.ID, backend.DependencyOptions{Type: types.DepParentChild})
		})
		if err != nil && !backend.IsNotFound(err) {
			return fmt.Errorf("remove old parent edge %s -> %s: %w", previous, child.ID, err)
		}
	}
	err = a.retry(ctx, func() error {
		return a.store.AddDependency(ctx, a.repoPath, container, child.ID, backend.DependencyOptions{Type: types.DepParentChild})
	})
	if err != nil && !backend.IsAlreadyExists(err) {
		return fmt.Errorf("link %s under %s: %w", child.ID, container, err)
	}
	return nil
}

func minPriority(beats []*types.Beat) int {
	if len(beats) == 0 {
		return types.DefaultPriority
	}
	p := beats[0].Priority
	for _, b := range beats[1:] {
		if b.Priority < p {
			p = b.Priority
		}
	}
	return p
}

// waveDescription renders the container body.
func waveDescription(w Wave, children []*types.Beat, assumptions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Orchestration wave %d.\n", w.Index)
	if w.Objective != "" {
		fmt.Fprintf(&b, "\n## Objective\n%s\n", w.Objective)
	}
	if len(w.Agents) > 0 {
		b.WriteString("\n## Agents\n")
		for _, ag := range w.Agents {
			fmt.Fprintf(&b, "- %dx %s", ag.Count, ag.Role)
			if ag.Specialty != "" {
				fmt.Fprintf(&b, " (%s)", ag.Specialty)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\n## Beats\n")
	for i, c := range children {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, c.ID, c.Title)
	}
	if w.Notes != "" {
		fmt.Fprintf(&b, "\n## Notes\n%s\n", w.Notes)
	}
	if len(assumptions) > 0 {
		b.WriteString("\n## Assumptions\n")
		for _, s := range assumptions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}
