// Package workflow classifies beat states against a WorkflowDescriptor.
//
// Every backend reports states in its own vocabulary. Nothing outside this
// package hardcodes which states are queued, active or terminal; callers
// ask Classify or Derive with the descriptor the beat belongs to.
package workflow

import (
	"github.com/beatline/conductor/internal/types"
)

// Phase is the runtime classification of a state within its step.
type Phase string

const (
	// PhaseQueued means the step is waiting for its owner to pick it up
	PhaseQueued Phase = "queued"
	// PhaseActive means the owner is working the step
	PhaseActive Phase = "active"
	// PhaseHeld covers blocked and deferred states
	PhaseHeld Phase = "held"
	// PhaseTerminal means the beat is done (shipped, closed, abandoned)
	PhaseTerminal Phase = "terminal"
	// PhaseUnknown is returned for states the descriptor does not map
	PhaseUnknown Phase = "unknown"
)

// Coarse states shared by every backend for filtering.
const (
	CoarseOpen       = "open"
	CoarseInProgress = "in_progress"
	CoarseBlocked    = "blocked"
	CoarseClosed     = "closed"
)

var heldStates = map[string]bool{"blocked": true, "deferred": true}

// Classification is the derived meaning of one state.
type Classification struct {
	Step  types.Step
	Phase Phase
	Owner types.OwnerKind
}

// Classify derives the step, phase and owner of state.
func Classify(wf *types.WorkflowDescriptor, state string) Classification {
	if wf == nil {
		return Classification{Phase: PhaseUnknown, Owner: types.OwnerNone}
	}
	if wf.IsTerminal(state) {
		return Classification{Phase: PhaseTerminal, Owner: types.OwnerNone}
	}
	for _, step := range types.Steps {
		ss, ok := wf.StepStates[step]
		if !ok {
			continue
		}
		switch state {
		case ss.Queue:
			return Classification{Step: step, Phase: PhaseQueued, Owner: wf.Owner(step)}
		case ss.Active:
			return Classification{Step: step, Phase: PhaseActive, Owner: wf.Owner(step)}
		}
	}
	if heldStates[state] {
		return Classification{Phase: PhaseHeld, Owner: types.OwnerNone}
	}
	return Classification{Phase: PhaseUnknown, Owner: types.OwnerNone}
}

// Derive fills the beat's next-action fields from its state.
func Derive(wf *types.WorkflowDescriptor, beat *types.Beat) {
	if beat == nil {
		return
	}
	beat.NextActionState = ""
	beat.NextActionOwnerKind = types.OwnerNone
	beat.RequiresHumanAction = false
	beat.IsAgentClaimable = false

	c := Classify(wf, beat.State)
	switch c.Phase {
	case PhaseQueued:
		beat.NextActionState = wf.StepStates[c.Step].Active
		beat.NextActionOwnerKind = c.Owner
		beat.RequiresHumanAction = c.Owner == types.OwnerHuman
		beat.IsAgentClaimable = c.Owner == types.OwnerAgent
	case PhaseActive:
		beat.NextActionState = nextQueueState(wf, c.Step)
		beat.NextActionOwnerKind = c.Owner
		beat.RequiresHumanAction = c.Owner == types.OwnerHuman
	}
}

// nextQueueState returns the queue state of the step following step, or the
// first terminal state when step is the last one the workflow uses.
func nextQueueState(wf *types.WorkflowDescriptor, step types.Step) string {
	found := false
	for _, s := range types.Steps {
		if s == step {
			found = true
			continue
		}
		if !found {
			continue
		}
		if ss, ok := wf.StepStates[s]; ok && ss.Queue != "" {
			return ss.Queue
		}
	}
	if len(wf.TerminalStates) > 0 {
		return wf.TerminalStates[0]
	}
	return ""
}

// CoarseState maps a workflow state onto open, in_progress, blocked or closed.
func CoarseState(wf *types.WorkflowDescriptor, state string) string {
	switch Classify(wf, state).Phase {
	case PhaseTerminal:
		return CoarseClosed
	case PhaseHeld:
		return CoarseBlocked
	case PhaseQueued:
		return CoarseOpen
	case PhaseActive:
		return CoarseInProgress
	}
	switch state {
	case CoarseOpen, CoarseInProgress, CoarseBlocked, CoarseClosed:
		return state
	}
	return CoarseOpen
}

// MatchesState reports whether a beat in state satisfies a filter state, which
// may be an exact state or a coarse alias. An empty filter matches anything.
func MatchesState(wf *types.WorkflowDescriptor, state, filter string) bool {
	if filter == "" || filter == state {
		return true
	}
	return CoarseState(wf, state) == filter
}

// IsTerminal is a nil-safe terminal check.
func IsTerminal(wf *types.WorkflowDescriptor, state string) bool {
	return Classify(wf, state).Phase == PhaseTerminal
}

// RetryState is where a beat goes when its implementation must be redone.
func RetryState(wf *types.WorkflowDescriptor) string {
	if wf == nil {
		return CoarseOpen
	}
	if ss, ok := wf.StepStates[types.StepImplementation]; ok && ss.Queue != "" {
		return ss.Queue
	}
	if wf.InitialState != "" {
		return wf.InitialState
	}
	return CoarseOpen
}

// ClosedState is the terminal state Close moves a beat into.
func ClosedState(wf *types.WorkflowDescriptor) string {
	if wf == nil || len(wf.TerminalStates) == 0 {
		return CoarseClosed
	}
	return wf.TerminalStates[0]
}

// Lookup finds a descriptor by id, falling back to the first one given.
func Lookup(descs []*types.WorkflowDescriptor, id string) *types.WorkflowDescriptor {
	for _, d := range descs {
		if d.ID == id {
			return d
		}
	}
	if len(descs) > 0 {
		return descs[0]
	}
	return nil
}
