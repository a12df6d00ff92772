package workflow

import (
	"github.com/beatline/conductor/internal/types"
)

// Built-in workflow ids.
const (
	BeadsCoarseID = "beads-coarse"
	AutopilotID   = "autopilot"
	SemiautoID    = "semiauto"
)

// BeadsCoarse is the open/in_progress/closed lifecycle of bd and the jsonl store.
// Only the implementation step is modelled.
func BeadsCoarse() *types.WorkflowDescriptor {
	return &types.WorkflowDescriptor{
		ID:             BeadsCoarseID,
		Label:          "Beads (coarse)",
		States:         []string{"open", "in_progress", "blocked", "deferred", "closed"},
		TerminalStates: []string{"closed"},
		InitialState:   "open",
		Transitions: []types.Transition{
			{From: "open", To: "in_progress"},
			{From: "in_progress", To: "closed"},
			{From: "in_progress", To: "open"},
			{From: "open", To: "blocked"},
			{From: "blocked", To: "open"},
			{From: "open", To: "deferred"},
			{From: "deferred", To: "open"},
			{From: "open", To: "closed"},
		},
		Owners: map[types.Step]types.OwnerKind{
			types.StepImplementation: types.OwnerAgent,
		},
		StepStates: map[types.Step]types.StepStates{
			types.StepImplementation: {Queue: "open", Active: "in_progress"},
		},
	}
}

// Staged builds a six-step workflow using the ready_for_<step>/<step> naming
// convention, terminating in shipped or abandoned.
func Staged(id, label string, owners map[types.Step]types.OwnerKind) *types.WorkflowDescriptor {
	wf := &types.WorkflowDescriptor{
		ID:             id,
		Label:          label,
		TerminalStates: []string{"shipped", "abandoned"},
		Owners:         make(map[types.Step]types.OwnerKind, len(types.Steps)),
		StepStates:     make(map[types.Step]types.StepStates, len(types.Steps)),
	}
	prevActive := ""
	for _, step := range types.Steps {
		queue := "ready_for_" + string(step)
		active := string(step)
		wf.States = append(wf.States, queue, active)
		wf.StepStates[step] = types.StepStates{Queue: queue, Active: active}
		owner := types.OwnerAgent
		if o, ok := owners[step]; ok {
			owner = o
		}
		wf.Owners[step] = owner
		if prevActive != "" {
			wf.Transitions = append(wf.Transitions, types.Transition{From: prevActive, To: queue})
		}
		wf.Transitions = append(wf.Transitions, types.Transition{From: queue, To: active})
		prevActive = active
	}
	wf.InitialState = wf.States[0]
	wf.States = append(wf.States, "blocked", "deferred", "shipped", "abandoned")
	wf.Transitions = append(wf.Transitions,
		types.Transition{From: prevActive, To: "shipped"},
		types.Transition{From: string(types.StepImplementationReview), To: wf.StepStates[types.StepImplementation].Queue},
	)
	return wf
}

// Autopilot lets agents own every step.
func Autopilot() *types.WorkflowDescriptor {
	return Staged(AutopilotID, "Autopilot", nil)
}

// Semiauto hands the review gates to humans.
func Semiauto() *types.WorkflowDescriptor {
	return Staged(SemiautoID, "Semi-automatic", map[types.Step]types.OwnerKind{
		types.StepPlanReview:     types.OwnerHuman,
		types.StepShipmentReview: types.OwnerHuman,
	})
}

// Builtins returns fresh copies of every built-in descriptor.
func Builtins() []*types.WorkflowDescriptor {
	return []*types.WorkflowDescriptor{BeadsCoarse(), Autopilot(), Semiauto()}
}
