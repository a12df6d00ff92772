package types

// Step is one of the six canonical workflow steps.
type Step string

const (
	StepPlanning             Step = "planning"
	StepPlanReview           Step = "plan_review"
	StepImplementation       Step = "implementation"
	StepImplementationReview Step = "implementation_review"
	StepShipment             Step = "shipment"
	StepShipmentReview       Step = "shipment_review"
)

// Steps lists the canonical steps in execution order.
var Steps = []Step{
	StepPlanning,
	StepPlanReview,
	StepImplementation,
	StepImplementationReview,
	StepShipment,
	StepShipmentReview,
}

// StepStates names the queue state (waiting for an owner) and the active state
// (owner working) a workflow uses for one step.
type StepStates struct {
	Queue  string `json:"queue"`
	Active string `json:"active"`
}

// Transition is a declared edge between two workflow states.
type Transition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// WorkflowDescriptor describes the state machine a beat moves through.
type WorkflowDescriptor struct {
	ID             string              `json:"id"`
	Label          string              `json:"label,omitempty"`
	States         []string            `json:"states"`
	TerminalStates []string            `json:"terminalStates"`
	InitialState   string              `json:"initialState"`
	Transitions    []Transition        `json:"transitions,omitempty"`
	Owners         map[Step]OwnerKind  `json:"owners,omitempty"`
	StepStates     map[Step]StepStates `json:"stepStates,omitempty"`
}

// IsTerminal reports whether state is one of the descriptor's terminal states.
func (w *WorkflowDescriptor) IsTerminal(state string) bool {
	for _, s := range w.TerminalStates {
		if s == state {
			return true
		}
	}
	return false
}

// HasState reports whether the descriptor declares state.
func (w *WorkflowDescriptor) HasState(state string) bool {
	for _, s := range w.States {
		if s == state {
			return true
		}
	}
	return false
}

// Owner returns the owner kind of a step, defaulting to agent.
func (w *WorkflowDescriptor) Owner(step Step) OwnerKind {
	if o, ok := w.Owners[step]; ok && o.IsValid() {
		return o
	}
	return OwnerAgent
}
