package knots

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/workflow"
)

// Edge kinds kno understands. Src blocks / is parent of Dst.
const (
	kindBlocks   = "blocks"
	kindParentOf = "parent_of"
)

// knot is the JSON shape kno prints for ls, show and new.
type knot struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	State       string       `json:"state"`
	ProfileID   string       `json:"profile_id"`
	Type        string       `json:"type"`
	Priority    *int         `json:"priority"`
	Description string       `json:"description"`
	Acceptance  string       `json:"acceptance"`
	Notes       []knotNote   `json:"notes"`
	Tags        []string     `json:"tags"`
	Assignee    string       `json:"assignee"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Handoff     *handoffInfo `json:"handoff_capsule,omitempty"`
}

type knotNote struct {
	Content  string    `json:"content"`
	Username string    `json:"username,omitempty"`
	Datetime time.Time `json:"datetime,omitempty"`
}

type handoffInfo struct {
	Content string `json:"content"`
}

// knotEdge is one line of `kno edge list`.
type knotEdge struct {
	Src  string `json:"src"`
	Kind string `json:"kind"`
	Dst  string `json:"dst"`
}

func (e knotEdge) dependency() (types.Dependency, bool) {
	switch e.Kind {
	case kindBlocks:
		return types.Dependency{Source: e.Src, Target: e.Dst, Type: types.DepBlocks}, true
	case kindParentOf:
		return types.Dependency{Source: e.Src, Target: e.Dst, Type: types.DepParentChild}, true
	}
	return types.Dependency{}, false
}

func edgeKind(t types.DependencyType) string {
	if t.OrDefault() == types.DepParentChild {
		return kindParentOf
	}
	return kindBlocks
}

// profile is the JSON shape of `kno profile list`. Fields absent from the
// output fall back to the built-in descriptor with the same id.
type profile struct {
	ID             string                     `json:"id"`
	Label          string                     `json:"label"`
	States         []string                   `json:"states"`
	TerminalStates []string                   `json:"terminal_states"`
	InitialState   string                     `json:"initial_state"`
	Owners         map[string]types.OwnerKind `json:"owners"`
}

func (p profile) descriptor() *types.WorkflowDescriptor {
	var base *types.WorkflowDescriptor
	for _, d := range workflow.Builtins() {
		if d.ID == p.ID {
			base = d
			break
		}
	}
	if base == nil {
		owners := make(map[types.Step]types.OwnerKind, len(p.Owners))
		for step, kind := range p.Owners {
			owners[types.Step(step)] = kind
		}
		base = workflow.Staged(p.ID, p.Label, owners)
	}
	if p.Label != "" {
		base.Label = p.Label
	}
	if len(p.States) > 0 {
		base.States = append([]string(nil), p.States...)
	}
	if len(p.TerminalStates) > 0 {
		base.TerminalStates = append([]string(nil), p.TerminalStates...)
	}
	if p.InitialState != "" {
		base.InitialState = p.InitialState
	}
	for step, kind := range p.Owners {
		if base.Owners == nil {
			base.Owners = make(map[types.Step]types.OwnerKind)
		}
		base.Owners[types.Step(step)] = kind
	}
	return base
}

func (k *knot) notes() string {
	parts := make([]string, 0, len(k.Notes))
	for _, n := range k.Notes {
		if c := strings.TrimSpace(n.Content); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (k *knot) beat() *types.Beat {
	b := &types.Beat{
		ID:          k.ID,
		Title:       k.Title,
		Description: k.Description,
		Notes:       k.notes(),
		Acceptance:  k.Acceptance,
		Type:        types.BeatType(k.Type),
		Priority:    types.DefaultPriority,
		State:       k.State,
		ProfileID:   k.ProfileID,
		WorkflowID:  k.ProfileID,
		Assignee:    k.Assignee,
		Labels:      types.NormalizeLabels(k.Tags),
		CreatedAt:   k.CreatedAt,
		UpdatedAt:   k.UpdatedAt,
		Metadata:    map[string]any{"source": "knots"},
	}
	if k.Priority != nil {
		b.Priority = *k.Priority
	}
	if b.Type == "" {
		b.Type = types.TypeTask
	}
	if k.Handoff != nil && k.Handoff.Content != "" {
		b.Metadata["handoff"] = k.Handoff.Content
	}
	return b
}

func decodeKnots(data []byte) ([]*knot, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var one knot
		if err := json.Unmarshal([]byte(trimmed), &one); err != nil {
			return nil, err
		}
		return []*knot{&one}, nil
	}
	var many []*knot
	err := json.Unmarshal([]byte(trimmed), &many)
	return many, err
}
