package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultPriority is used when a beat is created without an explicit priority.
const DefaultPriority = 2

// Beat represents a trackable work item
type Beat struct {
	ID                  string         `json:"id"`
	Title               string         `json:"title"`
	Description         string         `json:"description,omitempty"`
	Notes               string         `json:"notes,omitempty"`
	Acceptance          string         `json:"acceptance,omitempty"`
	Type                BeatType       `json:"type"`
	Priority            int            `json:"priority"`
	State               string         `json:"state"`
	ProfileID           string         `json:"profileId,omitempty"`
	WorkflowID          string         `json:"workflowId,omitempty"`
	NextActionState     string         `json:"nextActionState,omitempty"`
	NextActionOwnerKind OwnerKind      `json:"nextActionOwnerKind,omitempty"`
	RequiresHumanAction bool           `json:"requiresHumanAction"`
	IsAgentClaimable    bool           `json:"isAgentClaimable"`
	Labels              []string       `json:"labels,omitempty"`
	Parent              string         `json:"parent,omitempty"`
	Assignee            string         `json:"assignee,omitempty"`
	CreatedAt           time.Time      `json:"created"`
	UpdatedAt           time.Time      `json:"updated"`
	ClosedAt            *time.Time     `json:"closed,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// Validate checks if the beat has valid field values
func (b *Beat) Validate() error {
	if strings.TrimSpace(b.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(b.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(b.Title))
	}
	if b.Priority < 0 || b.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", b.Priority)
	}
	if b.Type != "" && !b.Type.IsValid() {
		return fmt.Errorf("invalid beat type: %s", b.Type)
	}
	if b.Parent != "" && b.Parent == b.ID {
		return fmt.Errorf("beat %s cannot be its own parent", b.ID)
	}
	return nil
}

// HasLabel reports whether the beat carries the given label.
func (b *Beat) HasLabel(label string) bool {
	for _, l := range b.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to callers.
func (b *Beat) Clone() *Beat {
	if b == nil {
		return nil
	}
	c := *b
	if b.Labels != nil {
		c.Labels = append([]string(nil), b.Labels...)
	}
	if b.ClosedAt != nil {
		t := *b.ClosedAt
		c.ClosedAt = &t
	}
	if b.Metadata != nil {
		c.Metadata = make(map[string]any, len(b.Metadata))
		for k, v := range b.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// BeatType categorizes the kind of work
type BeatType string

const (
	TypeBug          BeatType = "bug"
	TypeFeature      BeatType = "feature"
	TypeTask         BeatType = "task"
	TypeEpic         BeatType = "epic"
	TypeChore        BeatType = "chore"
	TypeMergeRequest BeatType = "merge-request"
	TypeMolecule     BeatType = "molecule"
	TypeGate         BeatType = "gate"
)

// IsValid checks if the beat type value is valid
func (t BeatType) IsValid() bool {
	switch t {
	case TypeBug, TypeFeature, TypeTask, TypeEpic, TypeChore, TypeMergeRequest, TypeMolecule, TypeGate:
		return true
	}
	return false
}

// OwnerKind says who is expected to perform the next action on a beat.
type OwnerKind string

const (
	OwnerHuman OwnerKind = "human"
	OwnerAgent OwnerKind = "agent"
	OwnerNone  OwnerKind = "none"
)

// IsValid checks if the owner kind value is valid
func (o OwnerKind) IsValid() bool {
	switch o {
	case OwnerHuman, OwnerAgent, OwnerNone:
		return true
	}
	return false
}

// Dependency is a directed edge between two beats.
// For blocks edges Source is the blocker and Target the blocked beat;
// for parent-child edges Source is the parent and Target the child.
type Dependency struct {
	Source string         `json:"source"`
	Target string         `json:"target"`
	Type   DependencyType `json:"type"`
}

// DependencyType categorizes the relationship between beats
type DependencyType string

const (
	// DepBlocks indicates Target cannot start until Source is done
	DepBlocks DependencyType = "blocks"
	// DepParentChild links a container (Source) to one of its children (Target)
	DepParentChild DependencyType = "parent-child"
)

// IsValid checks if the dependency type value is valid
func (d DependencyType) IsValid() bool {
	switch d {
	case DepBlocks, DepParentChild:
		return true
	}
	return false
}

// OrDefault returns DepBlocks for the zero value.
func (d DependencyType) OrDefault() DependencyType {
	if d == "" {
		return DepBlocks
	}
	return d
}

// Filter narrows list/search results. Zero-valued fields match everything.
// State matches either the exact workflow state or one of the coarse
// aliases open, in_progress, blocked, closed.
type Filter struct {
	State         string   `json:"state,omitempty"`
	Type          BeatType `json:"type,omitempty"`
	Priority      *int     `json:"priority,omitempty"`
	Assignee      string   `json:"assignee,omitempty"`
	Label         string   `json:"label,omitempty"`
	Parent        string   `json:"parent,omitempty"`
	ProfileID     string   `json:"profileId,omitempty"`
	IncludeClosed bool     `json:"includeClosed,omitempty"`
	Limit         int      `json:"limit,omitempty"`
}

// QueryOptions tunes expression queries.
type QueryOptions struct {
	Limit         int  `json:"limit,omitempty"`
	IncludeClosed bool `json:"includeClosed,omitempty"`
}

// CreateInput describes a new beat.
type CreateInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	Acceptance  string   `json:"acceptance,omitempty"`
	Type        BeatType `json:"type,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Parent      string   `json:"parent,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	State       string   `json:"state,omitempty"`
	ProfileID   string   `json:"profileId,omitempty"`
	WorkflowID  string   `json:"workflowId,omitempty"`
}

// Validate checks the input before it reaches a store.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if in.Type != "" && !in.Type.IsValid() {
		return fmt.Errorf("invalid beat type: %s", in.Type)
	}
	if in.Priority != nil && (*in.Priority < 0 || *in.Priority > 4) {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", *in.Priority)
	}
	return nil
}

// UpdateInput describes a partial update; nil pointers leave fields untouched.
// Parent set to "" detaches the beat from its parent.
type UpdateInput struct {
	Title        *string   `json:"title,omitempty"`
	Description  *string   `json:"description,omitempty"`
	Notes        *string   `json:"notes,omitempty"`
	Acceptance   *string   `json:"acceptance,omitempty"`
	Type         *BeatType `json:"type,omitempty"`
	Priority     *int      `json:"priority,omitempty"`
	State        *string   `json:"state,omitempty"`
	Parent       *string   `json:"parent,omitempty"`
	Assignee     *string   `json:"assignee,omitempty"`
	AddLabels    []string  `json:"addLabels,omitempty"`
	RemoveLabels []string  `json:"removeLabels,omitempty"`
	ProfileID    *string   `json:"profileId,omitempty"`
	WorkflowID   *string   `json:"workflowId,omitempty"`
}

// Validate checks the update before it reaches a store.
func (in UpdateInput) Validate() error {
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return fmt.Errorf("title cannot be empty")
	}
	if in.Type != nil && !in.Type.IsValid() {
		return fmt.Errorf("invalid beat type: %s", *in.Type)
	}
	if in.Priority != nil && (*in.Priority < 0 || *in.Priority > 4) {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", *in.Priority)
	}
	return nil
}

// IsEmpty reports whether the update would change nothing.
func (in UpdateInput) IsEmpty() bool {
	return in.Title == nil && in.Description == nil && in.Notes == nil && in.Acceptance == nil &&
		in.Type == nil && in.Priority == nil && in.State == nil && in.Parent == nil &&
		in.Assignee == nil && len(in.AddLabels) == 0 && len(in.RemoveLabels) == 0 &&
		in.ProfileID == nil && in.WorkflowID == nil
}

// NormalizeLabels trims, drops empties, deduplicates and sorts a label set.
func NormalizeLabels(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// ApplyLabelDelta returns current with remove applied first and then add.
func ApplyLabelDelta(current, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, l := range remove {
		drop[strings.TrimSpace(l)] = true
	}
	next := make([]string, 0, len(current)+len(add))
	for _, l := range current {
		if !drop[l] {
			next = append(next, l)
		}
	}
	next = append(next, add...)
	return NormalizeLabels(next)
}

// Ptr returns a pointer to v; handy for UpdateInput literals.
func Ptr[T any](v T) *T {
	return &v
}
