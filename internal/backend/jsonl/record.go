package jsonl

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/beatline/conductor/internal/types"
)

// record is one line of .beads/issues.jsonl. Field names follow the beads
// export format; keys this store does not model are kept in extra and
// written back untouched.
type record struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty"`
	Status             string     `json:"status,omitempty"`
	Priority           int        `json:"priority"`
	IssueType          string     `json:"issue_type,omitempty"`
	Assignee           string     `json:"assignee,omitempty"`
	Labels             []string   `json:"labels,omitempty"`
	Profile            string     `json:"profile,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	CloseReason        string     `json:"close_reason,omitempty"`

	extra map[string]json.RawMessage
}

type recordFields record

var knownKeys = []string{
	"id", "title", "description", "notes", "acceptance_criteria", "status", "priority",
	"issue_type", "assignee", "labels", "profile", "created_at", "updated_at", "closed_at",
	"close_reason",
}

func (r *record) UnmarshalJSON(data []byte) error {
	var f recordFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownKeys {
		delete(all, k)
	}
	*r = record(f)
	if len(all) > 0 {
		r.extra = all
	}
	return nil
}

func (r record) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(recordFields(r))
	if err != nil || len(r.extra) == 0 {
		return data, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, v := range r.extra {
		if _, known := all[k]; !known {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// Metadata keys used by normalize/denormalize.
const (
	metaSource      = "source"
	metaCloseReason = "close_reason"
	sourceName      = "jsonl"
)

// normalize converts a stored record into a Beat. Parent and derived fields
// are filled in later from the dependency edges and the workflow.
func normalize(r *record, defaultWorkflow string) *types.Beat {
	b := &types.Beat{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Notes:       r.Notes,
		Acceptance:  r.AcceptanceCriteria,
		Type:        types.BeatType(r.IssueType),
		Priority:    r.Priority,
		State:       r.Status,
		ProfileID:   r.Profile,
		WorkflowID:  r.Profile,
		Assignee:    r.Assignee,
		Labels:      append([]string(nil), r.Labels...),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Metadata:    map[string]any{metaSource: sourceName},
	}
	if b.WorkflowID == "" {
		b.WorkflowID = defaultWorkflow
	}
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		b.ClosedAt = &t
	}
	if r.CloseReason != "" {
		b.Metadata[metaCloseReason] = r.CloseReason
	}
	for k, v := range r.extra {
		b.Metadata[k] = v
	}
	return b
}

// denormalize converts a Beat back into its stored record.
func denormalize(b *types.Beat) *record {
	r := &record{
		ID:                 b.ID,
		Title:              b.Title,
		Description:        b.Description,
		Notes:              b.Notes,
		AcceptanceCriteria: b.Acceptance,
		Status:             b.State,
		Priority:           b.Priority,
		IssueType:          string(b.Type),
		Assignee:           b.Assignee,
		Labels:             types.NormalizeLabels(b.Labels),
		Profile:            b.ProfileID,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
	if b.ClosedAt != nil {
		t := *b.ClosedAt
		r.ClosedAt = &t
	}
	for k, v := range b.Metadata {
		switch k {
		case metaSource:
		case metaCloseReason:
			r.CloseReason, _ = v.(string)
		default:
			raw, ok := v.(json.RawMessage)
			if !ok {
				var err error
				if raw, err = json.Marshal(v); err != nil {
					continue
				}
			}
			if r.extra == nil {
				r.extra = make(map[string]json.RawMessage)
			}
			r.extra[k] = raw
		}
	}
	return r
}

// edge is one line of .beads/dependencies.jsonl: IssueID depends on DependsOnID.
type edge struct {
	IssueID     string               `json:"issue_id"`
	DependsOnID string               `json:"depends_on_id"`
	Type        types.DependencyType `json:"type"`
	CreatedAt   time.Time            `json:"created_at"`
}

func (e edge) dependency() types.Dependency {
	return types.Dependency{Source: e.DependsOnID, Target: e.IssueID, Type: e.Type.OrDefault()}
}

func sortRecords(recs []*record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
