package backend

import (
	"strconv"
	"strings"

	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/workflow"
)

// QueryTerm is one field:value clause of a query expression.
type QueryTerm struct {
	Field string
	Value string
}

// Query is a parsed field:value expression. All terms and words must match.
type Query struct {
	Terms []QueryTerm
	// Words are bare tokens matched against title and description.
	Words []string
}

// ParseQuery splits expr on whitespace into field:value terms and bare words.
// Values may be quoted with double quotes to include spaces.
func ParseQuery(expr string) (Query, error) {
	var q Query
	for _, tok := range tokenize(expr) {
		field, value, ok := strings.Cut(tok, ":")
		if !ok || field == "" {
			q.Words = append(q.Words, strings.ToLower(strings.Trim(tok, `"`)))
			continue
		}
		value = strings.Trim(value, `"`)
		if value == "" {
			return Query{}, InvalidInput("query term %q has no value", tok)
		}
		q.Terms = append(q.Terms, QueryTerm{Field: strings.ToLower(field), Value: value})
	}
	return q, nil
}

func tokenize(expr string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for _, r := range expr {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case (r == ' ' || r == '\t' || r == '\n') && !quoted:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// HasStateTerm reports whether the query constrains state, which lets
// terminal beats through without IncludeClosed.
func (q Query) HasStateTerm() bool {
	for _, t := range q.Terms {
		if t.Field == "state" || t.Field == "status" {
			return true
		}
	}
	return false
}

// Matches reports whether beat satisfies every clause. wf is the beat's
// workflow, used to resolve coarse state aliases.
func (q Query) Matches(beat *types.Beat, wf *types.WorkflowDescriptor) bool {
	for _, t := range q.Terms {
		if !matchTerm(beat, wf, t) {
			return false
		}
	}
	if len(q.Words) > 0 {
		hay := strings.ToLower(beat.Title + "\n" + beat.Description)
		for _, w := range q.Words {
			if !strings.Contains(hay, w) {
				return false
			}
		}
	}
	return true
}

func matchTerm(beat *types.Beat, wf *types.WorkflowDescriptor, t QueryTerm) bool {
	v := t.Value
	switch t.Field {
	case "state", "status":
		return workflow.MatchesState(wf, beat.State, v)
	case "workflow":
		return strings.EqualFold(beat.WorkflowID, v)
	case "profile":
		return strings.EqualFold(beat.ProfileID, v)
	case "type":
		return strings.EqualFold(string(beat.Type), v)
	case "priority":
		p, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(v), "P"))
		return err == nil && beat.Priority == p
	case "assignee":
		return strings.EqualFold(beat.Assignee, v)
	case "label":
		return beat.HasLabel(v)
	case "owner":
		return strings.EqualFold(string(beat.NextActionOwnerKind), v)
	case "parent":
		return beat.Parent == v
	case "id":
		return beat.ID == v
	}
	// Unknown fields stay permissive.
	return true
}

// MatchesFilter reports whether beat passes filter. Terminal beats are
// excluded unless the filter asks for them via IncludeClosed or a State.
func MatchesFilter(beat *types.Beat, wf *types.WorkflowDescriptor, f types.Filter) bool {
	if f.State != "" {
		if !workflow.MatchesState(wf, beat.State, f.State) {
			return false
		}
	} else if !f.IncludeClosed && workflow.IsTerminal(wf, beat.State) {
		return false
	}
	if f.Type != "" && beat.Type != f.Type {
		return false
	}
	if f.Priority != nil && beat.Priority != *f.Priority {
		return false
	}
	if f.Assignee != "" && beat.Assignee != f.Assignee {
		return false
	}
	if f.Label != "" && !beat.HasLabel(f.Label) {
		return false
	}
	if f.Parent != "" && beat.Parent != f.Parent {
		return false
	}
	if f.ProfileID != "" && beat.ProfileID != f.ProfileID {
		return false
	}
	return true
}

// MatchesText is the substring search used by Search on in-memory stores.
func MatchesText(beat *types.Beat, text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return true
	}
	return strings.Contains(strings.ToLower(beat.ID), text) ||
		strings.Contains(strings.ToLower(beat.Title), text) ||
		strings.Contains(strings.ToLower(beat.Description), text) ||
		strings.Contains(strings.ToLower(beat.Notes), text)
}
