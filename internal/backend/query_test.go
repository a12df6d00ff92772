package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/workflow"
)

func sampleBeat() *types.Beat {
	return &types.Beat{
		ID:                  "app-3",
		Title:               "Fix login redirect",
		Description:         "Users bounce back to the landing page",
		Type:                types.TypeBug,
		Priority:            1,
		State:               "ready_for_implementation",
		ProfileID:           "autopilot",
		WorkflowID:          "autopilot",
		NextActionOwnerKind: types.OwnerAgent,
		Labels:              []string{"frontend"},
		Parent:              "app-1",
		Assignee:            "sam",
	}
}

func TestQueryMatches(t *testing.T) {
	wf := workflow.Autopilot()
	beat := sampleBeat()

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"state:ready_for_implementation", true},
		{"state:open", true},
		{"state:closed", false},
		{"type:bug priority:1", true},
		{"priority:P1", true},
		{"priority:2", false},
		{"label:frontend owner:agent", true},
		{"label:backend", false},
		{"workflow:autopilot profile:AUTOPILOT", true},
		{"parent:app-1 id:app-3", true},
		{"assignee:alex", false},
		{"color:blue", true},
		{"login", true},
		{"landing redirect", true},
		{"logout", false},
		{`"login redirect"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			q, err := ParseQuery(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.Matches(beat, wf))
		})
	}
}

func TestParseQueryRejectsEmptyValue(t *testing.T) {
	_, err := ParseQuery("state:")
	assert.Equal(t, CodeInvalidInput, CodeOf(err))
}

func TestMatchesFilter(t *testing.T) {
	wf := workflow.Autopilot()
	beat := sampleBeat()
	shipped := sampleBeat()
	shipped.State = "shipped"

	assert.True(t, MatchesFilter(beat, wf, types.Filter{}))
	assert.False(t, MatchesFilter(shipped, wf, types.Filter{}))
	assert.True(t, MatchesFilter(shipped, wf, types.Filter{IncludeClosed: true}))
	assert.True(t, MatchesFilter(shipped, wf, types.Filter{State: "closed"}))
	assert.True(t, MatchesFilter(beat, wf, types.Filter{State: "open", Label: "frontend", Parent: "app-1"}))
	assert.False(t, MatchesFilter(beat, wf, types.Filter{Priority: types.Ptr(3)}))
	assert.False(t, MatchesFilter(beat, wf, types.Filter{Type: types.TypeEpic}))
}

func TestDottedParent(t *testing.T) {
	assert.Equal(t, "abc-12", DottedParent("abc-12.3"))
	assert.Equal(t, "abc-12.3", DottedParent("abc-12.3.1"))
	assert.Equal(t, "", DottedParent("abc-12"))
	assert.Equal(t, "", DottedParent("v1.x"))
}

func TestResolveParents(t *testing.T) {
	beats := []*types.Beat{
		{ID: "a-1"}, {ID: "a-1.1"}, {ID: "a-1.2"}, {ID: "a-9.1"}, {ID: "b-1"}, {ID: "b-2"},
	}
	ResolveParents(beats, map[string]string{
		"a-1.2": "b-1", // explicit edge wins over dotted id
		"b-1":   "b-2",
		"b-2":   "b-1", // cycle
	})
	got := map[string]string{}
	for _, b := range beats {
		got[b.ID] = b.Parent
	}
	assert.Equal(t, "a-1", got["a-1.1"])
	assert.Equal(t, "b-1", got["a-1.2"])
	assert.Equal(t, "", got["a-9.1"], "unresolvable nominal parent is top-level")
	assert.False(t, got["b-1"] == "b-2" && got["b-2"] == "b-1", "cycle must be broken")
}

func TestReadyBeats(t *testing.T) {
	wf := workflow.BeadsCoarse()
	now := time.Now()
	beats := []*types.Beat{
		{ID: "x-1", State: "open", CreatedAt: now},
		{ID: "x-2", State: "open", CreatedAt: now},
		{ID: "x-3", State: "closed", CreatedAt: now},
		{ID: "x-4", State: "open", CreatedAt: now},
		{ID: "x-5", State: "in_progress", CreatedAt: now},
	}
	deps := []types.Dependency{
		{Source: "x-1", Target: "x-2", Type: types.DepBlocks},
		{Source: "x-3", Target: "x-4", Type: types.DepBlocks},
		{Source: "x-1", Target: "x-4", Type: types.DepParentChild},
	}
	ready := ReadyBeats(beats, deps, func(*types.Beat) *types.WorkflowDescriptor { return wf })
	var ids []string
	for _, b := range ready {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []string{"x-1", "x-4"}, ids)
}

func TestSortAndLimit(t *testing.T) {
	now := time.Now()
	beats := []*types.Beat{
		{ID: "c", Priority: 2, CreatedAt: now},
		{ID: "b", Priority: 1, CreatedAt: now.Add(time.Second)},
		{ID: "a", Priority: 1, CreatedAt: now},
	}
	SortBeats(beats)
	assert.Equal(t, "a", beats[0].ID)
	assert.Equal(t, "b", beats[1].ID)
	assert.Len(t, Limit(beats, 2), 2)
	assert.Len(t, Limit(beats, 0), 3)
}

func TestRenderTakePrompt(t *testing.T) {
	beat := sampleBeat()
	child := &types.Beat{ID: "app-3.1", Title: "Child", State: "open"}
	out, err := RenderTakePrompt("/repo", beat, []*types.Beat{child}, "be brief")
	require.NoError(t, err)
	assert.Contains(t, out, "app-3 - Fix login redirect")
	assert.Contains(t, out, "app-3.1: Child [open]")
	assert.Contains(t, out, "be brief")

	poll, err := RenderPollPrompt("/repo", nil, "")
	require.NoError(t, err)
	assert.Contains(t, poll, "(none)")
}
