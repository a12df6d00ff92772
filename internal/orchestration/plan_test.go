package orchestration

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beatline/conductor/internal/types"
)

func knownOf(pairs ...string) *knownSet {
	k := newKnownSet()
	for i := 0; i+1 < len(pairs); i += 2 {
		k.add(pairs[i], pairs[i+1])
	}
	return k
}

func TestNormalizePlan(t *testing.T) {
	known := knownOf("a-1", "Alpha", "a-2", "Beta", "a-3", "Gamma", "a-4", "Delta")
	input := `{"summary":" s ","waves":[
		{"index":2,"name":"Second","beads":["a-3","x-9"]},
		{"name":"","beads":[{"id":"a-1"},"a-1",{"id":"a-2","title":"Custom"}]},
		{"index":1,"name":"First","beats":["a-2"],"agents":[{"role":"backend"},{"role":""}]}
	],"unassignedBeadIds":["a-3","a-4","a-4"],"assumptions":"single"}`

	var raw rawPlan
	require.NoError(t, json.Unmarshal([]byte(input), &raw))
	plan := normalizePlan(raw, known)

	require.Len(t, plan.Waves, 3)
	assert.Equal(t, "s", plan.Summary)
	assert.Equal(t, []string{"single"}, plan.Assumptions)

	first := plan.Waves[0]
	assert.Equal(t, 1, first.Index)
	assert.Equal(t, "First", first.Name)
	assert.Equal(t, []BeatRef{{ID: "a-2", Title: "Beta"}}, first.Beats)
	assert.Equal(t, []AgentSpec{{Role: "backend", Count: 1}}, first.Agents)

	second := plan.Waves[1]
	assert.Equal(t, 2, second.Index)
	assert.Equal(t, []BeatRef{{ID: "a-3", Title: "Gamma"}}, second.Beats)
	assert.Equal(t, []string{"x-9"}, second.ExternalIDs)

	third := plan.Waves[2]
	assert.Equal(t, 3, third.Index)
	assert.Equal(t, "Wave 3", third.Name)
	assert.Equal(t, []BeatRef{{ID: "a-1", Title: "Alpha"}}, third.Beats)

	assert.Equal(t, []string{"a-4"}, plan.UnassignedBeatIDs)
}

func TestNormalizedPlanInvariants(t *testing.T) {
	known := knownOf("a-1", "", "a-2", "", "a-3", "")
	inputs := []string{
		`{"waves":[{"beads":["a-1","zz-1"]},{"beads":["a-1","a-2"]}],"unassignedBeadIds":["a-2","a-1","q-1"]}`,
		`{"waves":[]}`,
		`{"waves":[{"index":5,"beads":["a-3"]},{"index":5,"beads":["a-3","a-1"]}]}`,
	}
	for _, in := range inputs {
		var raw rawPlan
		require.NoError(t, json.Unmarshal([]byte(in), &raw), in)
		plan := normalizePlan(raw, known)

		claimed := map[string]bool{}
		indexes := map[int]bool{}
		for _, w := range plan.Waves {
			assert.False(t, indexes[w.Index], "duplicate wave index in %s", in)
			indexes[w.Index] = true
			for _, b := range w.Beats {
				assert.True(t, known.has(b.ID), "unknown id %s in wave", b.ID)
				assert.False(t, claimed[b.ID], "id %s claimed twice", b.ID)
				claimed[b.ID] = true
				assert.NotEmpty(t, b.Title)
			}
		}
		for _, id := range plan.UnassignedBeatIDs {
			assert.False(t, claimed[id], "unassigned %s is also claimed", id)
		}
		for _, id := range known.order {
			assert.True(t, claimed[id] || contains(plan.UnassignedBeatIDs, id), "known %s dropped", id)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestTitleFallsBackToID(t *testing.T) {
	known := knownOf("a-1", "")
	plan := normalizePlan(rawPlan{Waves: []rawWave{{Beads: []rawRef{{ID: "a-1"}}}}}, known)
	assert.Equal(t, "a-1", plan.Waves[0].Beats[0].Title)
}

func TestLivePlanSortsDrafts(t *testing.T) {
	known := knownOf("a-1", "A", "a-2", "B", "a-3", "C")
	drafts := map[int]rawWave{
		2: {Index: 2, Beads: []rawRef{{ID: "a-2"}}},
		1: {Index: 1, Beads: []rawRef{{ID: "a-1"}}},
	}
	plan := livePlan(drafts, known)
	require.Len(t, plan.Waves, 2)
	assert.Equal(t, 1, plan.Waves[0].Index)
	assert.Equal(t, 2, plan.Waves[1].Index)
	assert.Equal(t, []string{"a-3"}, plan.UnassignedBeatIDs)
}

func TestExtractTaggedPlan(t *testing.T) {
	block := func(body string) string { return PlanStartTag + "\n" + body + "\n" + PlanEndTag }
	tests := []struct {
		name  string
		text  string
		ok    bool
		waves int
	}{
		{"plain", "Here it is\n" + block(`{"waves":[{"index":1,"beads":["a-1"]}]}`) + "\nbye", true, 1},
		{"fenced", block("```json\n" + `{"waves":[{"beads":["a-1"]},{"beads":["a-2"]}]}` + "\n```"), true, 2},
		{"last block wins", block(`{"waves":[]}`) + block(`{"waves":[{"beads":["a-1"]}]}`), true, 1},
		{"no end tag", PlanStartTag + `{"waves":[]}`, false, 0},
		{"no start tag", `{"waves":[]}` + PlanEndTag, false, 0},
		{"bad json", block(`{"waves":[`), false, 0},
		{"bad ref", block(`{"waves":[{"beads":[42]}]}`), false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, ok := extractTaggedPlan(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Len(t, raw.Waves, tt.waves)
		})
	}
}

func TestExtractMentions(t *testing.T) {
	got := ExtractMentions("Finish demo-1 and demo-2.1, then demo-1 again (see ABC-x9)")
	assert.Equal(t, []string{"demo-1", "demo-2.1", "ABC-x9"}, got)
	assert.Empty(t, ExtractMentions("nothing here"))
}

func TestResolveScope(t *testing.T) {
	eligible := []*types.Beat{
		{ID: "a-1", Title: "root"},
		{ID: "a-1.1", Title: "child", Parent: "a-1"},
		{ID: "a-1.1.1", Title: "grandchild", Parent: "a-1.1"},
		{ID: "a-2", Title: "other"},
	}

	sc := resolveScope("focus on a-1 and zz-9", eligible)
	assert.True(t, sc.scoped)
	assert.Equal(t, []string{"zz-9"}, sc.unresolved)
	var ids []string
	for _, b := range sc.beats {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []string{"a-1", "a-1.1", "a-1.1.1"}, ids)

	all := resolveScope("just plan everything", eligible)
	assert.False(t, all.scoped)
	assert.Len(t, all.beats, 4)

	unresolvedOnly := resolveScope("what about zz-9", eligible)
	assert.False(t, unresolvedOnly.scoped)
	assert.Len(t, unresolvedOnly.beats, 4)
	assert.Equal(t, []string{"zz-9"}, unresolvedOnly.unresolved)
}

func TestPromptBuild(t *testing.T) {
	pb, err := NewPromptBuilder()
	require.NoError(t, err)
	sc := scope{
		beats: []*types.Beat{
			{ID: "a-1", Title: "Schema", Type: types.TypeTask, Priority: 1, State: "open"},
			{ID: "a-2", Title: "API", Type: types.TypeFeature, Priority: 2, State: "blocked", Parent: "a-0"},
		},
		unresolved: []string{"zz-9"},
		scoped:     true,
	}
	out, err := pb.Build("/repo", "Ship the API", sc, map[string][]string{"a-2": {"a-1"}})
	require.NoError(t, err)

	for _, want := range []string{
		"/repo",
		"## Objective\nShip the API",
		"## Items in scope (2)",
		"- a-1 [task, P1, open] Schema",
		"- a-2 [feature, P2, blocked] API (parent: a-0) (blocked by: a-1)",
		"- zz-9",
		`{"event":"wave_draft"`,
		`{"event":"plan_final"`,
		PlanStartTag,
		PlanEndTag,
	} {
		assert.Contains(t, out, want)
	}
	assert.False(t, strings.Contains(out, "<no value>"))
}

func TestLineBuffer(t *testing.T) {
	var lb lineBuffer
	assert.Empty(t, lb.write("ab"))
	assert.Equal(t, []string{"abcd", "ef"}, lb.write("cd\r\nef\ngh"))
	tail, ok := lb.flush()
	assert.True(t, ok)
	assert.Equal(t, "gh", tail)
	_, ok = lb.flush()
	assert.False(t, ok)
}

func TestParseProtocolLine(t *testing.T) {
	pl, ok := parseProtocolLine(`  {"event":"thinking","text":"hmm"} `)
	require.True(t, ok)
	assert.Equal(t, "hmm", pl.note())

	_, ok = parseProtocolLine(`{"type":"other"}`)
	assert.False(t, ok)
	_, ok = parseProtocolLine(`plain text`)
	assert.False(t, ok)
	_, ok = parseProtocolLine(`{"event":`)
	assert.False(t, ok)
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Foundations & Schema", "foundations-schema"},
		{"  --API v2--  ", "api-v2"},
		{"!!!", ""},
		{strings.Repeat("long ", 20), "long-long-long-long-long-long-long-long"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
}

func TestSlugAllocator(t *testing.T) {
	a := newSlugAllocator([]string{"base", "", "taken"})
	assert.Equal(t, "base-2", a.allocate("", "Base", 1))
	assert.Equal(t, "base-3", a.allocate("", "Base", 2))
	assert.Equal(t, "custom", a.allocate("custom", "Base", 3))
	assert.Equal(t, "custom-2", a.allocate("custom", "Custom", 4))
	assert.Equal(t, "wave-5", a.allocate("Not Valid", "!!!", 5))
	assert.Equal(t, "base-4", a.allocate("taken", "Base", 6))
}
