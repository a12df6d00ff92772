package orchestration

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/beatline/conductor/internal/types"
)

// mentionPattern matches beat ids such as "proj-a1b2" or "proj-a1b2.3.1".
var mentionPattern = regexp.MustCompile(`\b[A-Za-z0-9]+-[A-Za-z0-9]+(?:\.\d+)*\b`)

// ExtractMentions returns the distinct beat-id-shaped tokens in text, in
// order of first appearance.
func ExtractMentions(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// promptData feeds planTemplate.
type promptData struct {
	RepoPath   string
	Objective  string
	Scoped     bool
	Beats      []promptBeat
	Unresolved []string
	StartTag   string
	EndTag     string
}

type promptBeat struct {
	ID        string
	Title     string
	Type      types.BeatType
	Priority  int
	State     string
	Parent    string
	BlockedBy []string
}

// planTemplate defines the orchestration prompt.
const planTemplate = `# ORCHESTRATION PLANNING

You are planning execution of the work items in the repository at {{.RepoPath}}.
Partition the items below into ordered waves. Every item in a wave may be worked
on in parallel; a later wave starts only after the earlier waves are finished.

{{if .Objective -}}
## Objective
{{.Objective}}

{{end -}}
## Items {{if .Scoped}}in scope{{else}}(all open work){{end}} ({{len .Beats}})
{{range .Beats -}}
- {{.ID}} [{{.Type}}, P{{.Priority}}, {{.State}}] {{.Title}}
{{- if .Parent}} (parent: {{.Parent}}){{end}}
{{- if .BlockedBy}} (blocked by: {{join .BlockedBy ", "}}){{end}}
{{end}}
{{if .Unresolved -}}
## Unresolved references
These ids were mentioned in the objective but are not open work items. Do not
place them in any wave:
{{range .Unresolved -}}
- {{.}}
{{end}}
{{end -}}
## Hard rules
1. Ordering must respect dependencies: an item never appears in an earlier wave
   than any item blocking it.
2. Every item listed above must appear in exactly one wave or in
   unassignedBeadIds. Never invent ids that are not listed above.
3. Prefer few waves with meaningful parallelism over many single-item waves.

## Output protocol
Write one JSON object per line, with nothing else on the line.

Stage 1, progress (any number of lines):
{"event":"thinking","text":"<short progress note>"}

Stage 2, one line per wave as soon as it is decided:
{"event":"wave_draft","wave":{"index":1,"name":"<short name>","objective":"<goal>","agents":[{"role":"<role>","count":1}],"beads":[{"id":"<id>","title":"<title>"}],"notes":"<notes>"}}

Stage 3, exactly one final line with the complete plan:
{"event":"plan_final","plan":{"summary":"<one paragraph>","waves":[...],"unassignedBeadIds":["<id>"],"assumptions":["<assumption>"]}}

Finally repeat the same final plan JSON between these tags:
{{.StartTag}}
{...}
{{.EndTag}}
`

// PromptBuilder renders orchestration prompts.
type PromptBuilder struct {
	template *template.Template
}

// NewPromptBuilder parses the orchestration prompt template.
func NewPromptBuilder() (*PromptBuilder, error) {
	tmpl, err := template.New("plan").Funcs(template.FuncMap{
		"join": strings.Join,
	}).Parse(planTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse orchestration template: %w", err)
	}
	return &PromptBuilder{template: tmpl}, nil
}

// scope is the result of resolving an objective against the eligible set.
type scope struct {
	beats      []*types.Beat
	unresolved []string
	scoped     bool
}

// resolveScope narrows eligible to the beats the objective mentions plus
// their eligible descendants. With no resolvable mention the whole eligible
// set is in scope.
func resolveScope(objective string, eligible []*types.Beat) scope {
	byID := make(map[string]*types.Beat, len(eligible))
	children := make(map[string][]string)
	for _, b := range eligible {
		byID[b.ID] = b
		if b.Parent != "" {
			children[b.Parent] = append(children[b.Parent], b.ID)
		}
	}

	var sc scope
	include := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if include[id] {
			return
		}
		include[id] = true
		for _, c := range children[id] {
			walk(c)
		}
	}
	for _, id := range ExtractMentions(objective) {
		if _, ok := byID[id]; ok {
			walk(id)
		} else {
			sc.unresolved = append(sc.unresolved, id)
		}
	}
	if len(include) == 0 {
		sc.beats = eligible
		return sc
	}
	sc.scoped = true
	for _, b := range eligible {
		if include[b.ID] {
			sc.beats = append(sc.beats, b)
		}
	}
	return sc
}

// Build renders the prompt for sc. deps maps a beat id to the ids blocking it.
func (pb *PromptBuilder) Build(repoPath, objective string, sc scope, deps map[string][]string) (string, error) {
	data := promptData{
		RepoPath:   repoPath,
		Objective:  strings.TrimSpace(objective),
		Scoped:     sc.scoped,
		Unresolved: sc.unresolved,
		StartTag:   PlanStartTag,
		EndTag:     PlanEndTag,
	}
	for _, b := range sc.beats {
		blockers := append([]string(nil), deps[b.ID]...)
		sort.Strings(blockers)
		data.Beats = append(data.Beats, promptBeat{
			ID:        b.ID,
			Title:     b.Title,
			Type:      b.Type,
			Priority:  b.Priority,
			State:     b.State,
			Parent:    b.Parent,
			BlockedBy: blockers,
		})
	}
	var buf bytes.Buffer
	if err := pb.template.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render orchestration prompt: %w", err)
	}
	return buf.String(), nil
}
