package orchestration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// AgentSpec is one agent role a wave calls for.
type AgentSpec struct {
	Role      string `json:"role"`
	Count     int    `json:"count"`
	Specialty string `json:"specialty,omitempty"`
}

// BeatRef names one beat inside a wave.
type BeatRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Wave is a dependency-ordered batch of beats.
type Wave struct {
	Index     int         `json:"index"`
	Name      string      `json:"name"`
	Objective string      `json:"objective"`
	Agents    []AgentSpec `json:"agents,omitempty"`
	Beats     []BeatRef   `json:"beats"`
	Notes     string      `json:"notes,omitempty"`
	// ExternalIDs are ids the agent referenced that are not known beats yet.
	ExternalIDs []string `json:"externalIds,omitempty"`
}

// Plan is a set of waves plus the beats no wave claimed.
type Plan struct {
	Summary           string   `json:"summary,omitempty"`
	Waves             []Wave   `json:"waves"`
	UnassignedBeatIDs []string `json:"unassignedBeadIds"`
	Assumptions       []string `json:"assumptions,omitempty"`
}

// rawRef accepts a bare id string or an {id, title} object.
type rawRef struct {
	ID    string
	Title string
}

func (r *rawRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	var obj struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.ID, r.Title = obj.ID, obj.Title
	return nil
}

// rawWave is a wave as the agent wrote it. Beads and beats are aliases.
type rawWave struct {
	Index     int         `json:"index"`
	Name      string      `json:"name"`
	Objective string      `json:"objective"`
	Agents    []AgentSpec `json:"agents"`
	Beads     []rawRef    `json:"beads"`
	Beats     []rawRef    `json:"beats"`
	Notes     string      `json:"notes"`
}

func (w rawWave) refs() []rawRef {
	return append(append([]rawRef(nil), w.Beads...), w.Beats...)
}

// rawPlan is a plan as the agent wrote it.
type rawPlan struct {
	Summary     string    `json:"summary"`
	Waves       []rawWave `json:"waves"`
	Unassigned  []string  `json:"unassignedBeadIds"`
	Assumptions []string  `json:"assumptions"`
}

// UnmarshalJSON tolerates assumptions written as one string.
func (p *rawPlan) UnmarshalJSON(data []byte) error {
	type alias rawPlan
	var a struct {
		alias
		Assumptions json.RawMessage `json:"assumptions"`
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = rawPlan(a.alias)
	p.Assumptions = nil
	if len(a.Assumptions) > 0 {
		var list []string
		if err := json.Unmarshal(a.Assumptions, &list); err == nil {
			p.Assumptions = list
		} else {
			var one string
			if err := json.Unmarshal(a.Assumptions, &one); err == nil && strings.TrimSpace(one) != "" {
				p.Assumptions = []string{one}
			}
		}
	}
	return nil
}

// knownSet is the session's snapshot of eligible beats: ids in listing
// order with their titles.
type knownSet struct {
	order  []string
	titles map[string]string
}

func newKnownSet() *knownSet {
	return &knownSet{titles: make(map[string]string)}
}

func (k *knownSet) add(id, title string) {
	if _, ok := k.titles[id]; ok {
		return
	}
	k.order = append(k.order, id)
	k.titles[id] = title
}

func (k *knownSet) has(id string) bool {
	_, ok := k.titles[id]
	return ok
}

// normalizePlan turns an agent plan into a Plan whose waves reference only
// known beats. Refs are deduplicated by id; a beat claimed by more than one
// wave stays in the lowest-indexed one. Waves without an index get the next
// sequential one. Unassigned is the agent's list plus every known beat no
// wave claimed, minus claimed ids.
func normalizePlan(raw rawPlan, known *knownSet) *Plan {
	type indexed struct {
		index int
		raw   rawWave
	}
	used := make(map[int]bool)
	next := 1
	ordered := make([]indexed, 0, len(raw.Waves))
	for _, w := range raw.Waves {
		if w.Index > 0 && !used[w.Index] {
			used[w.Index] = true
			ordered = append(ordered, indexed{w.Index, w})
			continue
		}
		ordered = append(ordered, indexed{0, w})
	}
	for _, o := range ordered {
		if o.index >= next {
			next = o.index + 1
		}
	}
	for i := range ordered {
		if ordered[i].index == 0 {
			ordered[i].index = next
			used[next] = true
			next++
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	plan := &Plan{Summary: strings.TrimSpace(raw.Summary), Assumptions: raw.Assumptions}
	claimed := make(map[string]bool)
	for _, o := range ordered {
		w := Wave{
			Index:     o.index,
			Name:      strings.TrimSpace(o.raw.Name),
			Objective: strings.TrimSpace(o.raw.Objective),
			Notes:     strings.TrimSpace(o.raw.Notes),
			Beats:     []BeatRef{},
		}
		if w.Name == "" {
			w.Name = fmt.Sprintf("Wave %d", w.Index)
		}
		for _, a := range o.raw.Agents {
			if strings.TrimSpace(a.Role) == "" {
				continue
			}
			if a.Count < 1 {
				a.Count = 1
			}
			w.Agents = append(w.Agents, a)
		}
		seen := make(map[string]bool)
		for _, ref := range o.raw.refs() {
			id := strings.TrimSpace(ref.ID)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			if !known.has(id) {
				w.ExternalIDs = append(w.ExternalIDs, id)
				continue
			}
			if claimed[id] {
				continue
			}
			claimed[id] = true
			title := strings.TrimSpace(ref.Title)
			if title == "" {
				title = known.titles[id]
			}
			if title == "" {
				title = id
			}
			w.Beats = append(w.Beats, BeatRef{ID: id, Title: title})
		}
		plan.Waves = append(plan.Waves, w)
	}
	if plan.Waves == nil {
		plan.Waves = []Wave{}
	}

	plan.UnassignedBeatIDs = []string{}
	listed := make(map[string]bool)
	appendUnassigned := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || claimed[id] || listed[id] {
			return
		}
		listed[id] = true
		plan.UnassignedBeatIDs = append(plan.UnassignedBeatIDs, id)
	}
	for _, id := range raw.Unassigned {
		appendUnassigned(id)
	}
	for _, id := range known.order {
		appendUnassigned(id)
	}
	return plan
}

// livePlan builds the in-progress plan from the wave drafts seen so far.
func livePlan(drafts map[int]rawWave, known *knownSet) *Plan {
	raw := rawPlan{Waves: make([]rawWave, 0, len(drafts))}
	for _, w := range drafts {
		raw.Waves = append(raw.Waves, w)
	}
	return normalizePlan(raw, known)
}

// Tags delimiting the final plan block in agent output.
const (
	PlanStartTag = "<orchestration_plan>"
	PlanEndTag   = "</orchestration_plan>"
)

// extractTaggedPlan finds the last complete tag-delimited block in text and
// parses it as a plan. Code fences inside the block are tolerated.
func extractTaggedPlan(text string) (rawPlan, bool) {
	end := strings.LastIndex(text, PlanEndTag)
	if end == -1 {
		return rawPlan{}, false
	}
	start := strings.LastIndex(text[:end], PlanStartTag)
	if start == -1 {
		return rawPlan{}, false
	}
	body := strings.TrimSpace(text[start+len(PlanStartTag) : end])
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)

	var raw rawPlan
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return rawPlan{}, false
	}
	return raw, true
}
