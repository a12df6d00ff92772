package backend

import (
	"sort"
	"strings"

	"github.com/beatline/conductor/internal/types"
	"github.com/beatline/conductor/internal/workflow"
)

// DottedParent returns the nominal parent of a hierarchical id
// ("app-12.3" -> "app-12"), or "" for a top-level id.
func DottedParent(id string) string {
	i := strings.LastIndex(id, ".")
	if i <= 0 {
		return ""
	}
	if _, err := parseUint(id[i+1:]); err != nil {
		return ""
	}
	return id[:i]
}

func parseUint(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, InvalidInput("empty number")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, InvalidInput("not a number: %s", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

// ResolveParents sets Parent on every beat. An explicit edge (child -> parent)
// wins over the dotted-id convention. Parents that do not exist in beats, and
// any assignment that would close a cycle, leave the beat top-level.
func ResolveParents(beats []*types.Beat, explicit map[string]string) {
	byID := make(map[string]*types.Beat, len(beats))
	for _, b := range beats {
		byID[b.ID] = b
	}
	parent := make(map[string]string, len(beats))
	for _, b := range beats {
		p, ok := explicit[b.ID]
		if !ok {
			p = DottedParent(b.ID)
		}
		if p == b.ID {
			p = ""
		}
		if _, exists := byID[p]; !exists {
			p = ""
		}
		parent[b.ID] = p
	}
	for _, b := range beats {
		if createsCycle(parent, b.ID) {
			parent[b.ID] = ""
		}
		b.Parent = parent[b.ID]
	}
}

func createsCycle(parent map[string]string, id string) bool {
	seen := map[string]bool{id: true}
	for cur := parent[id]; cur != ""; cur = parent[cur] {
		if seen[cur] {
			return true
		}
		seen[cur] = true
	}
	return false
}

// ReadyBeats keeps beats that are queued for their owner and have no
// unfinished blocker. wfOf resolves each beat's workflow.
func ReadyBeats(beats []*types.Beat, deps []types.Dependency, wfOf func(*types.Beat) *types.WorkflowDescriptor) []*types.Beat {
	byID := make(map[string]*types.Beat, len(beats))
	for _, b := range beats {
		byID[b.ID] = b
	}
	blocked := make(map[string]bool)
	for _, d := range deps {
		if d.Type.OrDefault() != types.DepBlocks {
			continue
		}
		blocker, ok := byID[d.Source]
		if ok && workflow.IsTerminal(wfOf(blocker), blocker.State) {
			continue
		}
		blocked[d.Target] = true
	}
	var out []*types.Beat
	for _, b := range beats {
		if blocked[b.ID] {
			continue
		}
		if workflow.Classify(wfOf(b), b.State).Phase != workflow.PhaseQueued {
			continue
		}
		out = append(out, b)
	}
	return out
}

// SortBeats orders by priority, then creation time, then id.
func SortBeats(beats []*types.Beat) {
	sort.SliceStable(beats, func(i, j int) bool {
		a, b := beats[i], beats[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Limit truncates beats to n when n is positive.
func Limit(beats []*types.Beat, n int) []*types.Beat {
	if n > 0 && len(beats) > n {
		return beats[:n]
	}
	return beats
}
