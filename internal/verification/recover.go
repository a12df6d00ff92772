package verification

import (
	"context"
	"fmt"

	"github.com/beatline/conductor/internal/labels"
	"github.com/beatline/conductor/internal/types"
)

// Stale is a beat left carrying the edit-lock label with no verification
// running for it in this process.
type Stale struct {
	ID     string      `json:"id"`
	Title  string      `json:"title"`
	State  string      `json:"state"`
	Stage  string      `json:"stage"`
	Commit string      `json:"commit,omitempty"`
	Beat   *types.Beat `json:"-"`
}

// Recover lists beats whose edit-lock outlived the process that set it.
// It only reports; clearing the lock is left to the operator.
func (v *Verifier) Recover(ctx context.Context, repoPath string) ([]Stale, error) {
	beats, err := v.cfg.Backend.List(ctx, repoPath, types.Filter{Label: labels.LabelEditLock, IncludeClosed: true})
	if err != nil {
		return nil, fmt.Errorf("list locked beats: %w", err)
	}
	var out []Stale
	for _, b := range beats {
		if v.IsLocked(b.ID) {
			continue
		}
		st := labels.Parse(b.Labels)
		out = append(out, Stale{ID: b.ID, Title: b.Title, State: b.State, Stage: st.Stage.String(), Commit: st.Commit, Beat: b})
	}
	if len(out) > 0 {
		v.cfg.Logger.Warn("beats left mid-verification", "repo", repoPath, "count", len(out))
	}
	return out, nil
}
