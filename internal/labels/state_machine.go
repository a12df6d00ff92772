// Package labels encodes the verification state machine as labels on beats.
//
// State Flow:
//   - none → verification (entry: edit-lock + stage:verification, stale stage:retry cleared)
//   - verification → none (pass: lock and stage removed, beat closed by the caller)
//   - verification → retry (fail-*: lock removed, stage:retry, attempts:<n+1>)
//   - verification → retry (verifier crash/timeout: lock removed, stage:retry, attempts kept)
//
// The Stage enum is the source of truth; labels are its serialization. Every
// transition is a Delta of labels to add and remove, applied in one update.
package labels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/beatline/conductor/internal/types"
)

// Labels written onto beats.
const (
	// LabelEditLock marks a beat mid-verification; humans should not edit it
	LabelEditLock = "transition:verification"
	// LabelStageVerification indicates the verifier is (or should be) running
	LabelStageVerification = "stage:verification"
	// LabelStageRetry indicates the implementation must be redone
	LabelStageRetry = "stage:retry"
	// LabelWaveContainer tags epics created by the orchestration apply step
	LabelWaveContainer = "orchestration:wave"

	PrefixCommit   = "commit:"
	PrefixAttempts = "attempts:"
	PrefixWaveSlug = "wave-slug:"
	prefixStage    = "stage:"
	prefixLock     = "transition:"
)

// Stage is the verification stage a beat is in.
type Stage int

const (
	StageNone Stage = iota
	StageVerification
	StageRetry
)

func (s Stage) String() string {
	switch s {
	case StageVerification:
		return "verification"
	case StageRetry:
		return "retry"
	}
	return "none"
}

// Label returns the stage label, or "" for StageNone.
func (s Stage) Label() string {
	switch s {
	case StageVerification:
		return LabelStageVerification
	case StageRetry:
		return LabelStageRetry
	}
	return ""
}

// State is the decoded verification state of one beat.
type State struct {
	Stage    Stage
	Locked   bool
	Attempts int
	Commit   string
}

// Parse decodes the verification state from a label set.
// When both stage labels are present verification wins.
func Parse(labels []string) State {
	var st State
	hasRetry := false
	for _, l := range labels {
		switch {
		case l == LabelEditLock:
			st.Locked = true
		case l == LabelStageVerification:
			st.Stage = StageVerification
		case l == LabelStageRetry:
			hasRetry = true
		case strings.HasPrefix(l, PrefixAttempts):
			if n, err := strconv.Atoi(strings.TrimPrefix(l, PrefixAttempts)); err == nil && n > st.Attempts {
				st.Attempts = n
			}
		case strings.HasPrefix(l, PrefixCommit):
			st.Commit = strings.TrimPrefix(l, PrefixCommit)
		}
	}
	if st.Stage == StageNone && hasRetry {
		st.Stage = StageRetry
	}
	return st
}

// Delta is a set of label additions and removals.
type Delta struct {
	Add    []string
	Remove []string
}

// IsEmpty reports whether applying d changes nothing.
func (d Delta) IsEmpty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// Apply returns labels with d applied.
func (d Delta) Apply(labels []string) []string {
	return types.ApplyLabelDelta(labels, d.Add, d.Remove)
}

// Update converts d into a beat update.
func (d Delta) Update() types.UpdateInput {
	return types.UpdateInput{AddLabels: d.Add, RemoveLabels: d.Remove}
}

// EntryDelta moves a beat into verification. It is empty when the beat is
// already fully entered, so applying it twice yields the same label set.
func EntryDelta(labels []string) Delta {
	var d Delta
	has := set(labels)
	if !has[LabelEditLock] {
		d.Add = append(d.Add, LabelEditLock)
	}
	if !has[LabelStageVerification] {
		d.Add = append(d.Add, LabelStageVerification)
	}
	if has[LabelStageRetry] {
		d.Remove = append(d.Remove, LabelStageRetry)
	}
	return d
}

// PassDelta clears the lock and every stage label.
func PassDelta(labels []string) Delta {
	return Delta{Remove: lockAndStage(labels)}
}

// RetryDelta clears the lock, sets stage:retry and records the next attempt.
func RetryDelta(labels []string) (Delta, int) {
	next := Parse(labels).Attempts + 1
	d := Delta{Remove: lockAndStage(labels)}
	d.Remove = append(d.Remove, attemptLabels(labels)...)
	d.Add = []string{LabelStageRetry, AttemptsLabel(next)}
	return d.net(), next
}

// CrashDelta clears the lock and sets stage:retry without counting an attempt.
func CrashDelta(labels []string) Delta {
	d := Delta{Remove: lockAndStage(labels)}
	d.Add = []string{LabelStageRetry}
	return d.net()
}

// net drops removals that are immediately re-added.
func (d Delta) net() Delta {
	add := set(d.Add)
	var remove []string
	for _, l := range d.Remove {
		if !add[l] {
			remove = append(remove, l)
		}
	}
	d.Remove = remove
	return d
}

// AttemptsLabel serializes an attempt count.
func AttemptsLabel(n int) string {
	return PrefixAttempts + strconv.Itoa(n)
}

// CommitLabel serializes a commit marker.
func CommitLabel(hash string) string {
	return PrefixCommit + hash
}

// WaveSlugLabel serializes a wave slug.
func WaveSlugLabel(slug string) string {
	return PrefixWaveSlug + slug
}

// WaveSlug returns the slug carried by a wave container, if any.
func WaveSlug(labels []string) string {
	for _, l := range labels {
		if strings.HasPrefix(l, PrefixWaveSlug) {
			return strings.TrimPrefix(l, PrefixWaveSlug)
		}
	}
	return ""
}

// IsWaveContainer reports whether labels mark an orchestration wave.
func IsWaveContainer(labels []string) bool {
	return set(labels)[LabelWaveContainer]
}

func lockAndStage(labels []string) []string {
	var out []string
	for _, l := range labels {
		if strings.HasPrefix(l, prefixLock) || strings.HasPrefix(l, prefixStage) {
			out = append(out, l)
		}
	}
	return out
}

func attemptLabels(labels []string) []string {
	var out []string
	for _, l := range labels {
		if strings.HasPrefix(l, PrefixAttempts) {
			out = append(out, l)
		}
	}
	return out
}

func set(labels []string) map[string]bool {
	m := make(map[string]bool, len(labels))
	for _, l := range labels {
		m[l] = true
	}
	return m
}

// Updater is the subset of the backend port a transition needs.
type Updater interface {
	Update(ctx context.Context, repoPath, id string, input types.UpdateInput) (*types.Beat, error)
}

// Transition applies delta to a beat in one update, merged with extra field
// changes. An empty delta with no extra changes is a no-op.
func Transition(ctx context.Context, store Updater, repoPath, id string, delta Delta, extra types.UpdateInput, trigger string) (*types.Beat, error) {
	update := extra
	update.AddLabels = append(update.AddLabels, delta.Add...)
	update.RemoveLabels = append(update.RemoveLabels, delta.Remove...)
	if update.IsEmpty() {
		return nil, nil
	}
	beat, err := store.Update(ctx, repoPath, id, update)
	if err != nil {
		return nil, fmt.Errorf("label transition %s on %s: %w", trigger, id, err)
	}
	slog.Debug("label transition", "beat", id, "trigger", trigger, "add", delta.Add, "remove", delta.Remove)
	return beat, nil
}
