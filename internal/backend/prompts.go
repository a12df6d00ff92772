package backend

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/beatline/conductor/internal/types"
)

// TakePromptOptions customizes the prompt handed to an agent taking work.
// ChildIDs switches to the group (scene) form: the agent works every listed
// child of the parent beat.
type TakePromptOptions struct {
	ChildIDs     []string `json:"childIds,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// PollPromptOptions customizes the prompt asking an agent to pick work.
type PollPromptOptions struct {
	Limit        int    `json:"limit,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

const takeTemplate = `# YOUR TASK

**Beat**: {{.Beat.ID}} - {{.Beat.Title}}
- Type: {{.Beat.Type}}
- Priority: P{{.Beat.Priority}}
- State: {{.Beat.State}}
{{if .Beat.Description}}
## Description
{{.Beat.Description}}
{{end}}{{if .Beat.Acceptance}}
## Acceptance Criteria
{{.Beat.Acceptance}}
{{end}}{{if .Beat.Notes}}
## Notes
{{.Beat.Notes}}
{{end}}{{if .Children}}
# GROUP

Work the following beats as one unit, in the listed order:
{{range .Children -}}
- {{.ID}}: {{.Title}} [{{.State}}]
{{end}}{{end}}
# INSTRUCTIONS

- Implement the work described above in the repository at {{.RepoPath}}.
- Commit your changes and record the commit with the label commit:<hash> on each beat you changed.
- Do not close beats yourself; verification closes them.
{{if .Instructions}}- {{.Instructions}}
{{end}}`

const pollTemplate = `# READY WORK

The following beats in {{.RepoPath}} are ready to be claimed:
{{range .Ready -}}
- {{.ID}} (P{{.Priority}}, {{.Type}}): {{.Title}}
{{else -}}
(none)
{{end}}
Pick the single highest-value beat, claim it by moving it to its active state, and work it to completion.
{{if .Instructions}}{{.Instructions}}
{{end}}`

var (
	takeTmpl = template.Must(template.New("take").Parse(takeTemplate))
	pollTmpl = template.Must(template.New("poll").Parse(pollTemplate))
)

// RenderTakePrompt renders the take prompt for beat and optional children.
func RenderTakePrompt(repoPath string, beat *types.Beat, children []*types.Beat, instructions string) (string, error) {
	var buf bytes.Buffer
	err := takeTmpl.Execute(&buf, map[string]any{
		"RepoPath":     repoPath,
		"Beat":         beat,
		"Children":     children,
		"Instructions": strings.TrimSpace(instructions),
	})
	if err != nil {
		return "", Internal("render take prompt: %v", err)
	}
	return buf.String(), nil
}

// RenderPollPrompt renders the poll prompt over ready beats.
func RenderPollPrompt(repoPath string, ready []*types.Beat, instructions string) (string, error) {
	var buf bytes.Buffer
	err := pollTmpl.Execute(&buf, map[string]any{
		"RepoPath":     repoPath,
		"Ready":        ready,
		"Instructions": strings.TrimSpace(instructions),
	})
	if err != nil {
		return "", Internal("render poll prompt: %v", err)
	}
	return buf.String(), nil
}

// reader is the subset of Backend the default prompt builders need.
type reader interface {
	Get(ctx context.Context, repoPath, id string) (*types.Beat, error)
	ListReady(ctx context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error)
}

// DefaultTakePrompt builds a take prompt from store reads. Adapters without
// a native prompt of their own delegate here.
func DefaultTakePrompt(ctx context.Context, b reader, repoPath, id string, opts TakePromptOptions) (string, error) {
	beat, err := b.Get(ctx, repoPath, id)
	if err != nil {
		return "", err
	}
	var children []*types.Beat
	for _, cid := range opts.ChildIDs {
		child, err := b.Get(ctx, repoPath, cid)
		if err != nil {
			return "", fmt.Errorf("child %s: %w", cid, err)
		}
		children = append(children, child)
	}
	return RenderTakePrompt(repoPath, beat, children, opts.Instructions)
}

// DefaultPollPrompt builds a poll prompt from ListReady.
func DefaultPollPrompt(ctx context.Context, b reader, repoPath string, opts PollPromptOptions) (string, error) {
	ready, err := b.ListReady(ctx, repoPath, types.Filter{Limit: opts.Limit})
	if err != nil {
		return "", err
	}
	return RenderPollPrompt(repoPath, ready, opts.Instructions)
}
