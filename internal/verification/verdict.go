package verification

import (
	"bytes"
	"regexp"
	"strings"
	"text/template"

	"github.com/beatline/conductor/internal/types"
)

// Result tokens a verifier may report.
const (
	TokenPass             = "pass"
	TokenFailRequirements = "fail-requirements"
	TokenFailBugs         = "fail-bugs"
	TokenFailTests        = "fail-tests"

	maxSummaryLen = 1000
)

var (
	resultPattern  = regexp.MustCompile(`(?m)^[\s*>#-]*VERIFICATION_RESULT:\s*\**\s*([A-Za-z][A-Za-z-]*)`)
	summaryPattern = regexp.MustCompile(`(?m)^[\s*>#-]*REJECTION_SUMMARY:\s*(.+)$`)
)

// Verdict is what a verifier reported.
type Verdict struct {
	Token    string
	Summary  string
	ExitCode int
	TimedOut bool
}

// Failed reports whether the verifier rejected the work.
func (v Verdict) Failed() bool {
	return strings.HasPrefix(v.Token, "fail-")
}

// Scan finds the last VERIFICATION_RESULT token in output. For rejections
// the summary is the last REJECTION_SUMMARY line, else the text right
// before the token.
func Scan(output string) Verdict {
	matches := resultPattern.FindAllStringSubmatchIndex(output, -1)
	if len(matches) == 0 {
		return Verdict{}
	}
	last := matches[len(matches)-1]
	v := Verdict{Token: strings.ToLower(output[last[2]:last[3]])}
	if !v.Failed() {
		return v
	}
	if sums := summaryPattern.FindAllStringSubmatch(output, -1); len(sums) > 0 {
		v.Summary = truncate(strings.TrimSpace(sums[len(sums)-1][1]))
	}
	if v.Summary == "" {
		v.Summary = truncate(preceding(output[:last[0]]))
	}
	if v.Summary == "" {
		v.Summary = "no details given"
	}
	return v
}

// preceding returns the last paragraph of text.
func preceding(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.LastIndex(text, "\n\n"); i >= 0 {
		text = text[i+2:]
	}
	return strings.Join(strings.Fields(text), " ")
}

func truncate(s string) string {
	if len(s) <= maxSummaryLen {
		return s
	}
	return s[:maxSummaryLen] + "..."
}

const promptTemplate = `You are verifying work another agent just finished in the repository at {{.RepoPath}}.

## Beat {{.Beat.ID}}: {{.Beat.Title}}
Type: {{.Beat.Type}}, priority P{{.Beat.Priority}}, state {{.Beat.State}}
Commit under review: {{.Commit}}
{{if .Beat.Description}}
### Description
{{.Beat.Description}}
{{end}}{{if .Beat.Acceptance}}
### Acceptance criteria
{{.Beat.Acceptance}}
{{end}}{{if .Beat.Notes}}
### Notes so far
{{.Beat.Notes}}
{{end}}
## What to do
1. Inspect the commit (for example with git show {{.Commit}}) and the code it touches.
2. Check it against the description and acceptance criteria.
3. Run the relevant tests if the repository has them.
4. Do not modify any files.

## Output
End your answer with exactly one line:
VERIFICATION_RESULT: pass | fail-requirements | fail-bugs | fail-tests

When the result is not pass, put one line before it:
REJECTION_SUMMARY: <what must change, in one sentence>
`

var promptTmpl = template.Must(template.New("verify").Parse(promptTemplate))

func renderPrompt(repoPath string, beat *types.Beat, commit string) (string, error) {
	var buf bytes.Buffer
	err := promptTmpl.Execute(&buf, map[string]any{
		"RepoPath": repoPath,
		"Beat":     beat,
		"Commit":   commit,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
