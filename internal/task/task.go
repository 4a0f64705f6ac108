package task

import (
	"log"
	"strings"

	"github.com/stellarlink/pilot-swe/internal/pathsafe"
)

// Kind distinguishes the two pipeline triggers.
type Kind string

const (
	// NewImplementation is a fresh feature/bug task from an issue.
	NewImplementation Kind = "new_implementation"
	// FeedbackRevision is reviewer feedback on an existing change request.
	FeedbackRevision Kind = "feedback_revision"
)

// Task is the canonical unit of work fed into the pipeline. It is created
// once per invocation from the triggering event and immutable thereafter.
type Task struct {
	Kind    Kind
	Content string
	// Feedback carries prior reviewer feedback; set only for FeedbackRevision.
	Feedback string
	// TargetBranch backs the existing change request; set only for
	// FeedbackRevision, sanitized before use.
	TargetBranch string

	Repo   string // owner/name
	Number int
	Title  string
	Actor  string
}

// Branch resolves the branch the pipeline should commit to: the sanitized
// target branch when present, else the deterministic derived name.
func (t *Task) Branch() string {
	if t.TargetBranch != "" {
		return t.TargetBranch
	}
	return pathsafe.DeriveBranchName(t.Number)
}

// NormalizeIssue builds a NewImplementation task from an issue trigger.
func NormalizeIssue(repo string, number int, title, body, actor string) *Task {
	content := strings.TrimSpace(Sanitize(title))
	if cleaned := strings.TrimSpace(Sanitize(body)); cleaned != "" {
		if content != "" {
			content += "\n\n"
		}
		content += cleaned
	}
	return &Task{
		Kind:    NewImplementation,
		Content: content,
		Repo:    repo,
		Number:  number,
		Title:   strings.TrimSpace(title),
		Actor:   actor,
	}
}

// NormalizeFeedback builds a FeedbackRevision task from reviewer feedback on
// an open change request. Prior feedback comments are folded in so the
// generation loop sees the whole review conversation, newest last. An
// unsanitizable branch name falls back to the deterministic derived name
// rather than aborting.
func NormalizeFeedback(repo string, prNumber int, title, body, actor, headBranch string, feedback []string) *Task {
	branch, err := pathsafe.SanitizeBranch(headBranch)
	if err != nil {
		branch = pathsafe.FallbackBranchName(prNumber)
		log.Printf("[Task] Branch %q failed sanitization, using %s: %v", headBranch, branch, err)
	}

	cleaned := make([]string, 0, len(feedback))
	for _, f := range feedback {
		if s := strings.TrimSpace(Sanitize(f)); s != "" {
			cleaned = append(cleaned, s)
		}
	}

	return &Task{
		Kind:         FeedbackRevision,
		Content:      strings.TrimSpace(Sanitize(title) + "\n\n" + Sanitize(body)),
		Feedback:     strings.Join(cleaned, "\n\n---\n\n"),
		TargetBranch: branch,
		Repo:         repo,
		Number:       prNumber,
		Title:        strings.TrimSpace(title),
		Actor:        actor,
	}
}
