package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlink/pilot-swe/internal/changeset"
	"github.com/stellarlink/pilot-swe/internal/commit"
	"github.com/stellarlink/pilot-swe/internal/task"
)

const (
	// LabelCoded marks change requests produced by the pipeline.
	LabelCoded = "agent-coded"
	// LabelPaused blocks further automated revisions until a human
	// removes it.
	LabelPaused = "agent-paused"

	// iterationMarker is embedded in every revision comment. The feedback
	// counter is the number of markers in the comment history, so it
	// survives restarts and concurrent readers without local state.
	iterationMarker = "<!-- pilot-iteration -->"
	// pausedMarker tags the terminal notice so a threshold crossing is
	// announced exactly once. Markers after it do not count: removing the
	// pause label resumes with a fresh window.
	pausedMarker = "<!-- pilot-paused -->"
)

// ErrFeedbackCeiling is returned when the revision budget for a change
// request is exhausted.
var ErrFeedbackCeiling = errors.New("feedback iteration ceiling reached")

// Result reports how the change request was reconciled.
type Result struct {
	Number int
	URL    string
	Status string // created | updated | failed
}

// Reconciler finds, reopens, or creates the change request for a landed
// commit, and enforces the external review/revise ceiling. That ceiling is
// separate from the generation loop's iteration cap: it bounds how many
// times reviewer feedback may re-trigger the pipeline on one change request.
type Reconciler struct {
	platform Platform
	ceiling  int
}

func New(platform Platform, feedbackCeiling int) *Reconciler {
	if feedbackCeiling <= 0 {
		feedbackCeiling = 3
	}
	return &Reconciler{platform: platform, ceiling: feedbackCeiling}
}

// CheckRevisionBudget decides whether another automated revision of the
// task's change request is allowed. Called before any generation or commit
// work so an exhausted budget wastes nothing.
//
// On the crossing of the ceiling it posts the terminal notice and applies
// the pause label, then returns ErrFeedbackCeiling. Repeat invocations while
// paused return the error without posting again.
func (r *Reconciler) CheckRevisionBudget(ctx context.Context, t *task.Task) error {
	if t.Kind != task.FeedbackRevision {
		return nil
	}

	owner, name, err := splitRepo(t.Repo)
	if err != nil {
		return err
	}

	pr, err := r.findExisting(ctx, owner, name, t)
	if err != nil {
		return err
	}
	if pr == nil {
		return nil
	}

	if hasLabel(pr, LabelPaused) {
		log.Printf("[Reconcile] PR #%d is paused, refusing revision", pr.Number)
		return fmt.Errorf("change request #%d: %w", pr.Number, ErrFeedbackCeiling)
	}

	bodies, err := r.platform.ListCommentBodies(ctx, owner, name, pr.Number)
	if err != nil {
		return fmt.Errorf("failed to recompute feedback counter: %w", err)
	}

	count := countIterations(bodies)
	if count+1 < r.ceiling {
		return nil
	}

	log.Printf("[Reconcile] Feedback ceiling reached on PR #%d (%d prior revisions, ceiling %d)", pr.Number, count, r.ceiling)
	notice := fmt.Sprintf("%s\n\n⏸️ Automated revisions paused: this change request has used its %d revision passes. Remove the `%s` label to let automation resume.",
		pausedMarker, r.ceiling, LabelPaused)
	if err := r.platform.CreateComment(ctx, owner, name, pr.Number, notice); err != nil {
		log.Printf("[Reconcile] Failed to post terminal notice on #%d: %v", pr.Number, err)
	}
	if err := r.platform.AddLabels(ctx, owner, name, pr.Number, []string{LabelPaused}); err != nil {
		log.Printf("[Reconcile] Failed to add pause label on #%d: %v", pr.Number, err)
	}
	return fmt.Errorf("change request #%d: %w", pr.Number, ErrFeedbackCeiling)
}

// Reconcile attaches a successful commit to its change request: updating the
// open one, reopening a closed-but-unmerged one, or creating a new one.
func (r *Reconciler) Reconcile(ctx context.Context, t *task.Task, res *commit.Result, final *changeset.Final) (*Result, error) {
	if res == nil || !res.Pushed {
		return &Result{Status: "failed"}, fmt.Errorf("nothing pushed, nothing to reconcile")
	}

	owner, name, err := splitRepo(t.Repo)
	if err != nil {
		return &Result{Status: "failed"}, err
	}

	pr, err := r.findExisting(ctx, owner, name, t)
	if err != nil {
		return &Result{Status: "failed"}, err
	}

	if pr != nil && pr.State == "closed" && pr.Merged {
		// The earlier change request is immutable history; this commit
		// needs a fresh one.
		pr = nil
	}

	if pr == nil {
		return r.create(ctx, owner, name, t, res, final)
	}

	if pr.State == "closed" {
		log.Printf("[Reconcile] Reopening closed unmerged PR #%d for %s", pr.Number, res.BranchName)
		if err := r.platform.ReopenPull(ctx, owner, name, pr.Number); err != nil {
			return &Result{Number: pr.Number, URL: pr.URL, Status: "failed"}, err
		}
	}

	body := revisionComment(res, final)
	if err := r.platform.CreateComment(ctx, owner, name, pr.Number, body); err != nil {
		return &Result{Number: pr.Number, URL: pr.URL, Status: "failed"}, fmt.Errorf("failed to append revision comment: %w", err)
	}

	log.Printf("[Reconcile] Updated PR #%d with commit %s", pr.Number, res.CommitID)
	return &Result{Number: pr.Number, URL: pr.URL, Status: "updated"}, nil
}

func (r *Reconciler) create(ctx context.Context, owner, name string, t *task.Task, res *commit.Result, final *changeset.Final) (*Result, error) {
	base, err := r.platform.DefaultBranch(ctx, owner, name)
	if err != nil {
		return &Result{Status: "failed"}, err
	}

	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = strings.TrimSpace(final.Summary)
	}
	if title == "" {
		title = fmt.Sprintf("Automated change for #%d", t.Number)
	}

	pr, err := r.platform.CreatePull(ctx, owner, name, title, res.BranchName, base, pullBody(t, final))
	if err != nil {
		return &Result{Status: "failed"}, fmt.Errorf("failed to create change request: %w", err)
	}

	if err := r.platform.AddLabels(ctx, owner, name, pr.Number, []string{LabelCoded}); err != nil {
		// The change request exists; a missing label is not worth failing
		// the run over.
		log.Printf("[Reconcile] Failed to label PR #%d: %v", pr.Number, err)
	}

	log.Printf("[Reconcile] Created PR #%d for %s", pr.Number, res.BranchName)
	return &Result{Number: pr.Number, URL: pr.URL, Status: "created"}, nil
}

// findExisting prefers the precise number lookup over the branch search.
func (r *Reconciler) findExisting(ctx context.Context, owner, name string, t *task.Task) (*PullRequest, error) {
	if t.Kind == task.FeedbackRevision && t.Number > 0 {
		pr, err := r.platform.GetPull(ctx, owner, name, t.Number)
		if err != nil {
			return nil, err
		}
		if pr != nil {
			return pr, nil
		}
	}
	return r.platform.FindPullByHead(ctx, owner, name, t.Branch())
}

// countIterations counts revision markers posted since the last pause
// notice. Comments are chronological, so everything before the most recent
// notice belongs to a window a human has already cleared.
func countIterations(bodies []string) int {
	count := 0
	for _, body := range bodies {
		if strings.Contains(body, pausedMarker) {
			count = 0
			continue
		}
		count += strings.Count(body, iterationMarker)
	}
	return count
}

func revisionComment(res *commit.Result, final *changeset.Final) string {
	var b strings.Builder
	b.WriteString(iterationMarker)
	b.WriteString("\n\n🔄 Revised in ")
	b.WriteString(shortSHA(res.CommitID))
	if s := strings.TrimSpace(final.Summary); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	b.WriteString("\n")
	writeEditList(&b, final)
	return b.String()
}

func pullBody(t *task.Task, final *changeset.Final) string {
	var b strings.Builder
	if s := strings.TrimSpace(final.Summary); s != "" {
		b.WriteString(s)
		b.WriteString("\n")
	}
	writeEditList(&b, final)
	if !final.HasTests {
		b.WriteString("\n> [!NOTE]\n> No test files are included in this change.\n")
	}
	if final.Partial {
		b.WriteString("\n> [!WARNING]\n> The generation safety limit was reached; this change may be incomplete.\n")
	}
	if t.Number > 0 {
		fmt.Fprintf(&b, "\nCloses #%d\n", t.Number)
	}
	return b.String()
}

func writeEditList(b *strings.Builder, final *changeset.Final) {
	for _, e := range final.Edits {
		switch e.Operation {
		case changeset.OpDelete:
			fmt.Fprintf(b, "- 🗑️ `%s`\n", e.Path)
		case changeset.OpCreate:
			fmt.Fprintf(b, "- ✨ `%s`\n", e.Path)
		default:
			fmt.Fprintf(b, "- ✏️ `%s`\n", e.Path)
		}
	}
}

func hasLabel(pr *PullRequest, label string) bool {
	for _, l := range pr.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format: %s (expected owner/repo)", repo)
	}
	return parts[0], parts[1], nil
}
