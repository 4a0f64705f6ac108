package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlink/pilot-swe/internal/changeset"
	"github.com/stellarlink/pilot-swe/internal/commit"
	"github.com/stellarlink/pilot-swe/internal/genloop"
	"github.com/stellarlink/pilot-swe/internal/guard"
	"github.com/stellarlink/pilot-swe/internal/planner"
	"github.com/stellarlink/pilot-swe/internal/reconcile"
	"github.com/stellarlink/pilot-swe/internal/runstore"
	"github.com/stellarlink/pilot-swe/internal/task"
)

// Outcome statuses. Declined is the guard refusing to act: a successful
// no-op, never an error.
const (
	StatusSuccess  = "success"
	StatusDryRun   = "dry-run"
	StatusDeclined = "declined"
	StatusFailure  = "failure"
)

// Outcome is the terminal result of one pipeline invocation.
type Outcome struct {
	Status   string
	Branch   string
	PRNumber int
	URL      string
	Summary  string
}

// Planner produces an implementation plan for a task.
type Planner interface {
	Plan(ctx context.Context, t *task.Task) (*planner.Plan, error)
}

// Generator runs the bounded synthesis loop.
type Generator interface {
	Run(ctx context.Context, t *task.Task, plan *planner.Plan) (*changeset.Final, error)
}

// Lander walks the credential ladder to commit a final change set.
type Lander interface {
	Land(t *task.Task, final *changeset.Final) (*commit.Result, error)
}

// Reconciler manages the change request for a landed commit.
type Reconciler interface {
	CheckRevisionBudget(ctx context.Context, t *task.Task) error
	Reconcile(ctx context.Context, t *task.Task, res *commit.Result, final *changeset.Final) (*reconcile.Result, error)
}

// Notifier posts a durable trace on the originating issue or change request.
// Every fatal abort leaves one; no silent failures.
type Notifier interface {
	Comment(ctx context.Context, repo string, number int, body string) error
}

// Recorder persists run history.
type Recorder interface {
	Record(ctx context.Context, run *runstore.Run) (int64, error)
}

// Pipeline runs the full sequence: guard, plan, generate, land, reconcile.
// Each step depends on the previous one's result; there is no intra-run
// parallelism.
type Pipeline struct {
	Guard      *guard.Guard
	Planner    Planner
	Generator  Generator
	Lander     Lander
	Reconciler Reconciler
	Notifier   Notifier
	Recorder   Recorder
	DryRun     bool
}

// Run executes one invocation end to end.
func (p *Pipeline) Run(ctx context.Context, t *task.Task, inv guard.Invocation) (*Outcome, error) {
	if d := p.Guard.Check(inv, t.Content+"\n"+t.Feedback); !d.Allowed {
		log.Printf("[Pipeline] Declined %s#%d: %s", t.Repo, t.Number, d.Reason)
		return &Outcome{Status: StatusDeclined, Summary: d.Reason}, nil
	}

	// The revision budget is recomputed from platform history before any
	// expensive work; an exhausted budget must not produce a commit. A
	// dry run skips it: crossing the ceiling posts a notice, and dry runs
	// never write remotely.
	if err := p.checkBudget(ctx, t); err != nil {
		if errors.Is(err, reconcile.ErrFeedbackCeiling) {
			// The reconciler already posted the terminal notice.
			return p.fail(ctx, t, "", err, false)
		}
		return p.fail(ctx, t, "", err, true)
	}

	plan, err := p.Planner.Plan(ctx, t)
	if err != nil {
		// The planner's heuristic fallback makes this unreachable in
		// practice, but a composed planner may still fail.
		return p.fail(ctx, t, "", fmt.Errorf("planning failed: %w", err), true)
	}
	log.Printf("[Pipeline] Plan for %s#%d: %s (%d files, %s)", t.Repo, t.Number, plan.Summary, len(plan.TargetFiles), plan.Complexity)

	final, err := p.Generator.Run(ctx, t, plan)
	if err != nil {
		if errors.Is(err, genloop.ErrNoChanges) {
			return p.fail(ctx, t, "", fmt.Errorf("generation produced nothing to commit"), true)
		}
		return p.fail(ctx, t, "", fmt.Errorf("generation failed: %w", err), true)
	}

	if p.DryRun {
		// The earliest point a remote write would otherwise occur.
		log.Printf("[Pipeline] Dry run for %s#%d: %d edit(s) not committed", t.Repo, t.Number, len(final.Edits))
		out := &Outcome{Status: StatusDryRun, Branch: t.Branch(), Summary: final.Summary}
		p.record(ctx, t, out)
		return out, nil
	}

	commitRes, err := p.Lander.Land(t, final)
	if err != nil {
		return p.fail(ctx, t, t.Branch(), fmt.Errorf("commit failed: %w", err), true)
	}

	recRes, err := p.Reconciler.Reconcile(ctx, t, commitRes, final)
	if err != nil {
		return p.fail(ctx, t, commitRes.BranchName, fmt.Errorf("reconciliation failed: %w", err), true)
	}

	out := &Outcome{
		Status:   StatusSuccess,
		Branch:   commitRes.BranchName,
		PRNumber: recRes.Number,
		URL:      recRes.URL,
		Summary:  final.Summary,
	}
	p.record(ctx, t, out)
	log.Printf("[Pipeline] Done %s#%d: %s -> PR #%d", t.Repo, t.Number, out.Branch, out.PRNumber)
	return out, nil
}

func (p *Pipeline) checkBudget(ctx context.Context, t *task.Task) error {
	if p.DryRun {
		return nil
	}
	return p.Reconciler.CheckRevisionBudget(ctx, t)
}

// fail records the failure and, when notify is set, leaves a human-readable
// trace comment at the point of failure.
func (p *Pipeline) fail(ctx context.Context, t *task.Task, branch string, cause error, notify bool) (*Outcome, error) {
	log.Printf("[Pipeline] Failed %s#%d: %v", t.Repo, t.Number, cause)

	if notify && p.Notifier != nil && !p.DryRun {
		body := fmt.Sprintf("❌ Automated run failed: %s\n\nRe-trigger after addressing the cause, or handle this one manually.", cause)
		if err := p.Notifier.Comment(ctx, t.Repo, t.Number, body); err != nil {
			log.Printf("[Pipeline] Failed to leave failure trace on %s#%d: %v", t.Repo, t.Number, err)
		}
	}

	out := &Outcome{Status: StatusFailure, Branch: branch, Summary: cause.Error()}
	p.record(ctx, t, out)
	return out, cause
}

func (p *Pipeline) record(ctx context.Context, t *task.Task, out *Outcome) {
	if p.Recorder == nil {
		return
	}
	detail := ""
	if out.Status == StatusFailure {
		detail = out.Summary
	}
	_, err := p.Recorder.Record(ctx, &runstore.Run{
		Repo:     t.Repo,
		Number:   t.Number,
		Kind:     string(t.Kind),
		Status:   out.Status,
		Branch:   out.Branch,
		PRNumber: out.PRNumber,
		Summary:  firstLine(out.Summary),
		Detail:   detail,
	})
	if err != nil {
		log.Printf("[Pipeline] Failed to record run for %s#%d: %v", t.Repo, t.Number, err)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
