package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stellarlink/pilot-swe/internal/changeset"
	"github.com/stellarlink/pilot-swe/internal/commit"
	"github.com/stellarlink/pilot-swe/internal/config"
	"github.com/stellarlink/pilot-swe/internal/genloop"
	"github.com/stellarlink/pilot-swe/internal/guard"
	"github.com/stellarlink/pilot-swe/internal/planner"
	"github.com/stellarlink/pilot-swe/internal/reconcile"
	"github.com/stellarlink/pilot-swe/internal/runstore"
	"github.com/stellarlink/pilot-swe/internal/task"
)

type fakePlanner struct{ err error }

func (f *fakePlanner) Plan(ctx context.Context, t *task.Task) (*planner.Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &planner.Plan{Summary: "do the thing", TargetFiles: []string{"thing.go"}, Complexity: "low"}, nil
}

type fakeGenerator struct {
	err   error
	calls int
}

func (f *fakeGenerator) Run(ctx context.Context, t *task.Task, plan *planner.Plan) (*changeset.Final, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &changeset.Final{
		Edits:   []changeset.FileEdit{{Path: "thing.go", Operation: changeset.OpModify, Content: "package thing\n"}},
		Summary: "do the thing",
	}, nil
}

type fakeLander struct {
	err   error
	calls int
}

func (f *fakeLander) Land(t *task.Task, final *changeset.Final) (*commit.Result, error) {
	f.calls++
	if f.err != nil {
		return &commit.Result{BranchName: t.Branch()}, f.err
	}
	return &commit.Result{BranchName: t.Branch(), CommitID: "abc123", Pushed: true}, nil
}

type fakeReconciler struct {
	budgetErr      error
	reconcileErr   error
	budgetCalls    int
	reconcileCalls int
}

func (f *fakeReconciler) CheckRevisionBudget(ctx context.Context, t *task.Task) error {
	f.budgetCalls++
	return f.budgetErr
}

func (f *fakeReconciler) Reconcile(ctx context.Context, t *task.Task, res *commit.Result, final *changeset.Final) (*reconcile.Result, error) {
	f.reconcileCalls++
	if f.reconcileErr != nil {
		return &reconcile.Result{Status: "failed"}, f.reconcileErr
	}
	return &reconcile.Result{Number: 101, URL: "https://example.test/pull/101", Status: "created"}, nil
}

type fakeNotifier struct{ bodies []string }

func (f *fakeNotifier) Comment(ctx context.Context, repo string, number int, body string) error {
	f.bodies = append(f.bodies, body)
	return nil
}

type fakeRecorder struct{ runs []*runstore.Run }

func (f *fakeRecorder) Record(ctx context.Context, run *runstore.Run) (int64, error) {
	f.runs = append(f.runs, run)
	return int64(len(f.runs)), nil
}

type fixture struct {
	pipeline   *Pipeline
	generator  *fakeGenerator
	lander     *fakeLander
	reconciler *fakeReconciler
	notifier   *fakeNotifier
	recorder   *fakeRecorder
}

func newFixture() *fixture {
	f := &fixture{
		generator:  &fakeGenerator{},
		lander:     &fakeLander{},
		reconciler: &fakeReconciler{},
		notifier:   &fakeNotifier{},
		recorder:   &fakeRecorder{},
	}
	f.pipeline = &Pipeline{
		Guard:      guard.New(*config.DefaultPolicy(), "pilot-swe[bot]"),
		Planner:    &fakePlanner{},
		Generator:  f.generator,
		Lander:     f.lander,
		Reconciler: f.reconciler,
		Notifier:   f.notifier,
		Recorder:   f.recorder,
	}
	return f
}

func humanInvocation() guard.Invocation {
	return guard.Invocation{Actor: "octocat"}
}

func issueTask() *task.Task {
	return &task.Task{
		Kind:    task.NewImplementation,
		Content: "Add input validation to the export function",
		Repo:    "acme/widgets",
		Number:  42,
		Title:   "Add input validation",
		Actor:   "octocat",
	}
}

func TestRunSuccess(t *testing.T) {
	f := newFixture()

	out, err := f.pipeline.Run(context.Background(), issueTask(), humanInvocation())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusSuccess {
		t.Errorf("status = %q", out.Status)
	}
	if out.Branch != "agent/issue-42" || out.PRNumber != 101 {
		t.Errorf("outcome = %+v", out)
	}
	if f.lander.calls != 1 || f.reconciler.reconcileCalls != 1 {
		t.Errorf("land=%d reconcile=%d, want 1 each", f.lander.calls, f.reconciler.reconcileCalls)
	}
	if len(f.recorder.runs) != 1 || f.recorder.runs[0].Status != StatusSuccess {
		t.Errorf("recorded = %+v", f.recorder.runs)
	}
}

func TestRunDeclinedByGuard(t *testing.T) {
	f := newFixture()

	inv := guard.Invocation{Actor: "dependabot[bot]", ActorIsBot: true}
	out, err := f.pipeline.Run(context.Background(), issueTask(), inv)
	if err != nil {
		t.Fatalf("declined invocation must not be an error: %v", err)
	}
	if out.Status != StatusDeclined {
		t.Errorf("status = %q", out.Status)
	}
	if f.generator.calls != 0 || f.lander.calls != 0 {
		t.Error("work performed after guard decline")
	}
}

func TestRunStopDirectiveDeclined(t *testing.T) {
	f := newFixture()

	tk := issueTask()
	tk.Content = "Actually PILOT STOP, do not touch this"
	out, err := f.pipeline.Run(context.Background(), tk, humanInvocation())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusDeclined {
		t.Errorf("status = %q", out.Status)
	}
}

func TestRunFeedbackCeilingFailsBeforeCommit(t *testing.T) {
	f := newFixture()
	f.reconciler.budgetErr = fmt.Errorf("change request #42: %w", reconcile.ErrFeedbackCeiling)

	tk := issueTask()
	tk.Kind = task.FeedbackRevision
	tk.TargetBranch = "agent/issue-42"

	out, err := f.pipeline.Run(context.Background(), tk, humanInvocation())
	if err == nil {
		t.Fatal("want failure at ceiling")
	}
	if out.Status != StatusFailure {
		t.Errorf("status = %q", out.Status)
	}
	if f.generator.calls != 0 || f.lander.calls != 0 {
		t.Error("generation or commit attempted despite exhausted budget")
	}
	// The reconciler posts the terminal notice itself; no duplicate trace.
	if len(f.notifier.bodies) != 0 {
		t.Errorf("extra trace comments: %v", f.notifier.bodies)
	}
}

func TestRunDryRunShortCircuitsWrites(t *testing.T) {
	f := newFixture()
	f.pipeline.DryRun = true

	out, err := f.pipeline.Run(context.Background(), issueTask(), humanInvocation())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusDryRun {
		t.Errorf("status = %q", out.Status)
	}
	if out.Branch != "agent/issue-42" {
		t.Errorf("branch = %q", out.Branch)
	}
	if f.lander.calls != 0 || f.reconciler.reconcileCalls != 0 || f.reconciler.budgetCalls != 0 {
		t.Error("remote interaction attempted in dry run")
	}
	if f.generator.calls != 1 {
		t.Error("dry run must still exercise generation")
	}
}

func TestRunNoChangesIsFatal(t *testing.T) {
	f := newFixture()
	f.generator.err = genloop.ErrNoChanges

	out, err := f.pipeline.Run(context.Background(), issueTask(), humanInvocation())
	if err == nil {
		t.Fatal("want fatal error for zero edits")
	}
	if out.Status != StatusFailure {
		t.Errorf("status = %q", out.Status)
	}
	if f.lander.calls != 0 {
		t.Error("commit attempted with nothing to commit")
	}
	if len(f.notifier.bodies) != 1 {
		t.Fatalf("trace comments = %v, want exactly one", f.notifier.bodies)
	}
	if !strings.Contains(f.notifier.bodies[0], "failed") {
		t.Errorf("trace = %q", f.notifier.bodies[0])
	}
}

func TestRunCommitFailureLeavesTrace(t *testing.T) {
	f := newFixture()
	f.lander.err = errors.New("all credential rungs exhausted")

	out, err := f.pipeline.Run(context.Background(), issueTask(), humanInvocation())
	if err == nil {
		t.Fatal("want commit failure")
	}
	if out.Status != StatusFailure {
		t.Errorf("status = %q", out.Status)
	}
	if f.reconciler.reconcileCalls != 0 {
		t.Error("reconcile attempted after failed push")
	}
	if len(f.notifier.bodies) != 1 {
		t.Errorf("trace comments = %d, want 1", len(f.notifier.bodies))
	}
	if len(f.recorder.runs) != 1 || f.recorder.runs[0].Status != StatusFailure {
		t.Errorf("recorded = %+v", f.recorder.runs)
	}
}

func TestRunReconcileFailure(t *testing.T) {
	f := newFixture()
	f.reconciler.reconcileErr = errors.New("boom")

	out, err := f.pipeline.Run(context.Background(), issueTask(), humanInvocation())
	if err == nil {
		t.Fatal("want reconcile failure")
	}
	if out.Status != StatusFailure || out.Branch != "agent/issue-42" {
		t.Errorf("outcome = %+v", out)
	}
}
