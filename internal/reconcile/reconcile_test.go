package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stellarlink/pilot-swe/internal/changeset"
	"github.com/stellarlink/pilot-swe/internal/commit"
	"github.com/stellarlink/pilot-swe/internal/task"
)

type fakePlatform struct {
	pulls    map[int]*PullRequest
	byHead   map[string]int
	comments map[int][]string
	labels   map[int][]string

	created    []*PullRequest
	reopened   []int
	nextNumber int

	defaultBranch string
	createErr     error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		pulls:         make(map[int]*PullRequest),
		byHead:        make(map[string]int),
		comments:      make(map[int][]string),
		labels:        make(map[int][]string),
		nextNumber:    100,
		defaultBranch: "main",
	}
}

func (f *fakePlatform) addPull(pr *PullRequest) {
	f.pulls[pr.Number] = pr
	f.byHead[pr.HeadRef] = pr.Number
}

func (f *fakePlatform) GetPull(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	return f.pulls[number], nil
}

func (f *fakePlatform) FindPullByHead(ctx context.Context, owner, repo, head string) (*PullRequest, error) {
	if n, ok := f.byHead[head]; ok {
		return f.pulls[n], nil
	}
	return nil, nil
}

func (f *fakePlatform) CreatePull(ctx context.Context, owner, repo, title, head, base, body string) (*PullRequest, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextNumber++
	pr := &PullRequest{
		Number:  f.nextNumber,
		URL:     fmt.Sprintf("https://example.test/%s/%s/pull/%d", owner, repo, f.nextNumber),
		State:   "open",
		HeadRef: head,
	}
	f.addPull(pr)
	f.created = append(f.created, pr)
	f.comments[pr.Number] = append(f.comments[pr.Number], body)
	return pr, nil
}

func (f *fakePlatform) ReopenPull(ctx context.Context, owner, repo string, number int) error {
	f.reopened = append(f.reopened, number)
	f.pulls[number].State = "open"
	return nil
}

func (f *fakePlatform) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	f.labels[number] = append(f.labels[number], labels...)
	if pr := f.pulls[number]; pr != nil {
		pr.Labels = append(pr.Labels, labels...)
	}
	return nil
}

func (f *fakePlatform) ListCommentBodies(ctx context.Context, owner, repo string, number int) ([]string, error) {
	return f.comments[number], nil
}

func (f *fakePlatform) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	f.comments[number] = append(f.comments[number], body)
	return nil
}

func (f *fakePlatform) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return f.defaultBranch, nil
}

func pushedResult() *commit.Result {
	return &commit.Result{BranchName: "agent/issue-42", CommitID: "abc1234def", Pushed: true}
}

func testFinal() *changeset.Final {
	return &changeset.Final{
		Edits:    []changeset.FileEdit{{Path: "export.go", Operation: changeset.OpModify, Content: "package export\n"}},
		Summary:  "Add input validation to the export function",
		HasTests: true,
	}
}

func newTask(kind task.Kind) *task.Task {
	t := &task.Task{Kind: kind, Repo: "acme/widgets", Number: 42, Title: "Add input validation"}
	if kind == task.FeedbackRevision {
		t.TargetBranch = "agent/issue-42"
	}
	return t
}

func TestReconcileCreatesLabeledPull(t *testing.T) {
	p := newFakePlatform()
	r := New(p, 3)

	res, err := r.Reconcile(context.Background(), newTask(task.NewImplementation), pushedResult(), testFinal())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Status != "created" {
		t.Errorf("status = %q, want created", res.Status)
	}
	if len(p.created) != 1 {
		t.Fatalf("created %d pulls, want 1", len(p.created))
	}
	if p.created[0].HeadRef != "agent/issue-42" {
		t.Errorf("head = %q", p.created[0].HeadRef)
	}
	if got := p.labels[res.Number]; len(got) != 1 || got[0] != LabelCoded {
		t.Errorf("labels = %v, want [%s]", got, LabelCoded)
	}
	if body := p.comments[res.Number][0]; !strings.Contains(body, "Closes #42") {
		t.Errorf("body missing issue link: %q", body)
	}
}

func TestReconcileUpdatesOpenPull(t *testing.T) {
	p := newFakePlatform()
	p.addPull(&PullRequest{Number: 7, State: "open", HeadRef: "agent/issue-42"})
	r := New(p, 3)

	res, err := r.Reconcile(context.Background(), newTask(task.FeedbackRevision), pushedResult(), testFinal())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Status != "updated" || res.Number != 7 {
		t.Errorf("result = %+v", res)
	}
	if len(p.created) != 0 {
		t.Error("created a new pull instead of updating")
	}

	comments := p.comments[7]
	if len(comments) != 1 {
		t.Fatalf("comments = %v", comments)
	}
	if !strings.Contains(comments[0], iterationMarker) {
		t.Error("revision comment missing iteration marker")
	}
	if !strings.Contains(comments[0], "abc1234") {
		t.Error("revision comment missing commit reference")
	}
}

func TestReconcileReopensClosedUnmerged(t *testing.T) {
	p := newFakePlatform()
	p.addPull(&PullRequest{Number: 9, State: "closed", Merged: false, HeadRef: "agent/issue-42"})
	r := New(p, 3)

	res, err := r.Reconcile(context.Background(), newTask(task.FeedbackRevision), pushedResult(), testFinal())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Status != "updated" || res.Number != 9 {
		t.Errorf("result = %+v", res)
	}
	if len(p.reopened) != 1 || p.reopened[0] != 9 {
		t.Errorf("reopened = %v", p.reopened)
	}
}

func TestReconcileMergedPullGetsFreshOne(t *testing.T) {
	p := newFakePlatform()
	p.addPull(&PullRequest{Number: 5, State: "closed", Merged: true, HeadRef: "agent/issue-42"})
	r := New(p, 3)

	res, err := r.Reconcile(context.Background(), newTask(task.NewImplementation), pushedResult(), testFinal())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Status != "created" {
		t.Errorf("status = %q, want created", res.Status)
	}
	if len(p.reopened) != 0 {
		t.Error("must not reopen a merged pull")
	}
}

func TestReconcileRequiresPushedCommit(t *testing.T) {
	r := New(newFakePlatform(), 3)
	res, err := r.Reconcile(context.Background(), newTask(task.NewImplementation), &commit.Result{Pushed: false}, testFinal())
	if err == nil {
		t.Fatal("want error for unpushed commit")
	}
	if res.Status != "failed" {
		t.Errorf("status = %q, want failed", res.Status)
	}
}

func TestReconcileCreateFailureLeavesNothing(t *testing.T) {
	p := newFakePlatform()
	p.createErr = errors.New("boom")
	r := New(p, 3)

	res, err := r.Reconcile(context.Background(), newTask(task.NewImplementation), pushedResult(), testFinal())
	if err == nil {
		t.Fatal("want create failure")
	}
	if res.Status != "failed" {
		t.Errorf("status = %q", res.Status)
	}
	if len(p.labels) != 0 {
		t.Errorf("labels applied despite failure: %v", p.labels)
	}
}

func TestCheckRevisionBudgetBelowCeiling(t *testing.T) {
	p := newFakePlatform()
	p.addPull(&PullRequest{Number: 42, State: "open", HeadRef: "agent/issue-42"})
	p.comments[42] = []string{iterationMarker + " revision one"}
	r := New(p, 3)

	if err := r.CheckRevisionBudget(context.Background(), newTask(task.FeedbackRevision)); err != nil {
		t.Fatalf("budget should allow a second revision: %v", err)
	}
}

func TestCheckRevisionBudgetAtCeiling(t *testing.T) {
	p := newFakePlatform()
	p.addPull(&PullRequest{Number: 42, State: "open", HeadRef: "agent/issue-42"})
	// Two prior revisions with ceiling 3: the third pass must be refused.
	p.comments[42] = []string{
		iterationMarker + " revision one",
		iterationMarker + " revision two",
	}
	r := New(p, 3)

	err := r.CheckRevisionBudget(context.Background(), newTask(task.FeedbackRevision))
	if !errors.Is(err, ErrFeedbackCeiling) {
		t.Fatalf("err = %v, want ErrFeedbackCeiling", err)
	}

	// The terminal notice and pause label land exactly once.
	var notices int
	for _, c := range p.comments[42] {
		if strings.Contains(c, pausedMarker) {
			notices++
		}
	}
	if notices != 1 {
		t.Errorf("terminal notices = %d, want 1", notices)
	}
	if got := p.labels[42]; len(got) != 1 || got[0] != LabelPaused {
		t.Errorf("labels = %v, want [%s]", got, LabelPaused)
	}

	// A repeat check while paused refuses again without a second notice.
	err = r.CheckRevisionBudget(context.Background(), newTask(task.FeedbackRevision))
	if !errors.Is(err, ErrFeedbackCeiling) {
		t.Fatalf("repeat err = %v", err)
	}
	notices = 0
	for _, c := range p.comments[42] {
		if strings.Contains(c, pausedMarker) {
			notices++
		}
	}
	if notices != 1 {
		t.Errorf("terminal notices after repeat = %d, want 1", notices)
	}
}

func TestCheckRevisionBudgetResumesAfterLabelCleared(t *testing.T) {
	p := newFakePlatform()
	// Pause notice present but label removed by a human: markers before
	// the notice no longer count.
	p.addPull(&PullRequest{Number: 42, State: "open", HeadRef: "agent/issue-42"})
	p.comments[42] = []string{
		iterationMarker,
		iterationMarker,
		pausedMarker + " paused",
	}
	r := New(p, 3)

	if err := r.CheckRevisionBudget(context.Background(), newTask(task.FeedbackRevision)); err != nil {
		t.Fatalf("cleared label should resume: %v", err)
	}
}

func TestCheckRevisionBudgetIgnoresNewImplementation(t *testing.T) {
	r := New(newFakePlatform(), 3)
	if err := r.CheckRevisionBudget(context.Background(), newTask(task.NewImplementation)); err != nil {
		t.Fatalf("new implementations have no revision budget: %v", err)
	}
}

func TestCountIterations(t *testing.T) {
	tests := []struct {
		name   string
		bodies []string
		want   int
	}{
		{"empty", nil, 0},
		{"plain comments", []string{"lgtm", "please fix"}, 0},
		{"two markers", []string{iterationMarker, "x", iterationMarker}, 2},
		{"reset after pause", []string{iterationMarker, pausedMarker, iterationMarker}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := countIterations(tt.bodies); got != tt.want {
				t.Errorf("countIterations = %d, want %d", got, tt.want)
			}
		})
	}
}
