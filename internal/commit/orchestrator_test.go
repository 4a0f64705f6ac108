package commit

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stellarlink/pilot-swe/internal/changeset"
	gh "github.com/stellarlink/pilot-swe/internal/github"
	"github.com/stellarlink/pilot-swe/internal/task"
)

type fakeAuth struct{}

func (fakeAuth) GetInstallationToken(repo string) (*gh.InstallationToken, error) {
	return &gh.InstallationToken{Token: "primary-tok"}, nil
}

func (fakeAuth) GetInstallationOwner(repo string) (string, error) {
	return "acme", nil
}

type fakeCommitter struct {
	// errByToken maps a token to the error its attempt returns. Missing
	// token means success.
	errByToken map[string]error
	attempts   []string
}

func (f *fakeCommitter) CommitChangeSet(owner, repo, branch, baseBranch, message, token string, final *changeset.Final) (string, error) {
	f.attempts = append(f.attempts, token)
	if err := f.errByToken[token]; err != nil {
		return "", err
	}
	return "api-sha", nil
}

type fakePusher struct {
	errByToken map[string]error
	attempts   []string
}

func (f *fakePusher) Push(repo, branch, baseBranch, message, token string, final *changeset.Final) (string, error) {
	f.attempts = append(f.attempts, token)
	if err := f.errByToken[token]; err != nil {
		return "", err
	}
	return "push-sha", nil
}

func permDenied() error {
	return fmt.Errorf("PATCH git/refs failed with status 403: resource not accessible by integration")
}

func sampleTask() *task.Task {
	return &task.Task{
		Kind:    task.NewImplementation,
		Repo:    "acme/widgets",
		Number:  42,
		Title:   "Add rate limiting",
		Content: "Requests should be throttled per client.",
	}
}

func sampleFinal() *changeset.Final {
	return &changeset.Final{
		Edits:   []changeset.FileEdit{{Path: "limiter.go", Operation: changeset.OpCreate, Content: "package limiter\n"}},
		Summary: "Add per-client rate limiting",
	}
}

func newTestOrchestrator(c *fakeCommitter, p *fakePusher) *Orchestrator {
	return &Orchestrator{
		Auth:           fakeAuth{},
		Committer:      c,
		Pusher:         p,
		SecondaryToken: "secondary-tok",
		CheckoutToken:  "checkout-tok",
	}
}

func TestLandPrimarySucceeds(t *testing.T) {
	committer := &fakeCommitter{}
	pusher := &fakePusher{}
	o := newTestOrchestrator(committer, pusher)

	res, err := o.Land(sampleTask(), sampleFinal())
	if err != nil {
		t.Fatalf("Land: %v", err)
	}
	if !res.Pushed || res.CommitID != "api-sha" {
		t.Errorf("result = %+v, want pushed api-sha", res)
	}
	if res.BranchName != "agent/issue-42" {
		t.Errorf("branch = %q, want agent/issue-42", res.BranchName)
	}
	if len(committer.attempts) != 1 || committer.attempts[0] != "primary-tok" {
		t.Errorf("attempts = %v, want single primary attempt", committer.attempts)
	}
	if len(pusher.attempts) != 0 {
		t.Errorf("native push attempted despite API success: %v", pusher.attempts)
	}
}

func TestLandSecondaryAfterPermissionDenial(t *testing.T) {
	committer := &fakeCommitter{errByToken: map[string]error{"primary-tok": permDenied()}}
	pusher := &fakePusher{}
	o := newTestOrchestrator(committer, pusher)

	res, err := o.Land(sampleTask(), sampleFinal())
	if err != nil {
		t.Fatalf("Land: %v", err)
	}
	if !res.Pushed {
		t.Error("want Pushed=true after secondary rung succeeds")
	}
	want := []string{"primary-tok", "secondary-tok"}
	if strings.Join(committer.attempts, ",") != strings.Join(want, ",") {
		t.Errorf("attempts = %v, want %v", committer.attempts, want)
	}
	if len(pusher.attempts) != 0 {
		t.Errorf("native push attempted despite secondary success: %v", pusher.attempts)
	}
}

func TestLandNonPermissionErrorAborts(t *testing.T) {
	committer := &fakeCommitter{errByToken: map[string]error{
		"primary-tok": errors.New("connection reset by peer"),
	}}
	pusher := &fakePusher{}
	o := newTestOrchestrator(committer, pusher)

	res, err := o.Land(sampleTask(), sampleFinal())
	if err == nil {
		t.Fatal("want error on non-permission failure")
	}
	if res.Pushed {
		t.Error("Pushed must be false on abort")
	}
	if len(committer.attempts) != 1 {
		t.Errorf("ladder descended on a non-permission error: %v", committer.attempts)
	}
	if len(pusher.attempts) != 0 {
		t.Errorf("native push attempted: %v", pusher.attempts)
	}
}

func TestLandNativePushRung(t *testing.T) {
	committer := &fakeCommitter{errByToken: map[string]error{
		"primary-tok":   permDenied(),
		"secondary-tok": permDenied(),
	}}
	pusher := &fakePusher{errByToken: map[string]error{"checkout-tok": errors.New("clone failed")}}
	o := newTestOrchestrator(committer, pusher)

	res, err := o.Land(sampleTask(), sampleFinal())
	if err != nil {
		t.Fatalf("Land: %v", err)
	}
	if !res.Pushed || res.CommitID != "push-sha" {
		t.Errorf("result = %+v, want pushed push-sha", res)
	}
	// Checkout token first, then the API tokens.
	want := []string{"checkout-tok", "primary-tok"}
	if strings.Join(pusher.attempts, ",") != strings.Join(want, ",") {
		t.Errorf("push attempts = %v, want %v", pusher.attempts, want)
	}
}

func TestLandAllRungsExhausted(t *testing.T) {
	committer := &fakeCommitter{errByToken: map[string]error{
		"primary-tok":   permDenied(),
		"secondary-tok": permDenied(),
	}}
	pusher := &fakePusher{errByToken: map[string]error{
		"checkout-tok":  errors.New("denied"),
		"primary-tok":   errors.New("denied"),
		"secondary-tok": errors.New("denied"),
	}}
	o := newTestOrchestrator(committer, pusher)

	res, err := o.Land(sampleTask(), sampleFinal())
	if err == nil {
		t.Fatal("want error when every rung fails")
	}
	if res.Pushed {
		t.Error("Pushed must be false when nothing landed")
	}
	if len(pusher.attempts) != 3 {
		t.Errorf("push attempts = %v, want all three tokens tried", pusher.attempts)
	}
}

func TestLandEmptyChangeSet(t *testing.T) {
	o := newTestOrchestrator(&fakeCommitter{}, &fakePusher{})
	if _, err := o.Land(sampleTask(), &changeset.Final{}); err == nil {
		t.Fatal("want error for empty change set")
	}
}

func TestLandRespectsTargetBranch(t *testing.T) {
	committer := &fakeCommitter{}
	o := newTestOrchestrator(committer, &fakePusher{})

	tk := sampleTask()
	tk.Kind = task.FeedbackRevision
	tk.TargetBranch = "agent/issue-42"

	res, err := o.Land(tk, sampleFinal())
	if err != nil {
		t.Fatalf("Land: %v", err)
	}
	if res.BranchName != "agent/issue-42" {
		t.Errorf("branch = %q", res.BranchName)
	}
}

func TestBuildMessage(t *testing.T) {
	msg := buildMessage(sampleTask(), sampleFinal())
	if !strings.HasPrefix(msg, "Add per-client rate limiting") {
		t.Errorf("message = %q", msg)
	}
	if !strings.Contains(msg, "Refs #42") {
		t.Errorf("message missing issue reference: %q", msg)
	}

	long := &changeset.Final{Summary: strings.Repeat("x", 100)}
	msg = buildMessage(sampleTask(), long)
	if i := strings.IndexByte(msg, '\n'); i > 72 {
		t.Errorf("subject line too long: %d", i)
	}
}
