package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlink/pilot-swe/internal/commit"
	"github.com/stellarlink/pilot-swe/internal/completion"
	"github.com/stellarlink/pilot-swe/internal/config"
	"github.com/stellarlink/pilot-swe/internal/dispatcher"
	"github.com/stellarlink/pilot-swe/internal/genloop"
	gh "github.com/stellarlink/pilot-swe/internal/github"
	"github.com/stellarlink/pilot-swe/internal/guard"
	"github.com/stellarlink/pilot-swe/internal/pipeline"
	"github.com/stellarlink/pilot-swe/internal/planner"
	"github.com/stellarlink/pilot-swe/internal/reconcile"
	"github.com/stellarlink/pilot-swe/internal/review"
	"github.com/stellarlink/pilot-swe/internal/runstore"
)

// pipelineExecutor builds and runs one pipeline per job. Reconciler and
// notifier are constructed per invocation because installation tokens are
// short-lived and scoped to the job's repository.
type pipelineExecutor struct {
	cfg       *config.Config
	auth      gh.AuthProvider
	completer completion.Completer
	store     *runstore.Store
}

func (e *pipelineExecutor) Execute(ctx context.Context, job *dispatcher.Job) error {
	tok, err := e.auth.GetInstallationToken(job.Task.Repo)
	if err != nil {
		return fmt.Errorf("failed to get installation token for %s: %w", job.Task.Repo, err)
	}

	p := &pipeline.Pipeline{
		Guard:      guard.New(e.cfg.Policy, e.cfg.BotLogin),
		Planner:    planner.New(e.completer),
		Generator:  genloop.New(e.completer, review.New(e.completer), e.cfg.Policy.MaxGenerationIterations),
		Lander:     commit.NewOrchestrator(e.auth, e.cfg.SecondaryToken, e.cfg.CheckoutToken),
		Reconciler: reconcile.New(reconcile.NewPlatform(tok.Token), e.cfg.Policy.FeedbackCeiling),
		Notifier:   &tokenNotifier{token: tok.Token},
		Recorder:   e.store,
		DryRun:     e.cfg.DryRun,
	}

	out, err := p.Run(ctx, job.Task, job.Invocation)
	if err != nil {
		if errors.Is(err, reconcile.ErrFeedbackCeiling) || errors.Is(err, genloop.ErrNoChanges) {
			return dispatcher.NonRetryable(err)
		}
		return err
	}

	log.Printf("[Executor] %s#%d finished: %s", job.Task.Repo, job.Task.Number, out.Status)
	return nil
}

// tokenNotifier posts failure traces with the per-job installation token.
type tokenNotifier struct {
	token string
}

func (n *tokenNotifier) Comment(ctx context.Context, repo string, number int, body string) error {
	_, err := gh.CreateIssueComment(ctx, n.token, repo, number, body)
	return err
}

// headResolver resolves pull request head branches for the webhook handler.
type headResolver struct {
	auth gh.AuthProvider
}

func (r *headResolver) HeadBranch(ctx context.Context, repo string, number int) (string, error) {
	tok, err := r.auth.GetInstallationToken(repo)
	if err != nil {
		return "", err
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return "", fmt.Errorf("invalid repo format: %s", repo)
	}
	pr, err := reconcile.NewPlatform(tok.Token).GetPull(ctx, owner, name, number)
	if err != nil {
		return "", err
	}
	if pr == nil {
		return "", fmt.Errorf("pull request %s#%d not found", repo, number)
	}
	return pr.HeadRef, nil
}
