package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stellarlink/pilot-swe/internal/changeset"
	"github.com/stellarlink/pilot-swe/internal/commit"
	"github.com/stellarlink/pilot-swe/internal/completion"
	"github.com/stellarlink/pilot-swe/internal/config"
	"github.com/stellarlink/pilot-swe/internal/genloop"
	gh "github.com/stellarlink/pilot-swe/internal/github"
	"github.com/stellarlink/pilot-swe/internal/guard"
	"github.com/stellarlink/pilot-swe/internal/pipeline"
	"github.com/stellarlink/pilot-swe/internal/planner"
	"github.com/stellarlink/pilot-swe/internal/reconcile"
	"github.com/stellarlink/pilot-swe/internal/review"
	"github.com/stellarlink/pilot-swe/internal/runstore"
	"github.com/stellarlink/pilot-swe/internal/task"
)

var runFlags struct {
	repo     string
	number   int
	title    string
	body     string
	bodyFile string
	feedback string
	branch   string
	actor    string
	dryRun   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one pipeline invocation for an issue or feedback comment",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		cfg, err := config.LoadForCLI()
		if err != nil {
			return err
		}
		if runFlags.dryRun {
			cfg.DryRun = true
		}
		if !cfg.DryRun && !cfg.HasAppCredentials() {
			return fmt.Errorf("GITHUB_APP_ID and GITHUB_PRIVATE_KEY are required unless --dry-run is set")
		}

		t, err := buildTask()
		if err != nil {
			return err
		}

		p, err := buildPipeline(cfg, t)
		if err != nil {
			return err
		}

		inv := guard.Invocation{Actor: runFlags.actor}
		out, err := p.Run(cmd.Context(), t, inv)
		if err != nil {
			return err
		}

		switch out.Status {
		case pipeline.StatusSuccess:
			fmt.Printf("✅ %s: branch %s, change request #%d\n%s\n", out.Status, out.Branch, out.PRNumber, out.URL)
		case pipeline.StatusDryRun:
			fmt.Printf("🧪 dry run: would commit to %s\n%s\n", out.Branch, out.Summary)
		default:
			fmt.Printf("%s: %s\n", out.Status, out.Summary)
		}
		return nil
	},
}

func buildTask() (*task.Task, error) {
	if runFlags.repo == "" || runFlags.number == 0 {
		return nil, fmt.Errorf("--repo and --issue are required")
	}

	body := runFlags.body
	if runFlags.bodyFile != "" {
		b, err := os.ReadFile(runFlags.bodyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read --body-file: %w", err)
		}
		body = string(b)
	}

	if runFlags.feedback != "" {
		return task.NormalizeFeedback(runFlags.repo, runFlags.number, runFlags.title, body,
			runFlags.actor, runFlags.branch, []string{runFlags.feedback}), nil
	}

	if strings.TrimSpace(runFlags.title) == "" && strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("--title or --body is required for a new implementation")
	}
	return task.NormalizeIssue(runFlags.repo, runFlags.number, runFlags.title, body, runFlags.actor), nil
}

func buildPipeline(cfg *config.Config, t *task.Task) (*pipeline.Pipeline, error) {
	completer, err := completion.NewCLICompleter(cfg.CompletionCommand, cfg.CompletionTimeout)
	if err != nil {
		return nil, err
	}

	p := &pipeline.Pipeline{
		Guard:      guard.New(cfg.Policy, cfg.BotLogin),
		Planner:    planner.New(completer),
		Generator:  genloop.New(completer, review.New(completer), cfg.Policy.MaxGenerationIterations),
		Reconciler: noopReconciler{},
		DryRun:     cfg.DryRun,
	}

	if store, err := runstore.Open(cfg.RunStorePath); err == nil {
		p.Recorder = store
	}

	if cfg.DryRun {
		return p, nil
	}

	auth := &gh.AppAuth{AppID: cfg.GitHubAppID, PrivateKey: cfg.GitHubPrivateKey}
	tok, err := auth.GetInstallationToken(t.Repo)
	if err != nil {
		return nil, fmt.Errorf("failed to get installation token: %w", err)
	}

	p.Lander = commit.NewOrchestrator(auth, cfg.SecondaryToken, cfg.CheckoutToken)
	p.Reconciler = reconcile.New(reconcile.NewPlatform(tok.Token), cfg.Policy.FeedbackCeiling)
	p.Notifier = notifier{token: tok.Token}
	return p, nil
}

// noopReconciler backs dry runs, which never reach reconciliation.
type noopReconciler struct{}

func (noopReconciler) CheckRevisionBudget(ctx context.Context, t *task.Task) error {
	return nil
}

func (noopReconciler) Reconcile(ctx context.Context, t *task.Task, res *commit.Result, final *changeset.Final) (*reconcile.Result, error) {
	return &reconcile.Result{Status: "failed"}, fmt.Errorf("no reconciler configured")
}

type notifier struct {
	token string
}

func (n notifier) Comment(ctx context.Context, repo string, number int, body string) error {
	_, err := gh.CreateIssueComment(ctx, n.token, repo, number, body)
	return err
}

func init() {
	runCmd.Flags().StringVar(&runFlags.repo, "repo", "", "repository in owner/name form")
	runCmd.Flags().IntVar(&runFlags.number, "issue", 0, "issue or pull request number")
	runCmd.Flags().StringVar(&runFlags.title, "title", "", "task title")
	runCmd.Flags().StringVar(&runFlags.body, "body", "", "task description")
	runCmd.Flags().StringVar(&runFlags.bodyFile, "body-file", "", "read the task description from a file")
	runCmd.Flags().StringVar(&runFlags.feedback, "feedback", "", "reviewer feedback (marks the task as a revision)")
	runCmd.Flags().StringVar(&runFlags.branch, "branch", "", "existing change request branch (revisions only)")
	runCmd.Flags().StringVar(&runFlags.actor, "actor", "pilotctl", "actor recorded for the invocation")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "plan and generate without any remote writes")
}
