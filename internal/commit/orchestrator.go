package commit

import (
	"fmt"
	"log"
	"strings"

	"github.com/stellarlink/pilot-swe/internal/changeset"
	gh "github.com/stellarlink/pilot-swe/internal/github"
	"github.com/stellarlink/pilot-swe/internal/task"
)

// Committer lands a final change set through the structured object API.
type Committer interface {
	CommitChangeSet(owner, repo, branch, baseBranch, message, token string, final *changeset.Final) (string, error)
}

// Pusher lands a final change set through a working-copy clone and git push.
type Pusher interface {
	Push(repo, branch, baseBranch, message, token string, final *changeset.Final) (string, error)
}

// Result reports where the change set ended up. Pushed is true only when a
// commit actually reached the remote.
type Result struct {
	BranchName string
	CommitID   string
	Pushed     bool
}

// Orchestrator walks the credential ladder to get a change set onto its
// branch. The ladder only descends on permission-class failures; any other
// error aborts immediately so transient problems are not papered over with
// weaker credentials.
type Orchestrator struct {
	Auth      gh.AuthProvider
	Committer Committer
	Pusher    Pusher

	// SecondaryToken is a broader-scoped fallback token. Empty disables
	// that rung.
	SecondaryToken string
	// CheckoutToken is tried first on the native push rung. Empty means
	// the native rung reuses the API tokens.
	CheckoutToken string
}

func NewOrchestrator(auth gh.AuthProvider, secondaryToken, checkoutToken string) *Orchestrator {
	return &Orchestrator{
		Auth:           auth,
		Committer:      gh.NewAPICommitter(),
		Pusher:         gh.NewNativePusher(),
		SecondaryToken: secondaryToken,
		CheckoutToken:  checkoutToken,
	}
}

// Land commits the final change set on the task's branch and returns the
// branch and commit. It never partially applies edits: every rung of the
// ladder lands the whole set or nothing.
func (o *Orchestrator) Land(t *task.Task, final *changeset.Final) (*Result, error) {
	if final == nil || len(final.Edits) == 0 {
		return nil, fmt.Errorf("nothing to commit")
	}

	owner, name, err := splitRepo(t.Repo)
	if err != nil {
		return nil, err
	}

	branch := t.Branch()
	message := buildMessage(t, final)

	primary := ""
	if o.Auth != nil {
		tok, err := o.Auth.GetInstallationToken(t.Repo)
		if err != nil {
			return nil, fmt.Errorf("failed to get installation token: %w", err)
		}
		primary = tok.Token
	}

	sha, err := o.Committer.CommitChangeSet(owner, name, branch, "", message, primary, final)
	if err == nil {
		return &Result{BranchName: branch, CommitID: sha, Pushed: true}, nil
	}
	if !gh.IsPermissionDenied(err) {
		return &Result{BranchName: branch}, fmt.Errorf("commit failed: %w", err)
	}
	log.Printf("[Commit] Primary credential denied for %s@%s, descending ladder: %v", t.Repo, branch, err)

	if o.SecondaryToken != "" {
		sha, err = o.Committer.CommitChangeSet(owner, name, branch, "", message, o.SecondaryToken, final)
		if err == nil {
			return &Result{BranchName: branch, CommitID: sha, Pushed: true}, nil
		}
		if !gh.IsPermissionDenied(err) {
			return &Result{BranchName: branch}, fmt.Errorf("commit with secondary token failed: %w", err)
		}
		log.Printf("[Commit] Secondary credential denied for %s@%s: %v", t.Repo, branch, err)
	}

	// Last rung: a working-copy push. Some writes the object API rejects
	// (workflow files, for one) go through here.
	var lastErr error = err
	for _, tok := range dedupeTokens(o.CheckoutToken, primary, o.SecondaryToken) {
		sha, err := o.Pusher.Push(t.Repo, branch, "", message, tok, final)
		if err == nil {
			return &Result{BranchName: branch, CommitID: sha, Pushed: true}, nil
		}
		log.Printf("[Commit] Native push attempt failed for %s@%s: %v", t.Repo, branch, err)
		lastErr = err
	}

	return &Result{BranchName: branch}, fmt.Errorf("all credential rungs exhausted: %w", lastErr)
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format: %s (expected owner/repo)", repo)
	}
	return parts[0], parts[1], nil
}

func buildMessage(t *task.Task, final *changeset.Final) string {
	subject := strings.TrimSpace(final.Summary)
	if subject == "" {
		subject = fmt.Sprintf("Update for #%d", t.Number)
	}
	if i := strings.IndexByte(subject, '\n'); i >= 0 {
		subject = subject[:i]
	}
	if len(subject) > 72 {
		subject = subject[:69] + "..."
	}

	var b strings.Builder
	b.WriteString(subject)
	switch t.Kind {
	case task.FeedbackRevision:
		fmt.Fprintf(&b, "\n\nAddresses review feedback on #%d", t.Number)
	default:
		fmt.Fprintf(&b, "\n\nRefs #%d", t.Number)
	}
	return b.String()
}

func dedupeTokens(tokens ...string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}
