package reconcile

import (
	"context"
	"fmt"

	gogithub "github.com/google/go-github/v66/github"

	gh "github.com/stellarlink/pilot-swe/internal/github"
)

// PullRequest is the slice of the platform's change-request object the
// reconciler works with.
type PullRequest struct {
	Number  int
	URL     string
	State   string
	Merged  bool
	HeadRef string
	Labels  []string
}

// Platform abstracts the change-request operations so the reconciler can be
// tested against a fake.
type Platform interface {
	GetPull(ctx context.Context, owner, repo string, number int) (*PullRequest, error)
	// FindPullByHead returns the most recently updated pull request whose
	// head is the given branch, or nil when none exists.
	FindPullByHead(ctx context.Context, owner, repo, head string) (*PullRequest, error)
	CreatePull(ctx context.Context, owner, repo, title, head, base, body string) (*PullRequest, error)
	ReopenPull(ctx context.Context, owner, repo string, number int) error
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	// ListCommentBodies returns the pull request's comment bodies in
	// chronological order.
	ListCommentBodies(ctx context.Context, owner, repo string, number int) ([]string, error)
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
}

// apiPlatform implements Platform on the typed API client.
type apiPlatform struct {
	client *gogithub.Client
}

// NewPlatform wraps an authenticated token in a Platform.
func NewPlatform(token string) Platform {
	return &apiPlatform{client: gh.NewClient(token)}
}

func (p *apiPlatform) GetPull(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	pr, _, err := p.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		if gh.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pull request #%d: %w", number, err)
	}
	return convertPull(pr), nil
}

func (p *apiPlatform) FindPullByHead(ctx context.Context, owner, repo, head string) (*PullRequest, error) {
	prs, _, err := p.client.PullRequests.List(ctx, owner, repo, &gogithub.PullRequestListOptions{
		State:     "all",
		Head:      owner + ":" + head,
		Sort:      "updated",
		Direction: "desc",
		ListOptions: gogithub.ListOptions{
			PerPage: 10,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests for %s: %w", head, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return convertPull(prs[0]), nil
}

func (p *apiPlatform) CreatePull(ctx context.Context, owner, repo, title, head, base, body string) (*PullRequest, error) {
	pr, _, err := p.client.PullRequests.Create(ctx, owner, repo, &gogithub.NewPullRequest{
		Title: gogithub.String(title),
		Head:  gogithub.String(head),
		Base:  gogithub.String(base),
		Body:  gogithub.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	return convertPull(pr), nil
}

func (p *apiPlatform) ReopenPull(ctx context.Context, owner, repo string, number int) error {
	_, _, err := p.client.PullRequests.Edit(ctx, owner, repo, number, &gogithub.PullRequest{
		State: gogithub.String("open"),
	})
	if err != nil {
		return fmt.Errorf("failed to reopen pull request #%d: %w", number, err)
	}
	return nil
}

func (p *apiPlatform) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, _, err := p.client.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
	if err != nil {
		return fmt.Errorf("failed to add labels to #%d: %w", number, err)
	}
	return nil
}

func (p *apiPlatform) ListCommentBodies(ctx context.Context, owner, repo string, number int) ([]string, error) {
	opts := &gogithub.IssueListCommentsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var bodies []string
	for {
		comments, resp, err := p.client.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list comments on #%d: %w", number, err)
		}
		for _, c := range comments {
			bodies = append(bodies, c.GetBody())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return bodies, nil
}

func (p *apiPlatform) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := p.client.Issues.CreateComment(ctx, owner, repo, number, &gogithub.IssueComment{
		Body: gogithub.String(body),
	})
	if err != nil {
		return fmt.Errorf("failed to comment on #%d: %w", number, err)
	}
	return nil
}

func (p *apiPlatform) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, _, err := p.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("failed to get repository: %w", err)
	}
	return r.GetDefaultBranch(), nil
}

func convertPull(pr *gogithub.PullRequest) *PullRequest {
	out := &PullRequest{
		Number:  pr.GetNumber(),
		URL:     pr.GetHTMLURL(),
		State:   pr.GetState(),
		Merged:  pr.GetMerged(),
		HeadRef: pr.GetHead().GetRef(),
	}
	for _, l := range pr.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}
