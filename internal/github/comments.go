package github

import (
	"context"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v66/github"
)

// CreateIssueComment posts a comment on an issue or pull request and returns
// the new comment's ID.
func CreateIssueComment(ctx context.Context, token, repo string, number int, body string) (int64, error) {
	owner, name, err := splitRepoPath(repo)
	if err != nil {
		return 0, err
	}

	c, _, err := NewClient(token).Issues.CreateComment(ctx, owner, name, number, &gh.IssueComment{
		Body: gh.String(body),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create comment on %s#%d: %w", repo, number, err)
	}
	return c.GetID(), nil
}

// UpdateIssueComment replaces the body of an existing comment.
func UpdateIssueComment(ctx context.Context, token, repo string, commentID int64, body string) error {
	owner, name, err := splitRepoPath(repo)
	if err != nil {
		return err
	}

	_, _, err = NewClient(token).Issues.EditComment(ctx, owner, name, commentID, &gh.IssueComment{
		Body: gh.String(body),
	})
	if err != nil {
		return fmt.Errorf("failed to update comment %d on %s: %w", commentID, repo, err)
	}
	return nil
}

func splitRepoPath(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format: %s (expected owner/repo)", repo)
	}
	return parts[0], parts[1], nil
}
