package github

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlink/pilot-swe/internal/changeset"
)

// APICommitter builds atomic multi-file commits through the git data API:
// one tree, one commit, one ref update. Reviewers never observe a partially
// applied edit set.
type APICommitter struct {
	base   string
	client *http.Client
}

func NewAPICommitter() *APICommitter {
	return &APICommitter{
		base:   "https://api.github.com",
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewAPICommitterForBase is used by tests to point at a stub server.
func NewAPICommitterForBase(base string) *APICommitter {
	c := NewAPICommitter()
	c.base = base
	return c
}

type gitRef struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

type gitCommit struct {
	SHA  string `json:"sha"`
	Tree struct {
		SHA string `json:"sha"`
	} `json:"tree"`
}

type repoInfo struct {
	DefaultBranch string `json:"default_branch"`
}

type compareResult struct {
	BehindBy int `json:"behind_by"`
}

// CommitChangeSet lands the final change set on the branch as a single
// commit and returns the new commit SHA.
//
// Branch maintenance first: when the branch already exists and is behind the
// trunk, the trunk is merged in server-side; a merge conflict is never
// surfaced. Instead the new commit is rebased onto the trunk head,
// abandoning the branch's prior unmerged history, so automation never blocks
// on manual conflict resolution.
func (c *APICommitter) CommitChangeSet(owner, repo, branch, baseBranch, message, token string, final *changeset.Final) (string, error) {
	if baseBranch == "" {
		info, err := c.repoInfo(owner, repo, token)
		if err != nil {
			return "", fmt.Errorf("failed to resolve default branch: %w", err)
		}
		baseBranch = info.DefaultBranch
	}

	trunkSHA, err := c.getRef(owner, repo, "heads/"+baseBranch, token)
	if err != nil {
		return "", fmt.Errorf("failed to resolve trunk ref: %w", err)
	}

	baseSHA, existed, err := c.getOrCreateBranchRef(owner, repo, branch, trunkSHA, token)
	if err != nil {
		return "", fmt.Errorf("failed to get/create branch ref: %w", err)
	}

	forceUpdate := false
	if existed && branch != baseBranch {
		baseSHA, forceUpdate, err = c.reconcileWithTrunk(owner, repo, branch, baseBranch, baseSHA, trunkSHA, token)
		if err != nil {
			return "", err
		}
	}

	baseCommit, err := c.getCommit(owner, repo, baseSHA, token)
	if err != nil {
		return "", fmt.Errorf("failed to get base commit: %w", err)
	}

	treeSHA, err := c.createTree(owner, repo, baseCommit.Tree.SHA, token, final.Edits)
	if err != nil {
		return "", fmt.Errorf("failed to create tree: %w", err)
	}

	commitSHA, err := c.createCommit(owner, repo, message, treeSHA, baseSHA, token)
	if err != nil {
		return "", fmt.Errorf("failed to create commit: %w", err)
	}

	// force=false is the optimistic-concurrency guard: a concurrent update
	// to the branch makes this fail instead of silently clobbering it. The
	// rebase path force-updates on purpose.
	if err := c.updateRef(owner, repo, "heads/"+branch, commitSHA, forceUpdate, token); err != nil {
		return "", fmt.Errorf("failed to update ref: %w", err)
	}

	return commitSHA, nil
}

// reconcileWithTrunk brings a stale branch up to date. Returns the commit to
// build on and whether the final ref update must be forced (rebase case).
func (c *APICommitter) reconcileWithTrunk(owner, repo, branch, baseBranch, branchSHA, trunkSHA, token string) (string, bool, error) {
	cmp, err := c.compare(owner, repo, baseBranch, branch, token)
	if err != nil {
		return "", false, fmt.Errorf("failed to compare branch with trunk: %w", err)
	}
	if cmp.BehindBy == 0 {
		return branchSHA, false, nil
	}

	log.Printf("[APICommit] Branch %s is %d commit(s) behind %s, merging trunk", branch, cmp.BehindBy, baseBranch)
	mergedSHA, conflict, err := c.merge(owner, repo, branch, baseBranch, token)
	if err != nil {
		return "", false, fmt.Errorf("failed to merge trunk into branch: %w", err)
	}
	if conflict {
		// Rebase onto the trunk head; prior unmerged history is abandoned.
		log.Printf("[APICommit] Merge conflict on %s, rebasing new commit onto %s head", branch, baseBranch)
		return trunkSHA, true, nil
	}
	return mergedSHA, false, nil
}

func (c *APICommitter) getOrCreateBranchRef(owner, repo, branch, trunkSHA, token string) (sha string, existed bool, err error) {
	if sha, err := c.getRef(owner, repo, "heads/"+branch, token); err == nil {
		return sha, true, nil
	}

	body := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": trunkSHA,
	}
	if _, err := c.post(fmt.Sprintf("%s/repos/%s/%s/git/refs", c.base, owner, repo), token, body); err != nil {
		return "", false, fmt.Errorf("failed to create branch: %w", err)
	}
	return trunkSHA, false, nil
}

func (c *APICommitter) getRef(owner, repo, ref, token string) (string, error) {
	b, err := c.get(fmt.Sprintf("%s/repos/%s/%s/git/refs/%s", c.base, owner, repo, ref), token)
	if err != nil {
		return "", err
	}

	var r gitRef
	if err := json.Unmarshal(b, &r); err != nil {
		return "", fmt.Errorf("failed to parse ref: %w", err)
	}
	return r.Object.SHA, nil
}

func (c *APICommitter) repoInfo(owner, repo, token string) (*repoInfo, error) {
	b, err := c.get(fmt.Sprintf("%s/repos/%s/%s", c.base, owner, repo), token)
	if err != nil {
		return nil, err
	}

	var info repoInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("failed to parse repository info: %w", err)
	}
	return &info, nil
}

func (c *APICommitter) getCommit(owner, repo, sha, token string) (*gitCommit, error) {
	b, err := c.get(fmt.Sprintf("%s/repos/%s/%s/git/commits/%s", c.base, owner, repo, sha), token)
	if err != nil {
		return nil, err
	}

	var commit gitCommit
	if err := json.Unmarshal(b, &commit); err != nil {
		return nil, fmt.Errorf("failed to parse commit: %w", err)
	}
	return &commit, nil
}

func (c *APICommitter) compare(owner, repo, base, head, token string) (*compareResult, error) {
	b, err := c.get(fmt.Sprintf("%s/repos/%s/%s/compare/%s...%s", c.base, owner, repo, base, head), token)
	if err != nil {
		return nil, err
	}

	var cmp compareResult
	if err := json.Unmarshal(b, &cmp); err != nil {
		return nil, fmt.Errorf("failed to parse comparison: %w", err)
	}
	return &cmp, nil
}

// merge asks the server to merge baseBranch into branch. A 409 is a merge
// conflict, reported via the conflict flag rather than an error.
func (c *APICommitter) merge(owner, repo, branch, baseBranch, token string) (sha string, conflict bool, err error) {
	body := map[string]string{
		"base":           branch,
		"head":           baseBranch,
		"commit_message": fmt.Sprintf("Merge %s into %s", baseBranch, branch),
	}

	b, err := c.post(fmt.Sprintf("%s/repos/%s/%s/merges", c.base, owner, repo), token, body)
	if err != nil {
		if strings.Contains(err.Error(), "status 409") {
			return "", true, nil
		}
		return "", false, err
	}

	var result struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(b, &result); err != nil {
		return "", false, fmt.Errorf("failed to parse merge result: %w", err)
	}
	return result.SHA, false, nil
}

func (c *APICommitter) createTree(owner, repo, baseTree, token string, edits []changeset.FileEdit) (string, error) {
	entries := make([]map[string]any, 0, len(edits))
	for _, edit := range edits {
		entry := map[string]any{
			"path": edit.Path,
			"mode": "100644",
			"type": "blob",
		}
		if edit.Operation == changeset.OpDelete {
			// An explicit null SHA is the tombstone removing the path.
			entry["sha"] = nil
		} else {
			entry["content"] = edit.Content
		}
		entries = append(entries, entry)
	}

	body := map[string]any{
		"base_tree": baseTree,
		"tree":      entries,
	}

	b, err := c.post(fmt.Sprintf("%s/repos/%s/%s/git/trees", c.base, owner, repo), token, body)
	if err != nil {
		return "", err
	}

	var tree struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(b, &tree); err != nil {
		return "", fmt.Errorf("failed to parse tree: %w", err)
	}
	return tree.SHA, nil
}

func (c *APICommitter) createCommit(owner, repo, message, treeSHA, parent, token string) (string, error) {
	body := map[string]any{
		"message": message,
		"tree":    treeSHA,
		"parents": []string{parent},
	}

	b, err := c.post(fmt.Sprintf("%s/repos/%s/%s/git/commits", c.base, owner, repo), token, body)
	if err != nil {
		return "", err
	}

	var commit struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(b, &commit); err != nil {
		return "", fmt.Errorf("failed to parse commit: %w", err)
	}
	return commit.SHA, nil
}

func (c *APICommitter) updateRef(owner, repo, ref, sha string, force bool, token string) error {
	body := map[string]any{
		"sha":   sha,
		"force": force,
	}
	_, err := c.patch(fmt.Sprintf("%s/repos/%s/%s/git/refs/%s", c.base, owner, repo, ref), token, body)
	return err
}

func (c *APICommitter) get(url, token string) ([]byte, error) {
	return c.do("GET", url, token, nil)
}

func (c *APICommitter) post(url, token string, v any) ([]byte, error) {
	return c.do("POST", url, token, v)
}

func (c *APICommitter) patch(url, token string, v any) ([]byte, error) {
	return c.do("PATCH", url, token, v)
}

// do issues one API request, retrying transient network failures with
// backoff. Non-2xx statuses are never retried here: permission errors belong
// to the credential ladder and a 409 is the merge-conflict signal.
func (c *APICommitter) do(method, url, token string, v any) ([]byte, error) {
	var payload []byte
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = b
	}

	var out []byte
	err := retryWithBackoff(func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequest(method, url, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("%s %s failed with status %d: %s", method, url, resp.StatusCode, string(b))
		}

		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
