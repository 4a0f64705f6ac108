package github

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/stellarlink/pilot-swe/internal/changeset"
)

// NativePusher is the last rung of the credential ladder: a working-copy
// clone, commit, and `git push`. Some protected-path writes (pipeline
// definition files under .github/workflows, for one) are permitted through
// the native transport but rejected by the structured object API, so this
// path exists even though the API commit is always preferred.
type NativePusher struct {
	Runner CommandRunner
	// WorkdirRoot is where temporary clones are created. Empty means the
	// system temp dir.
	WorkdirRoot string
}

func NewNativePusher() *NativePusher {
	return &NativePusher{Runner: &RealCommandRunner{}}
}

// Push clones the branch shallowly with the given token, applies the final
// edit set to the working copy, commits, and pushes. Returns the local
// commit SHA on success.
func (p *NativePusher) Push(repo, branch, baseBranch, message, token string, final *changeset.Final) (string, error) {
	workdir, err := os.MkdirTemp(p.WorkdirRoot, "pilot-push-")
	if err != nil {
		return "", fmt.Errorf("failed to create workdir: %w", err)
	}
	defer os.RemoveAll(workdir)

	remote := fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token, repo)

	if out, err := p.Runner.Run("", nil, "git", "clone", "--depth=1", "--branch", branch, remote, workdir); err != nil {
		// Branch may not exist yet; clone the base and create it locally.
		log.Printf("[NativePush] Branch clone failed, cloning %s instead: %s", baseBranch, redactOutput(out, token))
		cloneArgs := []string{"clone", "--depth=1", remote, workdir}
		if baseBranch != "" {
			cloneArgs = []string{"clone", "--depth=1", "--branch", baseBranch, remote, workdir}
		}
		if out, err := p.Runner.Run("", nil, "git", cloneArgs...); err != nil {
			return "", fmt.Errorf("git clone failed: %s", redactOutput(out, token))
		}
		if out, err := p.Runner.Run(workdir, nil, "git", "checkout", "-b", branch); err != nil {
			return "", fmt.Errorf("git checkout failed: %s", redactOutput(out, token))
		}
	}

	if err := p.applyEdits(workdir, final); err != nil {
		return "", err
	}

	commands := [][]string{
		{"config", "user.name", "pilot-swe"},
		{"config", "user.email", "pilot-swe@users.noreply.github.com"},
		{"add", "-A"},
		{"commit", "-m", message},
		{"push", "-u", "origin", branch},
	}
	for _, args := range commands {
		if out, err := p.Runner.Run(workdir, nil, "git", args...); err != nil {
			return "", fmt.Errorf("git %s failed: %s", args[0], redactOutput(out, token))
		}
	}

	out, err := p.Runner.Run(workdir, nil, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %s", redactOutput(out, token))
	}
	return trimSHA(out), nil
}

func (p *NativePusher) applyEdits(workdir string, final *changeset.Final) error {
	for _, edit := range final.Edits {
		target := filepath.Join(workdir, filepath.FromSlash(edit.Path))

		if edit.Operation == changeset.OpDelete {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to delete %s: %w", edit.Path, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", edit.Path, err)
		}
		if err := os.WriteFile(target, []byte(edit.Content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", edit.Path, err)
		}
	}
	return nil
}

func trimSHA(out []byte) string {
	return strings.TrimSpace(string(out))
}

// redactOutput keeps tokens out of error messages and logs.
func redactOutput(out []byte, token string) string {
	s := string(out)
	if token != "" {
		s = strings.ReplaceAll(s, token, "[REDACTED]")
	}
	return s
}
