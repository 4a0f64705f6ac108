package github

import (
	"os/exec"
)

// CommandRunner abstracts subprocess execution so the native push path can
// be tested without a git binary.
type CommandRunner interface {
	Run(dir string, env []string, name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes commands on the host.
type RealCommandRunner struct{}

func (r *RealCommandRunner) Run(dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	return cmd.CombinedOutput()
}
