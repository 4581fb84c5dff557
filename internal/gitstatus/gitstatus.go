// Package gitstatus inspects whether a project can host worktree-based builds.
package gitstatus

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Status is the git state of a project directory.
type Status struct {
	IsGitRepo     bool
	HasCommits    bool
	CurrentBranch string
	Error         string // set when git itself could not be run
}

// Ready reports whether builds can start.
func (s Status) Ready() bool {
	return s.IsGitRepo && s.HasCommits
}

// CommandRunner runs a command in dir and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args in dir.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Checker queries git for a project's status.
type Checker struct {
	// Runner executes git (optional, uses ExecRunner if nil)
	Runner CommandRunner

	// GitPath is the git binary (empty = "git")
	GitPath string
}

// NewChecker creates a Checker using the git on PATH.
func NewChecker() *Checker {
	return &Checker{}
}

// CheckStatus reports whether path is inside a git work tree with at least
// one commit.
func (c *Checker) CheckStatus(ctx context.Context, path string) Status {
	if _, err := c.git(ctx, path, "--version"); err != nil {
		return Status{Error: fmt.Sprintf("git is not available: %v", err)}
	}

	out, err := c.git(ctx, path, "rev-parse", "--is-inside-work-tree")
	if err != nil || strings.TrimSpace(out) != "true" {
		return Status{}
	}
	status := Status{IsGitRepo: true}

	if _, err := c.git(ctx, path, "rev-parse", "--verify", "--quiet", "HEAD"); err == nil {
		status.HasCommits = true
	}
	if branch, err := c.git(ctx, path, "branch", "--show-current"); err == nil {
		status.CurrentBranch = strings.TrimSpace(branch)
	}
	return status
}

func (c *Checker) git(ctx context.Context, dir string, args ...string) (string, error) {
	runner := c.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	bin := c.GitPath
	if bin == "" {
		bin = "git"
	}
	return runner.Run(ctx, dir, bin, args...)
}
