// Package gitutil wraps the git CLI operations the orchestrator needs:
// branch management, worktree checkout, and pushing run branches.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// run executes git with the given args in dir, returning trimmed stdout.
// stderr is folded into the error.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // args are constructed internally, not from user input.
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// DefaultBranch returns the repository's default branch, preferring the
// remote HEAD and falling back to the current local branch.
func DefaultBranch(ctx context.Context, repoRoot string) (string, error) {
	if out, err := run(ctx, repoRoot, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		return strings.TrimPrefix(out, "refs/remotes/origin/"), nil
	}
	out, err := run(ctx, repoRoot, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("default branch: %w", err)
	}
	return out, nil
}

// BranchExists reports whether a local branch exists.
func BranchExists(ctx context.Context, repoRoot, branch string) bool {
	_, err := run(ctx, repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// CreateBranch creates branch at startPoint without checking it out.
func CreateBranch(ctx context.Context, repoRoot, branch, startPoint string) error {
	_, err := run(ctx, repoRoot, "branch", branch, startPoint)
	return err
}

// DeleteBranch removes a local branch. Forced, so it also removes branches
// whose run never produced commits worth keeping.
func DeleteBranch(ctx context.Context, repoRoot, branch string) error {
	_, err := run(ctx, repoRoot, "branch", "-D", branch)
	return err
}

// CheckoutWorktree creates a worktree at destPath with branch checked out.
// The branch must already exist.
func CheckoutWorktree(ctx context.Context, repoRoot, branch, destPath string) error {
	_, err := run(ctx, repoRoot, "worktree", "add", destPath, branch)
	return err
}

// RemoveWorktree detaches and deletes the worktree at path. --force because
// run worktrees routinely hold uncommitted agent output at teardown.
func RemoveWorktree(ctx context.Context, repoRoot, path string) error {
	_, err := run(ctx, repoRoot, "worktree", "remove", "--force", path)
	return err
}

// PushBranch pushes branch to origin. Returns false (with the error) when
// the push is denied; callers treat that as keep-the-sandbox.
func PushBranch(ctx context.Context, repoRoot, branch string) (bool, error) {
	slog.Info("pushing branch", "repo", repoRoot, "branch", branch)
	if _, err := run(ctx, repoRoot, "push", "-u", "origin", branch); err != nil {
		return false, err
	}
	return true, nil
}

// HasRemote reports whether the repository has an origin remote configured.
func HasRemote(ctx context.Context, repoRoot string) bool {
	_, err := run(ctx, repoRoot, "remote", "get-url", "origin")
	return err == nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(ctx context.Context, dir string) bool {
	out, err := run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}
