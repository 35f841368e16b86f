package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestBranchOps(t *testing.T) {
	ctx := t.Context()
	repo := initTestRepo(t, "main")

	if !IsRepo(ctx, repo) {
		t.Error("IsRepo = false")
	}
	if IsRepo(ctx, t.TempDir()) {
		t.Error("IsRepo = true for plain directory")
	}
	if !HasRemote(ctx, repo) {
		t.Error("HasRemote = false")
	}

	branch, err := DefaultBranch(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}
	if branch != "main" {
		t.Errorf("default branch = %q, want main", branch)
	}

	if BranchExists(ctx, repo, "feature") {
		t.Error("feature exists before creation")
	}
	if err := CreateBranch(ctx, repo, "feature", "main"); err != nil {
		t.Fatal(err)
	}
	if !BranchExists(ctx, repo, "feature") {
		t.Error("feature missing after creation")
	}

	ok, err := PushBranch(ctx, repo, "feature")
	if err != nil || !ok {
		t.Fatalf("push = %v, %v", ok, err)
	}
}

func TestWorktree(t *testing.T) {
	ctx := t.Context()
	repo := initTestRepo(t, "main")

	if err := CreateBranch(ctx, repo, "work", "main"); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(repo, ".pm", "sandboxes", "r1")
	if err := CheckoutWorktree(ctx, repo, "work", dest); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "README.md")); err != nil {
		t.Errorf("worktree not populated: %v", err)
	}

	// Uncommitted changes do not block removal.
	if err := os.WriteFile(filepath.Join(dest, "dirty.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := RemoveWorktree(ctx, repo, dest); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("worktree directory still present")
	}
}

func initTestRepo(t *testing.T, baseBranch string) string {
	t.Helper()
	dir := t.TempDir()
	bare := filepath.Join(dir, "remote.git")
	clone := filepath.Join(dir, "clone")

	runGit(t, "", "init", "--bare", bare)
	runGit(t, "", "init", clone)
	runGit(t, clone, "config", "user.name", "Test")
	runGit(t, clone, "config", "user.email", "test@test.com")
	runGit(t, clone, "checkout", "-b", baseBranch)

	if err := os.WriteFile(filepath.Join(clone, "README.md"), []byte("hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	runGit(t, clone, "add", ".")
	runGit(t, clone, "commit", "-m", "init")
	runGit(t, clone, "remote", "add", "origin", bare)
	runGit(t, clone, "push", "-u", "origin", baseBranch)
	return clone
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}
