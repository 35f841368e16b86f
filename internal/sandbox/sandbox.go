// Package sandbox provides per-run working directories: git worktrees under
// <projectRoot>/.pm/sandboxes/<runId>, each bound to its own branch and
// isolated from the main checkout and from other runs.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/plandev/plandev/internal/gitutil"
)

// Dir is the reserved directory under the project root holding sandboxes.
const Dir = ".pm/sandboxes"

// Manager creates and destroys per-run worktrees. Branch and worktree
// creation for a given repository is serialized so concurrent runs never
// race on the branch namespace.
type Manager struct {
	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
	created   map[string]string // runID -> branch Create made for it
}

// NewManager returns a Manager.
func NewManager() *Manager {
	return &Manager{
		repoLocks: make(map[string]*sync.Mutex),
		created:   make(map[string]string),
	}
}

func (m *Manager) lockFor(repoRoot string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.repoLocks[repoRoot]
	if !ok {
		l = &sync.Mutex{}
		m.repoLocks[repoRoot] = l
	}
	return l
}

// Path returns the sandbox path for a run, relative to the project root.
func Path(runID string) string {
	return filepath.Join(filepath.FromSlash(Dir), runID)
}

// Create produces a worktree at <projectRoot>/.pm/sandboxes/<runId> bound
// to branchName (normalized, suffixed on collision). A missing branch is
// created from the repository's default branch. Returns the sandbox path
// relative to the project root and the branch actually used.
func (m *Manager) Create(ctx context.Context, projectRoot, runID, branchName string) (sandboxPath, branch string, err error) {
	l := m.lockFor(projectRoot)
	l.Lock()
	defer l.Unlock()

	rel := Path(runID)
	abs := filepath.Join(projectRoot, rel)
	if _, err := os.Stat(abs); err == nil {
		return "", "", fmt.Errorf("sandbox already exists for run %s", runID)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return "", "", fmt.Errorf("create sandboxes dir: %w", err)
	}

	branch = NormalizeBranch(branchName)
	if branch == "" {
		branch = "run/" + runID
	}
	if !gitutil.BranchExists(ctx, projectRoot, branch) {
		base, err := gitutil.DefaultBranch(ctx, projectRoot)
		if err != nil {
			return "", "", fmt.Errorf("resolve default branch: %w", err)
		}
		if err := gitutil.CreateBranch(ctx, projectRoot, branch, base); err != nil {
			return "", "", fmt.Errorf("create branch: %w", err)
		}
		slog.Info("creating sandbox", "run", runID, "branch", branch, "path", rel)
		if err := gitutil.CheckoutWorktree(ctx, projectRoot, branch, abs); err != nil {
			_ = gitutil.DeleteBranch(ctx, projectRoot, branch)
			return "", "", fmt.Errorf("checkout worktree: %w", err)
		}
		m.noteCreated(runID, branch)
		return rel, branch, nil
	}

	// The branch exists. Bind to it directly when possible; a branch that
	// is checked out elsewhere (the main checkout, another run) cannot be
	// shared by a worktree, so fork a suffixed branch from its HEAD.
	slog.Info("creating sandbox", "run", runID, "branch", branch, "path", rel)
	if err := gitutil.CheckoutWorktree(ctx, projectRoot, branch, abs); err == nil {
		return rel, branch, nil
	}
	fresh := uniqueBranch(ctx, projectRoot, branch)
	if err := gitutil.CreateBranch(ctx, projectRoot, fresh, branch); err != nil {
		return "", "", fmt.Errorf("create branch: %w", err)
	}
	if err := gitutil.CheckoutWorktree(ctx, projectRoot, fresh, abs); err != nil {
		_ = gitutil.DeleteBranch(ctx, projectRoot, fresh)
		return "", "", fmt.Errorf("checkout worktree: %w", err)
	}
	m.noteCreated(runID, fresh)
	return rel, fresh, nil
}

func (m *Manager) noteCreated(runID, branch string) {
	m.mu.Lock()
	m.created[runID] = branch
	m.mu.Unlock()
}

// takeCreated returns and forgets the branch Create made for the run, if any.
func (m *Manager) takeCreated(runID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	branch, ok := m.created[runID]
	delete(m.created, runID)
	return branch, ok
}

// Destroy removes the sandbox worktree for a run. Callers gate this on the
// branch having been pushed, or on an explicit drop-work decision; the
// manager itself only tears down.
func (m *Manager) Destroy(ctx context.Context, projectRoot, runID string) error {
	l := m.lockFor(projectRoot)
	l.Lock()
	defer l.Unlock()
	m.takeCreated(runID)

	abs := filepath.Join(projectRoot, Path(runID))
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return nil
	}
	slog.Info("destroying sandbox", "run", runID, "path", abs)
	if err := gitutil.RemoveWorktree(ctx, projectRoot, abs); err != nil {
		// A worktree left in a broken state (deleted .git file, killed
		// checkout) is removed directly.
		slog.Warn("worktree remove failed, deleting directory", "run", runID, "err", err)
		return os.RemoveAll(abs)
	}
	return nil
}

// Discard tears down the sandbox of a run that never went live. Besides the
// worktree, any branch Create made for the run is deleted; a pre-existing
// branch the worktree merely bound to is kept.
func (m *Manager) Discard(ctx context.Context, projectRoot, runID string) error {
	branch, created := m.takeCreated(runID)
	if err := m.Destroy(ctx, projectRoot, runID); err != nil {
		return err
	}
	if created {
		if err := gitutil.DeleteBranch(ctx, projectRoot, branch); err != nil {
			slog.Warn("deleting discarded branch failed", "run", runID, "branch", branch, "err", err)
		}
	}
	return nil
}

// Exists reports whether a sandbox directory exists for the run.
func (m *Manager) Exists(projectRoot, runID string) bool {
	_, err := os.Stat(filepath.Join(projectRoot, Path(runID)))
	return err == nil
}
