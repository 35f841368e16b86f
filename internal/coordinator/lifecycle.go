package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/plandev/plandev/internal/run"
)

// DefaultDrainWindow bounds how long Shutdown waits for loops to observe
// cancellation before giving up on them.
const DefaultDrainWindow = 60 * time.Second

// Repair scans every project's run store for records left in a live state
// by a previous process and marks them failed. The loop that owned them is
// gone; their commands and log are preserved as-is. It also seeds the
// runID -> projectID index.
func (c *Coordinator) Repair(ctx context.Context) error {
	projects, err := c.work.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	for _, p := range projects {
		store, err := c.storeFor(p.ID, p.Root)
		if err != nil {
			slog.Warn("repair: skipping project with unreadable store", "project", p.ID, "err", err)
			continue
		}
		records, err := store.List(ctx, p.ID)
		if err != nil {
			slog.Warn("repair: listing runs failed", "project", p.ID, "err", err)
			continue
		}
		for _, r := range records {
			c.mu.Lock()
			c.index[r.RunID] = p.ID
			c.mu.Unlock()
			if r.Terminal() {
				continue
			}
			failed := run.StatusFailed
			reason := run.ReasonError
			now := time.Now().UTC()
			note := fmt.Sprintf("orchestrator restarted while run was %s; marked failed during repair", r.Status)
			if _, err := store.Update(ctx, r.RunID, run.Patch{
				Status:       &failed,
				Reason:       &reason,
				FinishedAt:   &now,
				ClearPID:     true,
				AppendErrors: []string{note},
			}); err != nil {
				slog.Warn("repair: marking run failed", "run", r.RunID, "err", err)
				continue
			}
			slog.Info("repaired dangling run", "run", r.RunID, "project", p.ID, "was", r.Status)
		}
	}
	return nil
}

// dirStore is implemented by stores whose records live in a watchable
// directory.
type dirStore interface {
	Dir() string
}

// Watch observes every file-backed run store for record writes so that a
// cancellation flag set by another process (e.g. a CLI editing the record)
// preempts the in-process loop. It blocks until ctx is done. Stores without
// a directory (SQL-backed) are polled by the loop's own per-iteration read
// instead.
func (c *Coordinator) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	c.mu.Lock()
	c.watcher = w
	for _, s := range c.stores {
		if ds, ok := s.(dirStore); ok {
			if err := w.Add(ds.Dir()); err != nil {
				slog.Warn("watch: adding runs dir failed", "dir", ds.Dir(), "err", err)
			}
		}
	}
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(ev.Name)
			runID, found := strings.CutSuffix(name, ".json")
			if !found || strings.HasPrefix(name, ".") {
				continue
			}
			c.checkExternalCancel(ctx, runID)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", "err", err)
		}
	}
}

// checkExternalCancel cancels the in-process loop for runID if its durable
// record carries a cancellation request the loop has not observed yet.
func (c *Coordinator) checkExternalCancel(ctx context.Context, runID string) {
	c.mu.Lock()
	ar := c.active[runID]
	c.mu.Unlock()
	if ar == nil {
		return
	}
	store, err := c.findStore(ctx, runID)
	if err != nil {
		return
	}
	rec, err := store.Get(ctx, runID)
	if err != nil || !rec.CancelRequested() {
		return
	}
	slog.Info("external cancellation observed", "run", runID)
	ar.cancel()
}

// watchStore registers a newly opened store with the running watcher.
// Callers hold c.mu.
func (c *Coordinator) watchStore(s run.Store) {
	if c.watcher == nil {
		return
	}
	if ds, ok := s.(dirStore); ok {
		if err := c.watcher.Add(ds.Dir()); err != nil {
			slog.Warn("watch: adding runs dir failed", "dir", ds.Dir(), "err", err)
		}
	}
}

// Shutdown stops accepting new runs, requests cancellation of every active
// run, and waits up to drain for the loops to reach a terminal state. Loops
// still alive after the window are abandoned; their supervisors hard-kill
// the child process group when their contexts are canceled.
func (c *Coordinator) Shutdown(ctx context.Context, drain time.Duration) error {
	if drain <= 0 {
		drain = DefaultDrainWindow
	}

	c.mu.Lock()
	c.draining = true
	actives := make(map[string]*activeRun, len(c.active))
	for id, ar := range c.active {
		actives[id] = ar
	}
	c.mu.Unlock()

	if len(actives) > 0 {
		slog.Info("draining active runs", "count", len(actives), "window", drain)
	}
	for runID, ar := range actives {
		store, err := c.findStore(ctx, runID)
		if err == nil {
			if _, err := store.RequestCancel(ctx, runID); err != nil && !errors.Is(err, run.ErrNotFound) {
				slog.Warn("shutdown: cancel request failed", "run", runID, "err", err)
			}
		}
		ar.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(drain):
		return fmt.Errorf("drain window elapsed with %d run(s) still active", c.ActiveCount())
	case <-ctx.Done():
		return ctx.Err()
	}
}
