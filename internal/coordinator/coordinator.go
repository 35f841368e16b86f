// Package coordinator accepts start/cancel/get/list requests, validates
// preconditions, resolves project settings and adapters, and launches and
// tracks run loops.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/ksid"
	"golang.org/x/sync/semaphore"

	"github.com/plandev/plandev/internal/driver"
	"github.com/plandev/plandev/internal/engine"
	"github.com/plandev/plandev/internal/run"
	"github.com/plandev/plandev/internal/sandbox"
	"github.com/plandev/plandev/internal/workstore"
)

// Precondition errors surfaced to the request layer.
var (
	ErrAlreadyRunning  = errors.New("project already has an active run")
	ErrTooManyActive   = errors.New("too many active runs")
	ErrNotFound        = errors.New("run not found")
	ErrAlreadyTerminal = errors.New("run already terminal")
	ErrInvalid         = errors.New("invalid request")
	ErrShuttingDown    = errors.New("orchestrator is shutting down")
)

// Defaults applied when neither settings nor environment provide a value.
const (
	DefaultMaxIterations    = 10
	DefaultConcurrency      = 4
	DefaultIterationTimeout = 30 * time.Minute
)

// Tail bounds for GetRun.
const (
	DefaultTailLines = 120
	MaxTailLines     = 1000
)

// Options configures a Coordinator.
type Options struct {
	Work    workstore.Store
	Drivers *driver.Registry

	// Stores resolves the run store for a project root. The coordinator
	// caches the result per project.
	Stores func(projectRoot string) (run.Store, error)

	MaxConcurrent    int64
	MaxIterations    int // default per-run cap when settings omit one
	IterationTimeout time.Duration
	ExecutorMode     run.ExecutorMode
}

// Coordinator is the single entry point for run lifecycle requests.
type Coordinator struct {
	work      workstore.Store
	drivers   *driver.Registry
	makeStore func(projectRoot string) (run.Store, error)
	sandboxes *sandbox.Manager

	maxIterations    int
	iterationTimeout time.Duration
	executorMode     run.ExecutorMode

	sem *semaphore.Weighted

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	stores   map[string]run.Store  // projectID -> store
	index    map[string]string     // runID -> projectID
	active   map[string]*activeRun // runID -> in-flight loop
	busy     map[string]string     // projectID -> active runID ("" while starting)
	draining bool
	wg       sync.WaitGroup
}

// activeRun tracks one in-flight loop.
type activeRun struct {
	projectID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultConcurrency
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.IterationTimeout <= 0 {
		opts.IterationTimeout = DefaultIterationTimeout
	}
	if opts.ExecutorMode == "" {
		opts.ExecutorMode = run.ExecutorLocal
	}
	if opts.ExecutorMode == run.ExecutorRemote {
		// The remote executor contract is unresolved; degrade like the
		// source does rather than fail runs.
		slog.Warn("remote executor mode degrades to local")
		opts.ExecutorMode = run.ExecutorLocal
	}
	return &Coordinator{
		work:             opts.Work,
		drivers:          opts.Drivers,
		makeStore:        opts.Stores,
		sandboxes:        sandbox.NewManager(),
		maxIterations:    opts.MaxIterations,
		iterationTimeout: opts.IterationTimeout,
		executorMode:     opts.ExecutorMode,
		sem:              semaphore.NewWeighted(opts.MaxConcurrent),
		stores:           make(map[string]run.Store),
		index:            make(map[string]string),
		active:           make(map[string]*activeRun),
		busy:             make(map[string]string),
	}
}

// StartRequest is the input to StartRun.
type StartRequest struct {
	ProjectID     string
	SprintID      string
	BranchName    string
	MaxIterations int // 0 uses settings / defaults
	TaskIDs       []string
}

// StartRun validates the request, provisions the sandbox, writes the queued
// record, and launches the loop on a background goroutine. It returns the
// run ID immediately.
func (c *Coordinator) StartRun(ctx context.Context, req StartRequest) (string, error) {
	if req.ProjectID == "" || req.SprintID == "" {
		return "", fmt.Errorf("%w: projectId and sprintId are required", ErrInvalid)
	}
	if req.MaxIterations < 0 {
		return "", fmt.Errorf("%w: maxIterations must be positive", ErrInvalid)
	}

	// Reserve the project before any slow provisioning so that concurrent
	// starts for the same project cannot both pass the single-active check.
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return "", ErrShuttingDown
	}
	if rid, ok := c.busy[req.ProjectID]; ok {
		c.mu.Unlock()
		if rid == "" {
			return "", fmt.Errorf("%w: a start for project %s is in flight", ErrAlreadyRunning, req.ProjectID)
		}
		return "", fmt.Errorf("%w: run %s is active", ErrAlreadyRunning, rid)
	}
	c.busy[req.ProjectID] = ""
	c.mu.Unlock()
	reserved := true
	defer func() {
		if reserved {
			c.mu.Lock()
			delete(c.busy, req.ProjectID)
			c.mu.Unlock()
		}
	}()

	projectRoot, err := c.work.ProjectRoot(req.ProjectID)
	if err != nil {
		return "", fmt.Errorf("%w: project %s", ErrNotFound, req.ProjectID)
	}
	settings, err := c.work.GetProjectSettings(ctx, req.ProjectID)
	if err != nil {
		return "", fmt.Errorf("resolve settings: %w", err)
	}
	sprint, err := c.work.GetSprint(ctx, req.ProjectID, req.SprintID)
	if err != nil {
		return "", fmt.Errorf("%w: sprint %s", ErrNotFound, req.SprintID)
	}
	drv, err := c.drivers.Lookup(settings.Automation.Agent.Name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	store, err := c.storeFor(req.ProjectID, projectRoot)
	if err != nil {
		return "", err
	}

	// Records left live by a previous process also count as active.
	existing, err := store.List(ctx, req.ProjectID)
	if err != nil {
		return "", fmt.Errorf("list runs: %w", err)
	}
	for _, r := range existing {
		if !r.Terminal() {
			return "", fmt.Errorf("%w: run %s is %s", ErrAlreadyRunning, r.RunID, r.Status)
		}
	}

	// Global concurrency bound.
	if !c.sem.TryAcquire(1) {
		return "", ErrTooManyActive
	}
	release := c.sem.Release
	defer func() {
		if release != nil {
			release(1)
		}
	}()

	runID := ksid.NewID().String()
	branchName := req.BranchName
	if branchName == "" {
		branchName = "run/" + sprint.ID
	}
	sandboxPath, branch, err := c.sandboxes.Create(ctx, projectRoot, runID, branchName)
	if err != nil {
		return "", fmt.Errorf("sandbox setup: %w", err)
	}

	maxIter := req.MaxIterations
	if maxIter == 0 {
		maxIter = settings.Automation.MaxIterations
	}
	if maxIter == 0 {
		maxIter = c.maxIterations
	}
	taskIDs := req.TaskIDs
	if len(taskIDs) == 0 {
		for _, t := range sprint.Tasks {
			taskIDs = append(taskIDs, t.ID)
		}
	}

	rec := &run.Record{
		RunID:           runID,
		ProjectID:       req.ProjectID,
		SprintID:        sprint.ID,
		SprintName:      sprint.Name,
		Status:          run.StatusQueued,
		ExecutorMode:    c.executorMode,
		SandboxPath:     sandboxPath,
		SandboxBranch:   branch,
		MaxIterations:   maxIter,
		SelectedTaskIDs: taskIDs,
		CreatedAt:       time.Now().UTC(),
	}
	if err := store.Create(ctx, rec); err != nil {
		_ = c.sandboxes.Discard(context.WithoutCancel(ctx), projectRoot, runID)
		return "", fmt.Errorf("create run record: %w", err)
	}

	cfg := engine.Config{
		RunID:            runID,
		ProjectRoot:      projectRoot,
		Prompt:           driver.BuildPrompt(sprint, taskIDs, settings.Automation.CodingStyle),
		Setup:            settings.Automation.Setup,
		Model:            settings.Automation.Agent.Model,
		PermissionMode:   settings.Automation.Agent.PermissionMode,
		ExtraArgs:        settings.Automation.Agent.ExtraArgs,
		IterationTimeout: c.iterationTimeout,
	}
	eng := &engine.Engine{Store: store, Driver: drv, Sandboxes: c.sandboxes}

	// The loop outlives the start request.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar := &activeRun{projectID: req.ProjectID, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.index[runID] = req.ProjectID
	c.active[runID] = ar
	c.busy[req.ProjectID] = runID
	c.mu.Unlock()

	rel := release
	release = nil // semaphore and reservation ownership move to the loop goroutine
	reserved = false
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(ar.done)
		defer cancel()
		defer rel(1)
		eng.Run(loopCtx, cfg)
		c.mu.Lock()
		delete(c.active, runID)
		delete(c.busy, req.ProjectID)
		c.mu.Unlock()
	}()

	slog.Info("run started", "run", runID, "project", req.ProjectID, "sprint", sprint.ID, "branch", branch, "maxIterations", maxIter)
	return runID, nil
}

// CancelRun requests cancellation. It returns success as soon as the flag
// is durably set, even if the loop has not yet observed it.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) error {
	store, err := c.findStore(ctx, runID)
	if err != nil {
		return err
	}
	rec, err := store.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return err
	}
	if rec.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, runID, rec.Status)
	}
	first, err := store.RequestCancel(ctx, runID)
	if err != nil {
		return err
	}
	if first {
		slog.Info("cancellation requested", "run", runID)
	}
	// Make cancellation preemptive for the in-process loop.
	c.mu.Lock()
	ar := c.active[runID]
	c.mu.Unlock()
	if ar != nil {
		ar.cancel()
	}
	return nil
}

// GetRun returns the record plus the last tailLines log lines (default 120,
// clamped to 1000).
func (c *Coordinator) GetRun(ctx context.Context, runID string, tailLines int) (*run.Record, []string, error) {
	if tailLines <= 0 {
		tailLines = DefaultTailLines
	}
	if tailLines > MaxTailLines {
		tailLines = MaxTailLines
	}
	store, err := c.findStore(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	rec, err := store.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, nil, err
	}
	lines, err := store.TailLog(ctx, runID, tailLines)
	if err != nil && !errors.Is(err, run.ErrNotFound) {
		return nil, nil, err
	}
	return rec, lines, nil
}

// ListRuns returns all runs for a project, newest first.
func (c *Coordinator) ListRuns(ctx context.Context, projectID string) ([]*run.Record, error) {
	projectRoot, err := c.work.ProjectRoot(projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	store, err := c.storeFor(projectID, projectRoot)
	if err != nil {
		return nil, err
	}
	return store.List(ctx, projectID)
}

// storeFor returns (creating and caching) the run store for a project.
func (c *Coordinator) storeFor(projectID, projectRoot string) (run.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stores[projectID]; ok {
		return s, nil
	}
	s, err := c.makeStore(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("open run store for %s: %w", projectID, err)
	}
	c.stores[projectID] = s
	c.watchStore(s)
	return s, nil
}

// findStore resolves the store holding runID, scanning all projects when
// the in-memory index has no entry (e.g. records created before restart).
func (c *Coordinator) findStore(ctx context.Context, runID string) (run.Store, error) {
	c.mu.Lock()
	projectID, ok := c.index[runID]
	c.mu.Unlock()
	if ok {
		root, err := c.work.ProjectRoot(projectID)
		if err != nil {
			return nil, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
		}
		return c.storeFor(projectID, root)
	}

	projects, err := c.work.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	for _, p := range projects {
		store, err := c.storeFor(p.ID, p.Root)
		if err != nil {
			slog.Warn("skipping project with unreadable store", "project", p.ID, "err", err)
			continue
		}
		if _, err := store.Get(ctx, runID); err == nil {
			c.mu.Lock()
			c.index[runID] = p.ID
			c.mu.Unlock()
			return store, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
}

// ActiveCount returns the number of in-flight loops.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
