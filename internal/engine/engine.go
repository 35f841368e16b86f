// Package engine drives the bounded iteration loop of a single run: it
// invokes the agent driver, classifies each result, persists progress, and
// reduces every outcome to exactly one terminal (status, reason) pair.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/plandev/plandev/internal/driver"
	"github.com/plandev/plandev/internal/gitutil"
	"github.com/plandev/plandev/internal/run"
	"github.com/plandev/plandev/internal/sandbox"
	"github.com/plandev/plandev/internal/supervise"
)

// maxConsecutiveErrors is how many non-zero driver exits in a row fail the
// run.
const maxConsecutiveErrors = 2

// lastMessageBytes caps how much trailing output is kept on the record.
const lastMessageBytes = 1024

// Config describes one run for the engine. Everything here is resolved by
// the coordinator before launch.
type Config struct {
	RunID       string
	ProjectRoot string
	Prompt      string

	// Setup commands run in the sandbox through the shell before the first
	// iteration; a failing one fails the run.
	Setup []string

	Model          string
	PermissionMode string
	ExtraArgs      []string

	IterationTimeout time.Duration

	// DropWorkOnCancel allows destroying the sandbox of a canceled or
	// failed run even when nothing was pushed.
	DropWorkOnCancel bool
}

// Engine runs the iteration loop. It is the sole writer of the record's
// mutable fields; only cancellationRequestedAt is written elsewhere.
type Engine struct {
	Store     run.Store
	Driver    driver.Driver
	Sandboxes *sandbox.Manager

	// Push pushes the run branch to the remote. Defaults to gitutil.PushBranch.
	Push func(ctx context.Context, repoRoot, branch string) (bool, error)
}

func (e *Engine) push(ctx context.Context, repoRoot, branch string) (bool, error) {
	if e.Push != nil {
		return e.Push(ctx, repoRoot, branch)
	}
	return gitutil.PushBranch(ctx, repoRoot, branch)
}

// Run executes the loop until a terminal state. It never returns an error
// to the caller; every condition is reduced to the record's terminal
// (status, reason) plus its errors trail.
func (e *Engine) Run(ctx context.Context, cfg Config) {
	log := slog.With("run", cfg.RunID)

	now := time.Now().UTC()
	running := run.StatusRunning
	if _, err := e.Store.Update(ctx, cfg.RunID, run.Patch{Status: &running, StartedAt: &now}); err != nil {
		log.Error("failed to mark run running", "err", err)
		e.finish(ctx, cfg, run.StatusFailed, run.ReasonError, "store error: "+err.Error())
		return
	}
	log.Info("run loop started")

	if err := e.runSetup(ctx, cfg); err != nil {
		log.Warn("setup failed", "err", err)
		e.finish(ctx, cfg, run.StatusFailed, run.ReasonError, "setup: "+err.Error())
		return
	}

	consecutiveErrors := 0
	for {
		rec, err := e.Store.Get(ctx, cfg.RunID)
		if err != nil {
			e.finish(ctx, cfg, run.StatusFailed, run.ReasonError, "store error: "+err.Error())
			return
		}

		// 1. Cancellation wins over everything else.
		if rec.CancelRequested() || ctx.Err() != nil {
			e.finish(ctx, cfg, run.StatusCanceled, run.ReasonCanceled, "")
			return
		}

		// 2. Iteration bound.
		if rec.CurrentIteration >= rec.MaxIterations {
			e.finish(ctx, cfg, run.StatusStopped, run.ReasonMaxIterations, "")
			return
		}

		// 3. Claim the iteration before invoking the agent so a crash
		// mid-iteration still counts against the bound.
		iter := rec.CurrentIteration + 1
		if _, err := e.Store.Update(ctx, cfg.RunID, run.Patch{CurrentIteration: &iter}); err != nil {
			e.finish(ctx, cfg, run.StatusFailed, run.ReasonError, "store error: "+err.Error())
			return
		}
		log.Info("starting iteration", "iteration", iter, "max", rec.MaxIterations)

		// 4. Invoke the driver; the only point where the engine waits on
		// external work.
		res, err := e.Driver.Invoke(ctx, e.invocation(ctx, cfg, iter))
		if err != nil {
			log.Warn("driver spawn failed", "iteration", iter, "err", err)
			e.finish(ctx, cfg, run.StatusFailed, run.ReasonError, fmt.Sprintf("iteration %d: spawn: %v", iter, err))
			return
		}

		// 5. Classify.
		switch {
		case res.ExitCode < 0:
			rec, rerr := e.Store.Get(ctx, cfg.RunID)
			if (rerr == nil && rec.CancelRequested()) || ctx.Err() != nil {
				e.finish(ctx, cfg, run.StatusCanceled, run.ReasonCanceled, "")
				return
			}
			e.finish(ctx, cfg, run.StatusFailed, run.ReasonError,
				fmt.Sprintf("iteration %d: agent killed (exit %d)", iter, res.ExitCode))
			return

		case res.ExitCode == driver.ExitUsageLimit:
			e.finish(ctx, cfg, run.StatusStopped, run.ReasonUsageLimit,
				fmt.Sprintf("iteration %d: usage limit: %s", iter, tail(res.Output, 256)))
			return

		case res.ExitCode != 0:
			consecutiveErrors++
			msg := fmt.Sprintf("iteration %d: exit %d: %s", iter, res.ExitCode, tail(res.Output, 256))
			log.Warn("iteration failed", "iteration", iter, "exit", res.ExitCode, "consecutive", consecutiveErrors)
			if consecutiveErrors >= maxConsecutiveErrors {
				e.finish(ctx, cfg, run.StatusFailed, run.ReasonError, msg)
				return
			}
			if _, err := e.Store.Update(ctx, cfg.RunID, run.Patch{AppendErrors: []string{msg}}); err != nil {
				e.finish(ctx, cfg, run.StatusFailed, run.ReasonError, "store error: "+err.Error())
				return
			}

		default:
			consecutiveErrors = 0
			if strings.Contains(res.Output, driver.CompletionMarker) {
				e.progress(ctx, cfg, res)
				e.finish(ctx, cfg, run.StatusCompleted, run.ReasonCompleted, "")
				return
			}
		}

		// 6. Persist progress for the UI and for crash diagnosis.
		e.progress(ctx, cfg, res)
	}
}

// runSetup executes the project's setup commands in the sandbox.
func (e *Engine) runSetup(ctx context.Context, cfg Config) error {
	logLine := func(line string) {
		if err := e.Store.AppendLog(context.WithoutCancel(ctx), cfg.RunID, line+"\n"); err != nil {
			slog.Warn("append setup log failed", "run", cfg.RunID, "err", err)
		}
	}
	for _, command := range cfg.Setup {
		slog.Info("running setup command", "run", cfg.RunID, "command", command)
		logLine("[setup] " + command)
		res, err := supervise.Run(ctx, supervise.Spec{
			Command:      "sh",
			Args:         []string{"-c", command},
			Dir:          e.sandboxAbs(cfg),
			Timeout:      cfg.IterationTimeout,
			OnStdoutLine: logLine,
			OnStderrLine: logLine,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", command, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%s: exit %d", command, res.ExitCode)
		}
	}
	return nil
}

// invocation builds the driver invocation for one iteration, wiring the
// streaming callbacks to the store.
func (e *Engine) invocation(ctx context.Context, cfg Config, iter int) driver.Invocation {
	// Callbacks persist on a detached context: a canceled run must still
	// finalize its in-flight log and command writes.
	wctx := context.WithoutCancel(ctx)
	return driver.Invocation{
		Iteration:      iter,
		SandboxPath:    e.sandboxAbs(cfg),
		Prompt:         cfg.Prompt,
		Model:          cfg.Model,
		PermissionMode: cfg.PermissionMode,
		ExtraArgs:      cfg.ExtraArgs,
		Timeout:        cfg.IterationTimeout,
		LogLine: func(line string) {
			if err := e.Store.AppendLog(wctx, cfg.RunID, line+"\n"); err != nil {
				slog.Warn("append log failed", "run", cfg.RunID, "err", err)
			}
		},
		BeginCommand: func(command string, args []string, cwd string) {
			cmd := run.Command{Command: command, Args: args, Cwd: cwd, StartedAt: time.Now().UTC()}
			if err := e.Store.AppendCommand(wctx, cfg.RunID, cmd); err != nil {
				slog.Warn("append command failed", "run", cfg.RunID, "err", err)
			}
			full := command
			if len(args) > 0 {
				full += " " + strings.Join(args, " ")
			}
			if _, err := e.Store.Update(wctx, cfg.RunID, run.Patch{LastCommand: &full}); err != nil {
				slog.Warn("update last command failed", "run", cfg.RunID, "err", err)
			}
		},
		FinishCommand: func(exitCode int) {
			if err := e.Store.FinishCommand(wctx, cfg.RunID, exitCode); err != nil {
				slog.Warn("finish command failed", "run", cfg.RunID, "err", err)
			}
			if _, err := e.Store.Update(wctx, cfg.RunID, run.Patch{LastCommandExitCode: &exitCode}); err != nil && !errors.Is(err, run.ErrStale) {
				slog.Warn("update exit code failed", "run", cfg.RunID, "err", err)
			}
		},
		OnPID: func(pid int) {
			if _, err := e.Store.Update(wctx, cfg.RunID, run.Patch{PID: &pid}); err != nil {
				slog.Warn("update pid failed", "run", cfg.RunID, "err", err)
			}
		},
	}
}

// progress records the iteration's trailing output and, when surfaced, the
// task the agent worked on.
func (e *Engine) progress(ctx context.Context, cfg Config, res driver.Result) {
	now := time.Now().UTC()
	last := tail(res.Output, lastMessageBytes)
	p := run.Patch{LastMessage: &last, LastProgressAt: &now}
	if res.TaskID != "" {
		p.LastTaskID = &res.TaskID
	}
	if _, err := e.Store.Update(ctx, cfg.RunID, p); err != nil {
		slog.Warn("persist progress failed", "run", cfg.RunID, "err", err)
	}
}

// finish performs the terminal transition exactly once: status, reason,
// finishedAt, PID cleared, then the best-effort push and sandbox teardown.
func (e *Engine) finish(ctx context.Context, cfg Config, status run.Status, reason run.Reason, errMsg string) {
	// The run may be finishing because ctx was canceled; all remaining
	// writes and git work run detached.
	ctx = context.WithoutCancel(ctx)
	log := slog.With("run", cfg.RunID)

	now := time.Now().UTC()
	p := run.Patch{Status: &status, Reason: &reason, FinishedAt: &now, ClearPID: true}
	if errMsg != "" {
		p.AppendErrors = []string{errMsg}
	}
	rec, err := e.Store.Update(ctx, cfg.RunID, p)
	if err != nil {
		log.Error("terminal transition failed", "status", status, "err", err)
		return
	}
	log.Info("run finished", "status", status, "reason", reason, "iterations", rec.CurrentIteration)

	e.teardown(ctx, cfg, rec, status)
}

// teardown pushes the run branch and destroys the sandbox when the work is
// safe on the remote (or explicitly dropped). On push failure the sandbox
// is preserved so operators can recover the work.
func (e *Engine) teardown(ctx context.Context, cfg Config, rec *run.Record, status run.Status) {
	log := slog.With("run", cfg.RunID)
	if rec.SandboxBranch == "" || rec.SandboxPath == "" {
		return
	}

	pushed := false
	if gitutil.HasRemote(ctx, cfg.ProjectRoot) {
		var err error
		pushed, err = e.push(ctx, cfg.ProjectRoot, rec.SandboxBranch)
		if err != nil {
			log.Warn("branch push failed, keeping sandbox", "branch", rec.SandboxBranch, "err", err)
			if _, uerr := e.Store.Update(ctx, cfg.RunID, run.Patch{
				AppendErrors: []string{fmt.Sprintf("push %s failed: %v", rec.SandboxBranch, err)},
			}); uerr != nil {
				log.Warn("record push failure failed", "err", uerr)
			}
		}
	}

	dropWork := cfg.DropWorkOnCancel && (status == run.StatusCanceled || status == run.StatusFailed)
	if !pushed && !dropWork {
		return
	}
	if err := e.Sandboxes.Destroy(ctx, cfg.ProjectRoot, cfg.RunID); err != nil {
		log.Warn("sandbox teardown failed", "err", err)
	}
}

// sandboxAbs returns the absolute sandbox path for the run.
func (e *Engine) sandboxAbs(cfg Config) string {
	return filepath.Join(cfg.ProjectRoot, sandbox.Path(cfg.RunID))
}

// tail returns the last n bytes of s, trimmed of partial leading content.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
