// plandev serves the autonomous run orchestrator: it provisions per-run git
// worktree sandboxes, supervises agent processes, and exposes the run
// lifecycle over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/plandev/plandev/internal/coordinator"
	"github.com/plandev/plandev/internal/driver"
	"github.com/plandev/plandev/internal/driver/claudecli"
	"github.com/plandev/plandev/internal/driver/genaidrv"
	"github.com/plandev/plandev/internal/run"
	"github.com/plandev/plandev/internal/server"
	"github.com/plandev/plandev/internal/workstore"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "plandev:", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	addr := flag.String("addr", ":8787", "HTTP listen address")
	root := flag.String("root", ".", "directory holding the managed projects, one subdirectory per project")
	storeKind := flag.String("store", "file", "run record store: file or sqlite")
	claudeCmd := flag.String("claude-cmd", "claude", "Claude CLI binary")
	containerImage := flag.String("container-image", "", "image for containerized executor mode")
	genaiProvider := flag.String("genai-provider", "anthropic", "provider for the in-process genai driver")
	drain := flag.Duration("drain", coordinator.DefaultDrainWindow, "graceful shutdown drain window")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()
	switch flag.Arg(0) {
	case "", "serve":
		if flag.NArg() > 1 {
			flag.Usage()
			os.Exit(2)
		}
	case "version":
		fmt.Println(version())
		return nil
	default:
		flag.Usage()
		os.Exit(2)
	}

	setupLogging(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	executorMode, err := executorModeFromEnv()
	if err != nil {
		return err
	}

	drivers := driver.NewRegistry()
	drivers.Register(&claudecli.Driver{
		Command:        *claudeCmd,
		ContainerImage: *containerImage,
		ExecutorMode:   executorMode,
	})
	drivers.Register(&genaidrv.Driver{Provider: *genaiProvider})

	stores, err := storeFactory(*storeKind)
	if err != nil {
		return err
	}

	coord := coordinator.New(coordinator.Options{
		Work:             workstore.NewFileStore(*root),
		Drivers:          drivers,
		Stores:           stores,
		MaxConcurrent:    int64(envInt("RUN_LOOP_GLOBAL_CONCURRENCY", coordinator.DefaultConcurrency)),
		MaxIterations:    envInt("RUN_LOOP_MAX_ITERATIONS", coordinator.DefaultMaxIterations),
		IterationTimeout: time.Duration(envInt("RUN_LOOP_TIMEOUT_MS", 0)) * time.Millisecond,
		ExecutorMode:     executorMode,
	})
	if err := coord.Repair(ctx); err != nil {
		return fmt.Errorf("startup repair: %w", err)
	}
	go func() {
		if err := coord.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("cancellation watcher stopped", "err", err)
		}
	}()

	srv := server.New(coord)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(ctx, *addr)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down", "drain", *drain)
	if err := coord.Shutdown(context.WithoutCancel(ctx), *drain); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// version reports the module version baked in by the Go toolchain.
func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}

// setupLogging wires slog to a colorized handler on terminals and a JSON
// handler otherwise. Level comes from -v or PLANDEV_LOG_LEVEL.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if v := os.Getenv("PLANDEV_LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			slog.Warn("ignoring invalid PLANDEV_LOG_LEVEL", "value", v)
		}
	}
	out := os.Stderr
	var h slog.Handler
	if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
		h = tint.NewHandler(colorable.NewColorable(out), &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(h))
}

// storeFactory returns the per-project run store constructor for the
// selected backend.
func storeFactory(kind string) (func(projectRoot string) (run.Store, error), error) {
	switch kind {
	case "file":
		return func(projectRoot string) (run.Store, error) {
			return run.NewFileStore(projectRoot)
		}, nil
	case "sqlite":
		return func(projectRoot string) (run.Store, error) {
			dir := filepath.Join(projectRoot, "plans")
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create plans dir: %w", err)
			}
			return run.OpenSQLStore(filepath.Join(dir, "runs.db"))
		}, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q (want file or sqlite)", kind)
	}
}

// executorModeFromEnv reads RUN_LOOP_EXECUTOR_MODE, defaulting to local.
func executorModeFromEnv() (run.ExecutorMode, error) {
	v := os.Getenv("RUN_LOOP_EXECUTOR_MODE")
	switch v {
	case "":
		return run.ExecutorLocal, nil
	case string(run.ExecutorLocal), string(run.ExecutorContainerized), string(run.ExecutorRemote):
		return run.ExecutorMode(v), nil
	default:
		return "", fmt.Errorf("invalid RUN_LOOP_EXECUTOR_MODE %q", v)
	}
}

// envInt reads an integer environment variable, falling back to def when
// unset or malformed.
func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("ignoring invalid environment value", "name", name, "value", v)
		return def
	}
	return n
}
