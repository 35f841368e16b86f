// Package supervise spawns child processes with controlled I/O, a hard
// wall-clock timeout, and preemptive cancellation. Children run in their own
// process group so termination reaches the whole subprocess tree.
package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// graceWindow is how long a process group gets between the graceful
// termination signal and the hard kill.
const graceWindow = 5 * time.Second

// Spec describes one supervised child process.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // extra KEY=VALUE entries appended to the parent environment
	Stdin   io.Reader
	Timeout time.Duration // hard wall-clock cap; 0 means no cap

	// OnStdoutLine and OnStderrLine receive each newline-terminated line as
	// it is produced. Partial lines are flushed at process exit. Callbacks
	// run on the stream reader goroutines, never on the caller's.
	OnStdoutLine func(line string)
	OnStderrLine func(line string)

	// OnStart is invoked with the child PID once the process has spawned.
	OnStart func(pid int)
}

// Result is the structured outcome of a supervised child.
type Result struct {
	ExitCode int // negative when the child was killed by the supervisor
	Duration time.Duration
}

// maxLine bounds a single streamed line; agents emitting JSON blobs can
// produce lines of several megabytes.
const maxLine = 10 * 1024 * 1024

// Run spawns the child and blocks until it exits. Cancelling ctx (or hitting
// the timeout) sends the process group a graceful termination signal, then a
// hard kill after the grace window. A spawn failure is returned as an error;
// any exit of a started child is reported through Result.
func Run(ctx context.Context, spec Spec) (Result, error) {
	start := time.Now()
	cmd := exec.Command(spec.Command, spec.Args...) //nolint:gosec // command and args come from driver configuration, not request input.
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.Stdin != nil {
		cmd.Stdin = spec.Stdin
	}
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	pid := cmd.Process.Pid
	if spec.OnStart != nil {
		spec.OnStart(pid)
	}

	// One reader per stream prevents pipe-buffer deadlock when the child
	// interleaves heavy output on both.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, spec.OnStdoutLine)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, spec.OnStderrLine)
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	waitDone := make(chan struct{})
	killed := false
	var killMu sync.Mutex
	go func() {
		select {
		case <-runCtx.Done():
			killMu.Lock()
			killed = true
			killMu.Unlock()
			terminateGroup(pid, waitDone)
		case <-waitDone:
		}
	}()

	wg.Wait()
	err = cmd.Wait()
	close(waitDone)

	res := Result{Duration: time.Since(start)}
	killMu.Lock()
	wasKilled := killed
	killMu.Unlock()
	switch {
	case err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("wait %s: %w", spec.Command, err)
		}
		res.ExitCode = exitCode(exitErr, wasKilled)
	}
	if wasKilled && res.ExitCode >= 0 {
		// The child caught the termination signal and exited cleanly;
		// still report the kill so callers classify it as such.
		res.ExitCode = -1
	}
	return res, nil
}

// terminateGroup sends the process group a graceful termination signal, then
// a hard kill after the grace window unless the child exits first.
func terminateGroup(pid int, exited <-chan struct{}) {
	slog.Info("terminating process group", "pid", pid)
	if err := signalGroup(pid, false); err != nil {
		slog.Warn("graceful signal failed", "pid", pid, "err", err)
	}
	select {
	case <-exited:
		return
	case <-time.After(graceWindow):
	}
	slog.Warn("grace window elapsed, killing process group", "pid", pid)
	if err := signalGroup(pid, true); err != nil {
		slog.Warn("hard kill failed", "pid", pid, "err", err)
	}
}

// streamLines reads newline-terminated lines from r into fn. The final
// partial line, if any, is flushed when the stream closes.
func streamLines(r io.Reader, fn func(string)) {
	if fn == nil {
		fn = func(string) {}
	}
	br := bufio.NewReaderSize(r, 64*1024)
	var partial []byte
	for {
		chunk, err := br.ReadSlice('\n')
		partial = append(partial, chunk...)
		if err == nil {
			fn(string(partial[:len(partial)-1]))
			partial = partial[:0]
			continue
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(partial) > maxLine {
				fn(string(partial))
				partial = partial[:0]
			}
			continue
		}
		if len(partial) > 0 {
			fn(string(partial))
		}
		return
	}
}
