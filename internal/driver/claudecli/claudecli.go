// Package claudecli implements the agent driver that shells out to the
// Claude Code CLI in stream-json mode and interprets its NDJSON output.
package claudecli

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/plandev/plandev/internal/driver"
	"github.com/plandev/plandev/internal/run"
	"github.com/plandev/plandev/internal/supervise"
)

// Name is the registry name projects use to select this driver.
const Name = "claude-cli"

// Driver invokes the Claude Code CLI once per iteration.
type Driver struct {
	// Command is the CLI binary. Defaults to "claude".
	Command string
	// ContainerImage is used when the run's executor mode is containerized;
	// the CLI then runs inside `docker run` with the sandbox mounted.
	ContainerImage string
	// ExecutorMode selects local or containerized execution.
	ExecutorMode run.ExecutorMode
}

var _ driver.Driver = (*Driver)(nil)

// Name returns the registry name.
func (d *Driver) Name() string { return Name }

// Invoke runs one CLI invocation in the sandbox and streams its output.
func (d *Driver) Invoke(ctx context.Context, inv driver.Invocation) (driver.Result, error) {
	command, args := d.buildCommand(inv)

	inv.BeginCommand(command, driver.RedactArgs(args, inv.Prompt), inv.SandboxPath)

	var mu sync.Mutex
	var output strings.Builder
	var taskID string
	emit := func(line string) {
		for _, ev := range parseLine(line) {
			text := driver.FormatEvent(ev)
			if text == "" {
				continue
			}
			text = driver.RelativizePaths(text, inv.SandboxPath)
			mu.Lock()
			if output.Len() > 0 {
				output.WriteByte('\n')
			}
			output.WriteString(text)
			if id := findTaskID(text); id != "" {
				taskID = id
			}
			mu.Unlock()
			for l := range strings.SplitSeq(text, "\n") {
				inv.LogLine(l)
			}
		}
	}

	res, err := supervise.Run(ctx, supervise.Spec{
		Command:      command,
		Args:         args,
		Dir:          inv.SandboxPath,
		Timeout:      inv.Timeout,
		OnStdoutLine: emit,
		OnStderrLine: func(line string) {
			// stderr carries CLI diagnostics; keep them in the combined
			// log with ANSI escapes intact.
			inv.LogLine(driver.RelativizePaths(line, inv.SandboxPath))
		},
		OnStart: inv.OnPID,
	})
	if err != nil {
		inv.FinishCommand(1)
		return driver.Result{ExitCode: 1}, err
	}

	mu.Lock()
	out := output.String()
	tid := taskID
	mu.Unlock()

	exit := res.ExitCode
	if exit == 0 && isUsageLimited(out) {
		slog.Info("agent reported usage limit", "command", command)
		exit = driver.ExitUsageLimit
	}
	inv.FinishCommand(exit)
	return driver.Result{Output: out, ExitCode: exit, TaskID: tid}, nil
}

// buildCommand assembles the CLI invocation, wrapping it in docker run for
// containerized execution.
func (d *Driver) buildCommand(inv driver.Invocation) (string, []string) {
	bin := d.Command
	if bin == "" {
		bin = "claude"
	}
	args := []string{"-p", "--verbose", "--output-format", "stream-json"}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.PermissionMode != "" {
		args = append(args, "--permission-mode", inv.PermissionMode)
	}
	args = append(args, inv.ExtraArgs...)
	args = append(args, inv.Prompt)

	if d.ExecutorMode != run.ExecutorContainerized {
		return bin, args
	}
	image := d.ContainerImage
	if image == "" {
		image = "plandev/agent:latest"
	}
	dockerArgs := []string{
		"run", "--rm", "--init",
		"-v", inv.SandboxPath + ":/work",
		"-w", "/work",
		image, bin,
	}
	return "docker", append(dockerArgs, args...)
}

// findTaskID scans a (possibly multi-line) text block for a TASK: marker.
func findTaskID(text string) string {
	for line := range strings.SplitSeq(text, "\n") {
		if id := driver.ParseTaskID(line); id != "" {
			return id
		}
	}
	return ""
}

// isUsageLimited detects the CLI's rate-limit notices in output that still
// exited zero.
func isUsageLimited(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "usage limit reached") ||
		strings.Contains(lower, "rate limit") && strings.Contains(lower, "exceeded")
}
