// Package driver defines the pluggable agent driver contract. A driver
// translates one iteration request into an invocation of a specific coding
// agent and interprets that agent's output; the rest of the orchestrator is
// agent-agnostic.
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Exit code conventions shared by all drivers.
const (
	// ExitUsageLimit is returned when the agent reports it is rate-limited
	// or quota-exhausted. Treated as a non-failure stop.
	ExitUsageLimit = 2
)

// Invocation carries everything a driver needs for one iteration.
type Invocation struct {
	Iteration   int
	SandboxPath string // absolute path to the run's worktree
	Prompt      string

	Model          string
	PermissionMode string
	ExtraArgs      []string

	Timeout time.Duration // per-iteration hard cap

	// LogLine receives output one line at a time. It must not block; the
	// engine wires it to the run store's serialized log appender.
	LogLine func(line string)

	// BeginCommand durably records the invocation before the agent runs.
	// The prompt blob in args is redacted by the driver beforehand.
	BeginCommand func(command string, args []string, cwd string)
	// FinishCommand finalizes the recorded command with its exit code.
	FinishCommand func(exitCode int)

	// OnPID reports the supervised child's PID, when there is one.
	OnPID func(pid int)
}

// Result is a driver's interpretation of one iteration.
//
// ExitCode 0 is normal progress, ExitUsageLimit signals throttling, a
// negative code means the child was killed (cancellation or timeout), and
// anything else is an error.
type Result struct {
	Output   string
	ExitCode int
	TaskID   string // task the agent reported working on, when surfaced
}

// Driver is one registered agent integration.
type Driver interface {
	Name() string
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// Registry holds the drivers registered at startup. The coordinator selects
// one by name from project settings.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver. Registering the same name twice panics; that is a
// wiring bug, not a runtime condition.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.drivers[d.Name()]; dup {
		panic("driver already registered: " + d.Name())
	}
	r.drivers[d.Name()] = d
}

// Lookup returns the named driver.
func (r *Registry) Lookup(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent driver %q", name)
	}
	return d, nil
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
