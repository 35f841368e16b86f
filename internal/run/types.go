// Package run defines the run record model and the store contract for
// persisting agent runs, their command telemetry, and their log tails.
package run

import "time"

// Status is the lifecycle state of a run.
type Status string

// Run statuses. A run starts queued, transitions to running when the
// supervised child has spawned, and ends in exactly one terminal status.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusStopped:
		return true
	default:
		return false
	}
}

// Reason explains why a run reached its terminal status.
type Reason string

// Terminal reasons.
const (
	ReasonCompleted     Reason = "completed"
	ReasonMaxIterations Reason = "max_iterations"
	ReasonCanceled      Reason = "canceled"
	ReasonError         Reason = "error"
	ReasonUsageLimit    Reason = "usage_limit"
)

// ExecutorMode selects where the agent child process runs.
type ExecutorMode string

// Executor modes. Remote currently degrades to local.
const (
	ExecutorLocal         ExecutorMode = "local"
	ExecutorContainerized ExecutorMode = "containerized"
	ExecutorRemote        ExecutorMode = "remote"
)

// Command is one invocation of the agent within one iteration. ExitCode and
// FinishedAt are nil until the invocation completes.
type Command struct {
	Command    string     `json:"command"`
	Args       []string   `json:"args,omitempty"`
	Cwd        string     `json:"cwd,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
}

// Record is the canonical state of one agent invocation against a sprint.
// The JSON shape is the stable wire form; clients must tolerate unknown
// fields, so nothing here may be repurposed.
type Record struct {
	RunID      string `json:"runId"`
	ProjectID  string `json:"projectId"`
	SprintID   string `json:"sprintId"`
	SprintName string `json:"sprintName,omitempty"`

	Status       Status       `json:"status"`
	Reason       Reason       `json:"reason,omitempty"`
	ExecutorMode ExecutorMode `json:"executorMode"`

	SandboxPath   string `json:"sandboxPath,omitempty"` // relative to the project root
	SandboxBranch string `json:"sandboxBranch,omitempty"`

	MaxIterations    int `json:"maxIterations"`
	CurrentIteration int `json:"currentIteration"`

	SelectedTaskIDs []string `json:"selectedTaskIds,omitempty"`

	LastTaskID          string     `json:"lastTaskId,omitempty"`
	LastMessage         string     `json:"lastMessage,omitempty"`
	LastCommand         string     `json:"lastCommand,omitempty"`
	LastCommandExitCode *int       `json:"lastCommandExitCode,omitempty"`
	LastProgressAt      *time.Time `json:"lastProgressAt,omitempty"`

	Errors []string `json:"errors,omitempty"`

	PID int `json:"pid,omitempty"` // OS PID of the supervised child while running

	CancellationRequestedAt *time.Time `json:"cancellationRequestedAt,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	Commands []Command `json:"commands,omitempty"`
}

// Terminal reports whether the record is in a terminal status.
func (r *Record) Terminal() bool { return r.Status.Terminal() }

// CancelRequested reports whether cancellation has been requested.
func (r *Record) CancelRequested() bool { return r.CancellationRequestedAt != nil }

// Clone returns a deep copy so callers can hand records out without
// aliasing store-internal state.
func (r *Record) Clone() *Record {
	c := *r
	c.SelectedTaskIDs = append([]string(nil), r.SelectedTaskIDs...)
	c.Errors = append([]string(nil), r.Errors...)
	c.Commands = make([]Command, len(r.Commands))
	for i, cmd := range r.Commands {
		c.Commands[i] = cmd
		c.Commands[i].Args = append([]string(nil), cmd.Args...)
		if cmd.ExitCode != nil {
			v := *cmd.ExitCode
			c.Commands[i].ExitCode = &v
		}
		if cmd.FinishedAt != nil {
			v := *cmd.FinishedAt
			c.Commands[i].FinishedAt = &v
		}
	}
	if r.LastCommandExitCode != nil {
		v := *r.LastCommandExitCode
		c.LastCommandExitCode = &v
	}
	for _, p := range []struct {
		src *time.Time
		dst **time.Time
	}{
		{r.LastProgressAt, &c.LastProgressAt},
		{r.CancellationRequestedAt, &c.CancellationRequestedAt},
		{r.StartedAt, &c.StartedAt},
		{r.FinishedAt, &c.FinishedAt},
	} {
		if p.src != nil {
			v := *p.src
			*p.dst = &v
		}
	}
	return &c
}
