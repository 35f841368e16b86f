package run

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	// ErrNotFound is returned when no record exists for the run ID.
	ErrNotFound = errors.New("run not found")
	// ErrExists is returned by Create when the run ID is already taken.
	ErrExists = errors.New("run already exists")
	// ErrStale is returned by Update when a terminal record is patched
	// with non-final fields.
	ErrStale = errors.New("run is terminal")
)

// Patch is a field-level update to a record. Nil fields are left untouched.
// AppendErrors and command finalization are allowed on terminal records;
// everything else is rejected with ErrStale once the run is terminal.
type Patch struct {
	Status           *Status
	Reason           *Reason
	CurrentIteration *int

	LastTaskID          *string
	LastMessage         *string
	LastCommand         *string
	LastCommandExitCode *int
	LastProgressAt      *time.Time

	PID      *int
	ClearPID bool

	StartedAt  *time.Time
	FinishedAt *time.Time

	AppendErrors []string
}

// mutatesLive reports whether the patch touches fields that are frozen once
// the run is terminal.
func (p *Patch) mutatesLive() bool {
	return p.Status != nil || p.Reason != nil || p.CurrentIteration != nil ||
		p.LastTaskID != nil || p.LastMessage != nil || p.LastCommand != nil ||
		p.LastCommandExitCode != nil || p.LastProgressAt != nil ||
		p.PID != nil || p.StartedAt != nil || p.FinishedAt != nil
}

// apply merges the patch into the record in place.
func (p *Patch) apply(r *Record) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Reason != nil {
		r.Reason = *p.Reason
	}
	if p.CurrentIteration != nil {
		r.CurrentIteration = *p.CurrentIteration
	}
	if p.LastTaskID != nil {
		r.LastTaskID = *p.LastTaskID
	}
	if p.LastMessage != nil {
		r.LastMessage = *p.LastMessage
	}
	if p.LastCommand != nil {
		r.LastCommand = *p.LastCommand
	}
	if p.LastCommandExitCode != nil {
		v := *p.LastCommandExitCode
		r.LastCommandExitCode = &v
	}
	if p.LastProgressAt != nil {
		v := *p.LastProgressAt
		r.LastProgressAt = &v
	}
	if p.PID != nil {
		r.PID = *p.PID
	}
	if p.ClearPID {
		r.PID = 0
	}
	if p.StartedAt != nil {
		v := *p.StartedAt
		r.StartedAt = &v
	}
	if p.FinishedAt != nil {
		v := *p.FinishedAt
		r.FinishedAt = &v
	}
	r.Errors = append(r.Errors, p.AppendErrors...)
}

// Store is the durable persistence contract for run records, command
// telemetry, and per-run log tails. Implementations serialize writes per
// run ID; readers never observe a partially written record.
type Store interface {
	// Create writes a new record. Fails with ErrExists if the run ID is taken.
	Create(ctx context.Context, r *Record) error
	// Get returns a copy of the record, or ErrNotFound.
	Get(ctx context.Context, runID string) (*Record, error)
	// List returns all runs for a project, newest first.
	List(ctx context.Context, projectID string) ([]*Record, error)
	// Update applies a field-level patch atomically and returns the
	// resulting record. Fails with ErrStale when a terminal record is
	// patched with non-final fields.
	Update(ctx context.Context, runID string, p Patch) (*Record, error)
	// AppendCommand appends a command record. Append-only.
	AppendCommand(ctx context.Context, runID string, cmd Command) error
	// FinishCommand finalizes the most recent unfinished command with the
	// exit code and a finish timestamp. Permitted on terminal records so
	// in-flight writes can close out.
	FinishCommand(ctx context.Context, runID string, exitCode int) error
	// AppendLog appends text to the run's combined log. Safe under
	// concurrent writers; serialized per run ID.
	AppendLog(ctx context.Context, runID string, text string) error
	// TailLog returns the last maxLines lines of the combined log in order.
	TailLog(ctx context.Context, runID string, maxLines int) ([]string, error)
	// RequestCancel sets cancellationRequestedAt iff it is currently unset.
	// Returns true if this call was the first to request cancellation.
	RequestCancel(ctx context.Context, runID string) (first bool, err error)
}
