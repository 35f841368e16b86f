// Package workstore reads the planning data the orchestrator consumes:
// sprints, their tasks, and per-project automation settings.
package workstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned for unknown projects and sprints.
var ErrNotFound = errors.New("not found")

// TaskItem is one work item within a sprint.
type TaskItem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Sprint is a bounded set of tasks a run works through.
type Sprint struct {
	ID     string     `json:"id"`
	Name   string     `json:"name,omitempty"`
	Status string     `json:"status,omitempty"`
	Tasks  []TaskItem `json:"tasks,omitempty"`
}

// AgentSettings selects and configures the agent driver for a project.
type AgentSettings struct {
	Name           string   `json:"name"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	ExtraArgs      []string `json:"extraArgs,omitempty"`
}

// Automation holds the run-loop settings for a project.
type Automation struct {
	Setup         []string      `json:"setup,omitempty"`
	MaxIterations int           `json:"maxIterations,omitempty"`
	Agent         AgentSettings `json:"agent"`
	CodingStyle   string        `json:"codingStyle,omitempty"`
}

// Settings is the per-project configuration the coordinator resolves at
// start time.
type Settings struct {
	Automation Automation `json:"automation"`
}

// Project identifies one managed repository.
type Project struct {
	ID   string `json:"id"`
	Root string `json:"root"` // absolute path to the git checkout
}

// Store is the work-store contract the orchestrator consumes.
type Store interface {
	// GetSprint returns a sprint with its tasks, or ErrNotFound.
	GetSprint(ctx context.Context, projectID, sprintID string) (*Sprint, error)
	// GetProjectSettings returns the project's automation settings, with
	// defaults filled in, or ErrNotFound for an unknown project.
	GetProjectSettings(ctx context.Context, projectID string) (*Settings, error)
	// ProjectRoot resolves a project ID to its repository root.
	ProjectRoot(projectID string) (string, error)
	// ListProjects enumerates the managed projects.
	ListProjects(ctx context.Context) ([]Project, error)
}
