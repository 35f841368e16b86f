package workstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// FileStore reads planning data from the filesystem. Each subdirectory of
// the base directory is one project (the directory name is the project ID);
// inside, sprints live at plans/sprints/<id>.json and settings at
// plans/settings.json.
type FileStore struct {
	base string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at base.
func NewFileStore(base string) *FileStore {
	return &FileStore{base: base}
}

// ProjectRoot resolves a project ID to its repository root.
func (s *FileStore) ProjectRoot(projectID string) (string, error) {
	if projectID == "" || projectID != filepath.Base(projectID) {
		return "", fmt.Errorf("%w: invalid project id %q", ErrNotFound, projectID)
	}
	root := filepath.Join(s.base, projectID)
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	return root, nil
}

// ListProjects enumerates the managed projects.
func (s *FileStore) ListProjects(_ context.Context) ([]Project, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, fmt.Errorf("read projects dir: %w", err)
	}
	var projects []Project
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		projects = append(projects, Project{ID: e.Name(), Root: filepath.Join(s.base, e.Name())})
	}
	slices.SortFunc(projects, func(a, b Project) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return projects, nil
}

// GetSprint returns a sprint with its tasks.
func (s *FileStore) GetSprint(_ context.Context, projectID, sprintID string) (*Sprint, error) {
	root, err := s.ProjectRoot(projectID)
	if err != nil {
		return nil, err
	}
	if sprintID == "" || sprintID != filepath.Base(sprintID) {
		return nil, fmt.Errorf("%w: invalid sprint id %q", ErrNotFound, sprintID)
	}
	path := filepath.Join(root, "plans", "sprints", sprintID+".json")
	data, err := os.ReadFile(path) //nolint:gosec // path components are validated above.
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: sprint %s", ErrNotFound, sprintID)
		}
		return nil, fmt.Errorf("read sprint: %w", err)
	}
	var sp Sprint
	if err := json.Unmarshal(data, &sp); err != nil {
		return nil, fmt.Errorf("decode sprint %s: %w", sprintID, err)
	}
	if sp.ID == "" {
		sp.ID = sprintID
	}
	return &sp, nil
}

// GetProjectSettings returns the project's automation settings with
// defaults applied. A missing settings file yields pure defaults.
func (s *FileStore) GetProjectSettings(_ context.Context, projectID string) (*Settings, error) {
	root, err := s.ProjectRoot(projectID)
	if err != nil {
		return nil, err
	}
	settings := &Settings{}
	data, err := os.ReadFile(filepath.Join(root, "plans", "settings.json"))
	if err == nil {
		if err := json.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("decode settings for %s: %w", projectID, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if settings.Automation.Agent.Name == "" {
		settings.Automation.Agent.Name = "claude-cli"
	}
	return settings, nil
}
