package workstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeProject lays out a minimal project directory under base.
func writeProject(t *testing.T, base, projectID string, files map[string]string) {
	t.Helper()
	root := filepath.Join(base, projectID)
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		t.Fatal(err)
	}
}

func TestFileStoreProjects(t *testing.T) {
	base := t.TempDir()
	writeProject(t, base, "beta", nil)
	writeProject(t, base, "alpha", nil)
	s := NewFileStore(base)

	root, err := s.ProjectRoot("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if root != filepath.Join(base, "alpha") {
		t.Errorf("root = %q", root)
	}
	if _, err := s.ProjectRoot("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing project = %v, want ErrNotFound", err)
	}
	// Path traversal in the ID is rejected, not resolved.
	if _, err := s.ProjectRoot("../alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("traversal id = %v, want ErrNotFound", err)
	}

	projects, err := s.ListProjects(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 || projects[0].ID != "alpha" || projects[1].ID != "beta" {
		t.Errorf("projects = %v", projects)
	}
}

func TestFileStoreGetSprint(t *testing.T) {
	base := t.TempDir()
	writeProject(t, base, "p1", map[string]string{
		"plans/sprints/s1.json": `{"name":"Auth","tasks":[{"id":"t1","title":"Login"},{"id":"t2","title":"Logout"}]}`,
	})
	s := NewFileStore(base)

	sp, err := s.GetSprint(t.Context(), "p1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	// A sprint file without an explicit id inherits the filename.
	if sp.ID != "s1" || sp.Name != "Auth" {
		t.Errorf("sprint = %+v", sp)
	}
	if len(sp.Tasks) != 2 || sp.Tasks[0].ID != "t1" {
		t.Errorf("tasks = %v", sp.Tasks)
	}

	if _, err := s.GetSprint(t.Context(), "p1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing sprint = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSprint(t.Context(), "p1", "../s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("traversal sprint id = %v, want ErrNotFound", err)
	}
}

func TestFileStoreGetProjectSettings(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		base := t.TempDir()
		writeProject(t, base, "p1", nil)
		s := NewFileStore(base)

		settings, err := s.GetProjectSettings(t.Context(), "p1")
		if err != nil {
			t.Fatal(err)
		}
		if settings.Automation.Agent.Name != "claude-cli" {
			t.Errorf("agent = %q, want claude-cli", settings.Automation.Agent.Name)
		}
	})

	t.Run("FromFile", func(t *testing.T) {
		base := t.TempDir()
		writeProject(t, base, "p1", map[string]string{
			"plans/settings.json": `{"automation":{"maxIterations":7,"agent":{"name":"genai","model":"opus"},"codingStyle":"short functions"}}`,
		})
		s := NewFileStore(base)

		settings, err := s.GetProjectSettings(t.Context(), "p1")
		if err != nil {
			t.Fatal(err)
		}
		a := settings.Automation
		if a.MaxIterations != 7 || a.Agent.Name != "genai" || a.Agent.Model != "opus" {
			t.Errorf("automation = %+v", a)
		}
		if a.CodingStyle != "short functions" {
			t.Errorf("codingStyle = %q", a.CodingStyle)
		}
	})
}
