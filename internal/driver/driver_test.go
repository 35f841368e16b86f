package driver

import (
	"context"
	"strings"
	"testing"

	"github.com/plandev/plandev/internal/workstore"
)

type fakeDriver struct{ name string }

func (f fakeDriver) Name() string { return f.name }

func (f fakeDriver) Invoke(context.Context, Invocation) (Result, error) {
	return Result{}, nil
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		in   Event
		want string
	}{
		{"Text", TextEvent{Text: "hello"}, "hello"},
		{"Tool", ToolCallEvent{Name: "Bash", Args: `{"cmd":"ls"}`}, `[tool] Bash {"cmd":"ls"}`},
		{"ToolNoArgs", ToolCallEvent{Name: "Read"}, "[tool] Read"},
		{"Result", ResultEvent{Kind: "success", Text: "done"}, "[result] success: done"},
		{"ResultNoText", ResultEvent{Kind: "error"}, "[result] error"},
		{"Error", ErrorEvent{Msg: "boom"}, "[error] boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatEvent(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTaskID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"TASK: t-42", "t-42"},
		{"  TASK:  t-42  ", "t-42"},
		{"TASK:", ""},
		{"task: t-42", ""},
		{"working on TASK: t-42", ""},
	}
	for _, tt := range tests {
		if got := ParseTaskID(tt.in); got != tt.want {
			t.Errorf("ParseTaskID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactArgs(t *testing.T) {
	args := []string{"-p", "--model", "opus", "do the thing"}
	got := RedactArgs(args, "do the thing")
	if got[3] != "<prompt>" {
		t.Errorf("got %v", got)
	}
	if got[0] != "-p" || got[2] != "opus" {
		t.Errorf("unrelated args changed: %v", got)
	}
	if args[3] != "do the thing" {
		t.Error("input slice mutated")
	}
}

func TestRelativizePaths(t *testing.T) {
	sandbox := "/home/u/proj/.pm/sandboxes/r1"
	tests := []struct {
		in   string
		want string
	}{
		{"edited /home/u/proj/.pm/sandboxes/r1/src/main.go", "edited src/main.go"},
		{"cwd is /home/u/proj/.pm/sandboxes/r1", "cwd is ."},
		{"no paths here", "no paths here"},
	}
	for _, tt := range tests {
		if got := RelativizePaths(tt.in, sandbox); got != tt.want {
			t.Errorf("RelativizePaths(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	sprint := &workstore.Sprint{
		ID: "s1",
		Tasks: []workstore.TaskItem{
			{ID: "t1", Title: "Add login", Description: "OAuth flow"},
			{ID: "t2", Title: "Add logout"},
			{ID: "t3", Title: "Skipped"},
		},
	}
	p := BuildPrompt(sprint, []string{"t1", "t2"}, "tabs not spaces")

	if !strings.Contains(p, CompletionMarker) {
		t.Error("prompt missing completion marker")
	}
	if !strings.Contains(p, `"TASK: <id>"`) {
		t.Error("prompt missing task announcement protocol")
	}
	if !strings.Contains(p, "- [t1] Add login: OAuth flow") {
		t.Errorf("prompt missing t1:\n%s", p)
	}
	if !strings.Contains(p, "- [t2] Add logout") {
		t.Error("prompt missing t2")
	}
	if strings.Contains(p, "t3") {
		t.Error("unselected task leaked into prompt")
	}
	if !strings.Contains(p, "tabs not spaces") {
		t.Error("coding style guidance missing")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeDriver{"a"})
	r.Register(fakeDriver{"b"})

	if _, err := r.Lookup("a"); err != nil {
		t.Error(err)
	}
	if _, err := r.Lookup("missing"); err == nil {
		t.Error("lookup of unknown driver succeeded")
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("names = %v", names)
	}

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic")
		}
	}()
	r.Register(fakeDriver{"a"})
}
