package claudecli

import (
	"strings"
	"testing"

	"github.com/plandev/plandev/internal/driver"
	"github.com/plandev/plandev/internal/run"
)

func TestParseLine(t *testing.T) {
	t.Run("AssistantText", func(t *testing.T) {
		line := `{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}`
		events := parseLine(line)
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		te, ok := events[0].(driver.TextEvent)
		if !ok || te.Text != "working on it" {
			t.Errorf("got %#v", events[0])
		}
	})

	t.Run("AssistantToolUse", func(t *testing.T) {
		line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"go test"}},{"type":"text","text":"running tests"}]}}`
		events := parseLine(line)
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
		tc, ok := events[0].(driver.ToolCallEvent)
		if !ok || tc.Name != "Bash" {
			t.Errorf("got %#v", events[0])
		}
		if !strings.Contains(tc.Args, "go test") {
			t.Errorf("args = %q", tc.Args)
		}
	})

	t.Run("Result", func(t *testing.T) {
		line := `{"type":"result","subtype":"success","result":"all done"}`
		events := parseLine(line)
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		re, ok := events[0].(driver.ResultEvent)
		if !ok || re.Kind != "success" || re.Text != "all done" {
			t.Errorf("got %#v", events[0])
		}
	})

	t.Run("ResultErrorWithoutSubtype", func(t *testing.T) {
		events := parseLine(`{"type":"result","is_error":true,"result":"boom"}`)
		re, ok := events[0].(driver.ResultEvent)
		if !ok || re.Kind != "error" {
			t.Errorf("got %#v", events[0])
		}
	})

	t.Run("NonJSONPassesThrough", func(t *testing.T) {
		events := parseLine("plain diagnostics")
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		te, ok := events[0].(driver.TextEvent)
		if !ok || te.Text != "plain diagnostics" {
			t.Errorf("got %#v", events[0])
		}
	})

	t.Run("SystemAndUserSuppressed", func(t *testing.T) {
		for _, line := range []string{
			`{"type":"system","subtype":"init"}`,
			`{"type":"user","message":{"content":[]}}`,
		} {
			if events := parseLine(line); events != nil {
				t.Errorf("parseLine(%q) = %v, want nil", line, events)
			}
		}
	})

	t.Run("MalformedJSONSkipped", func(t *testing.T) {
		if events := parseLine(`{"type":`); events != nil {
			t.Errorf("got %v, want nil", events)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if events := parseLine(""); events != nil {
			t.Errorf("got %v, want nil", events)
		}
	})
}

func TestCompactInput(t *testing.T) {
	long := `{"k":"` + strings.Repeat("x", 300) + `"}`
	got := compactInput([]byte(long))
	if len(got) > maxArgsLen+len("…") {
		t.Errorf("len = %d", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("got %q", got)
	}
	if compactInput(nil) != "" {
		t.Error("nil input not empty")
	}
}

func TestIsUsageLimited(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"Claude AI usage limit reached|1719532800", true},
		{"Rate limit exceeded, retry later", true},
		{"all tests pass", false},
		{"rate limit documentation updated", false},
	}
	for _, tt := range tests {
		if got := isUsageLimited(tt.in); got != tt.want {
			t.Errorf("isUsageLimited(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBuildCommand(t *testing.T) {
	inv := driver.Invocation{
		SandboxPath:    "/work/r1",
		Prompt:         "do it",
		Model:          "opus",
		PermissionMode: "acceptEdits",
		ExtraArgs:      []string{"--max-turns", "50"},
	}

	t.Run("Local", func(t *testing.T) {
		d := &Driver{}
		cmd, args := d.buildCommand(inv)
		if cmd != "claude" {
			t.Errorf("cmd = %q", cmd)
		}
		want := []string{"-p", "--verbose", "--output-format", "stream-json", "--model", "opus", "--permission-mode", "acceptEdits", "--max-turns", "50", "do it"}
		if strings.Join(args, " ") != strings.Join(want, " ") {
			t.Errorf("args = %v, want %v", args, want)
		}
	})

	t.Run("Containerized", func(t *testing.T) {
		d := &Driver{ExecutorMode: run.ExecutorContainerized, ContainerImage: "img:1"}
		cmd, args := d.buildCommand(inv)
		if cmd != "docker" {
			t.Errorf("cmd = %q", cmd)
		}
		joined := strings.Join(args, " ")
		for _, want := range []string{"run --rm --init", "-v /work/r1:/work", "-w /work", "img:1 claude", "stream-json"} {
			if !strings.Contains(joined, want) {
				t.Errorf("args missing %q: %v", want, args)
			}
		}
	})
}

func TestFindTaskID(t *testing.T) {
	if got := findTaskID("prose\nTASK: t-7\nmore"); got != "t-7" {
		t.Errorf("got %q, want t-7", got)
	}
	if got := findTaskID("no marker"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
