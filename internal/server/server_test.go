package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/plandev/plandev/internal/coordinator"
	"github.com/plandev/plandev/internal/driver"
	"github.com/plandev/plandev/internal/run"
	"github.com/plandev/plandev/internal/workstore"
)

type fakeDriver struct{}

func (fakeDriver) Name() string { return "fake" }

func (fakeDriver) Invoke(_ context.Context, inv driver.Invocation) (driver.Result, error) {
	inv.LogLine("iteration output")
	return driver.Result{Output: driver.CompletionMarker, ExitCode: 0}, nil
}

func newTestServer(t *testing.T, projectIDs ...string) *httptest.Server {
	t.Helper()
	base := t.TempDir()
	for _, id := range projectIDs {
		initProjectRepo(t, base, id)
	}
	drivers := driver.NewRegistry()
	drivers.Register(fakeDriver{})
	coord := coordinator.New(coordinator.Options{
		Work:    workstore.NewFileStore(base),
		Drivers: drivers,
		Stores: func(projectRoot string) (run.Store, error) {
			return run.NewFileStore(projectRoot)
		},
	})
	ts := httptest.NewServer(New(coord).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body)) //nolint:gosec // test server URL.
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec // test server URL.
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func errorCodeOf(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestStartRunEndpoint(t *testing.T) {
	t.Run("HappyPath", func(t *testing.T) {
		ts := newTestServer(t, "p1")
		resp, body := postJSON(t, ts.URL+"/api/v1/runs", `{"projectId":"p1","sprintId":"s1"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
		}
		runID, _ := body["runId"].(string)
		if runID == "" {
			t.Fatalf("body = %v", body)
		}
		if body["status"] != "queued" {
			t.Errorf("status = %v", body["status"])
		}

		// The run shows up in the project listing and eventually completes.
		deadline := time.Now().Add(10 * time.Second)
		for {
			resp, body := getJSON(t, ts.URL+"/api/v1/runs/"+runID+"?tail=10")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("get status = %d", resp.StatusCode)
			}
			rec, _ := body["run"].(map[string]any)
			if rec["status"] == "completed" {
				logLines, _ := body["log"].([]any)
				if len(logLines) == 0 {
					t.Error("log tail empty")
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("run never completed: %v", rec)
			}
			time.Sleep(10 * time.Millisecond)
		}
	})

	t.Run("ValidationErrors", func(t *testing.T) {
		ts := newTestServer(t, "p1")
		tests := []struct {
			body     string
			wantCode string
		}{
			{`{"sprintId":"s1"}`, "BAD_REQUEST"},
			{`{"projectId":"p1"}`, "BAD_REQUEST"},
			{`{"projectId":"p1","sprintId":"s1","maxIterations":-1}`, "BAD_REQUEST"},
			{`{"projectId":"p1","sprintId":"s1","unknown":true}`, "BAD_REQUEST"},
			{`{"projectId":"nope","sprintId":"s1"}`, "NOT_FOUND"},
		}
		for _, tt := range tests {
			resp, body := postJSON(t, ts.URL+"/api/v1/runs", tt.body)
			if got := errorCodeOf(body); got != tt.wantCode {
				t.Errorf("body %s: code = %q (http %d), want %q", tt.body, got, resp.StatusCode, tt.wantCode)
			}
		}
	})
}

func TestCancelEndpoint(t *testing.T) {
	ts := newTestServer(t, "p1")
	resp, body := postJSON(t, ts.URL+"/api/v1/runs/missing/cancel", "")
	if resp.StatusCode != http.StatusNotFound || errorCodeOf(body) != "NOT_FOUND" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestGetRunEndpoint(t *testing.T) {
	ts := newTestServer(t, "p1")

	resp, body := getJSON(t, ts.URL+"/api/v1/runs/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}

	resp, body = getJSON(t, ts.URL+"/api/v1/runs/whatever?tail=abc")
	if resp.StatusCode != http.StatusBadRequest || errorCodeOf(body) != "BAD_REQUEST" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestListRunsEndpoint(t *testing.T) {
	ts := newTestServer(t, "p1")

	resp, body := getJSON(t, ts.URL+"/api/v1/runs")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing project param: status = %d, body = %v", resp.StatusCode, body)
	}

	resp, body = getJSON(t, ts.URL+"/api/v1/runs?project=p1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if runs, ok := body["runs"].([]any); !ok || len(runs) != 0 {
		t.Errorf("runs = %v", body["runs"])
	}
}

func TestHealthzEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, body := getJSON(t, ts.URL+"/api/v1/healthz")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestCompression(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/healthz", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept-Encoding", "gzip")
	// Disable the transport's transparent decompression so the header is
	// observable.
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
}

func TestParseAcceptEncoding(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gzip, deflate, br, zstd", "zstd"},
		{"gzip, br", "br"},
		{"gzip", "gzip"},
		{"gzip;q=0, br", "br"},
		{"identity", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := negotiateEncoding(parseAcceptEncoding(tt.in)); got != tt.want {
			t.Errorf("negotiate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// initProjectRepo creates base/<projectID> as a git clone with one commit,
// a sprint fixture, and settings selecting the fake driver.
func initProjectRepo(t *testing.T, base, projectID string) {
	t.Helper()
	bare := filepath.Join(t.TempDir(), "remote.git")
	root := filepath.Join(base, projectID)

	runGit(t, "", "init", "--bare", bare)
	runGit(t, "", "init", root)
	runGit(t, root, "config", "user.name", "Test")
	runGit(t, root, "config", "user.email", "test@test.com")
	runGit(t, root, "checkout", "-b", "main")

	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	runGit(t, root, "add", ".")
	runGit(t, root, "commit", "-m", "init")
	runGit(t, root, "remote", "add", "origin", bare)
	runGit(t, root, "push", "-u", "origin", "main")

	plans := filepath.Join(root, "plans", "sprints")
	if err := os.MkdirAll(plans, 0o750); err != nil {
		t.Fatal(err)
	}
	sprint := `{"name":"Auth","tasks":[{"id":"t1","title":"Login"}]}`
	if err := os.WriteFile(filepath.Join(plans, "s1.json"), []byte(sprint), 0o600); err != nil {
		t.Fatal(err)
	}
	settings := `{"automation":{"maxIterations":3,"agent":{"name":"fake"}}}`
	if err := os.WriteFile(filepath.Join(root, "plans", "settings.json"), []byte(settings), 0o600); err != nil {
		t.Fatal(err)
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}
