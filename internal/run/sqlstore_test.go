package run

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStoreContract(t *testing.T) {
	ctx := t.Context()
	s := newTestSQLStore(t)

	if err := s.Create(ctx, testRecord("r1", "p1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, testRecord("r1", "p1")); !errors.Is(err, ErrExists) {
		t.Errorf("second create = %v, want ErrExists", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get missing = %v, want ErrNotFound", err)
	}

	running := StatusRunning
	iter := 1
	rec, err := s.Update(ctx, "r1", Patch{Status: &running, CurrentIteration: &iter})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusRunning || rec.CurrentIteration != 1 {
		t.Errorf("got %+v", rec)
	}

	if err := s.AppendCommand(ctx, "r1", Command{Command: "claude", StartedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishCommand(ctx, "r1", 0); err != nil {
		t.Fatal(err)
	}

	if err := s.AppendLog(ctx, "r1", "one\ntwo\nthree\n"); err != nil {
		t.Fatal(err)
	}
	lines, err := s.TailLog(ctx, "r1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "two" || lines[1] != "three" {
		t.Errorf("tail = %v", lines)
	}
	if _, err := s.TailLog(ctx, "missing", 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("tail missing run = %v, want ErrNotFound", err)
	}

	first, err := s.RequestCancel(ctx, "r1")
	if err != nil || !first {
		t.Errorf("cancel = %v, %v", first, err)
	}
	again, err := s.RequestCancel(ctx, "r1")
	if err != nil || again {
		t.Errorf("second cancel = %v, %v", again, err)
	}

	done := StatusCanceled
	reason := ReasonCanceled
	now := time.Now().UTC()
	if _, err := s.Update(ctx, "r1", Patch{Status: &done, Reason: &reason, FinishedAt: &now}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(ctx, "r1", Patch{Status: &running}); !errors.Is(err, ErrStale) {
		t.Errorf("update terminal = %v, want ErrStale", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCanceled || !got.CancelRequested() {
		t.Errorf("got %+v", got)
	}
	if len(got.Commands) != 1 || got.Commands[0].ExitCode == nil {
		t.Errorf("commands = %v", got.Commands)
	}
}

func TestSQLStoreList(t *testing.T) {
	ctx := t.Context()
	s := newTestSQLStore(t)

	base := time.Now().UTC()
	for i, id := range []string{"r1", "r2"} {
		rec := testRecord(id, "p1")
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Create(ctx, testRecord("rx", "p2")); err != nil {
		t.Fatal(err)
	}

	records, err := s.List(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].RunID != "r2" || records[1].RunID != "r1" {
		t.Errorf("records = %v", records)
	}
}
