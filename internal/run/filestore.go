package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// runsDir is the directory under the project root holding run records
	// and log tails.
	runsDir = "plans/runs"

	storeRetries = 3
	storeBackoff = 50 * time.Millisecond
)

// FileStore persists run records as JSON files under
// <root>/plans/runs/<runId>.json, atomically replaced on every update, with
// the log tail as a sibling <runId>.progress.txt. One FileStore serves one
// project root.
type FileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-run write serialization
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the runs directory if needed and returns the store.
func NewFileStore(root string) (*FileStore, error) {
	dir := filepath.Join(root, filepath.FromSlash(runsDir))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	return &FileStore{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the directory holding the run record files. The coordinator
// watches it for out-of-process cancellation edits.
func (s *FileStore) Dir() string {
	return filepath.Join(s.root, filepath.FromSlash(runsDir))
}

func (s *FileStore) recordPath(runID string) string {
	return filepath.Join(s.Dir(), runID+".json")
}

func (s *FileStore) logPath(runID string) string {
	return filepath.Join(s.Dir(), runID+".progress.txt")
}

// lockFor returns the mutex serializing writes for the given run.
func (s *FileStore) lockFor(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

// Create writes a new record. Fails with ErrExists if the run ID is taken.
func (s *FileStore) Create(ctx context.Context, r *Record) error {
	l := s.lockFor(r.RunID)
	l.Lock()
	defer l.Unlock()
	if _, err := os.Stat(s.recordPath(r.RunID)); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, r.RunID)
	}
	return s.writeRecord(ctx, r)
}

// Get returns a copy of the record, or ErrNotFound.
func (s *FileStore) Get(_ context.Context, runID string) (*Record, error) {
	return s.readRecord(runID)
}

// List returns all runs for a project, newest first.
func (s *FileStore) List(_ context.Context, projectID string) ([]*Record, error) {
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}
	var records []*Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		r, err := s.readRecord(strings.TrimSuffix(name, ".json"))
		if err != nil {
			slog.Warn("skipping unreadable run record", "file", name, "err", err)
			continue
		}
		if projectID != "" && r.ProjectID != projectID {
			continue
		}
		records = append(records, r)
	}
	slices.SortFunc(records, func(a, b *Record) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return records, nil
}

// Update applies a field-level patch atomically. See Store.
func (s *FileStore) Update(ctx context.Context, runID string, p Patch) (*Record, error) {
	l := s.lockFor(runID)
	l.Lock()
	defer l.Unlock()
	r, err := s.readRecord(runID)
	if err != nil {
		return nil, err
	}
	if r.Terminal() && p.mutatesLive() {
		return nil, fmt.Errorf("%w: %s", ErrStale, runID)
	}
	p.apply(r)
	if err := s.writeRecord(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// AppendCommand appends a command record.
func (s *FileStore) AppendCommand(ctx context.Context, runID string, cmd Command) error {
	l := s.lockFor(runID)
	l.Lock()
	defer l.Unlock()
	r, err := s.readRecord(runID)
	if err != nil {
		return err
	}
	r.Commands = append(r.Commands, cmd)
	return s.writeRecord(ctx, r)
}

// FinishCommand finalizes the most recent unfinished command.
func (s *FileStore) FinishCommand(ctx context.Context, runID string, exitCode int) error {
	l := s.lockFor(runID)
	l.Lock()
	defer l.Unlock()
	r, err := s.readRecord(runID)
	if err != nil {
		return err
	}
	for i := len(r.Commands) - 1; i >= 0; i-- {
		if r.Commands[i].ExitCode == nil {
			now := time.Now().UTC()
			r.Commands[i].ExitCode = &exitCode
			r.Commands[i].FinishedAt = &now
			return s.writeRecord(ctx, r)
		}
	}
	return nil
}

// AppendLog appends text to the run's log tail file.
func (s *FileStore) AppendLog(ctx context.Context, runID string, text string) error {
	if text == "" {
		return nil
	}
	l := s.lockFor(runID)
	l.Lock()
	defer l.Unlock()
	return withRetry(ctx, func() error {
		f, err := os.OpenFile(s.logPath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log: %w", err)
		}
		_, werr := f.WriteString(text)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		return werr
	})
}

// TailLog returns the last maxLines lines of the combined log in order.
func (s *FileStore) TailLog(_ context.Context, runID string, maxLines int) ([]string, error) {
	data, err := os.ReadFile(s.logPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			// A run with no output yet has an empty tail, not an error.
			if _, serr := os.Stat(s.recordPath(runID)); serr != nil {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("read log: %w", err)
	}
	return tailLines(data, maxLines), nil
}

// RequestCancel sets cancellationRequestedAt iff currently unset.
func (s *FileStore) RequestCancel(ctx context.Context, runID string) (bool, error) {
	l := s.lockFor(runID)
	l.Lock()
	defer l.Unlock()
	r, err := s.readRecord(runID)
	if err != nil {
		return false, err
	}
	if r.CancellationRequestedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	r.CancellationRequestedAt = &now
	if err := s.writeRecord(ctx, r); err != nil {
		return false, err
	}
	return true, nil
}

// readRecord loads and decodes a record file.
func (s *FileStore) readRecord(runID string) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", runID, err)
	}
	return &r, nil
}

// writeRecord persists the record via write-to-temp-then-rename so readers
// never observe a partial file.
func (s *FileStore) writeRecord(ctx context.Context, r *Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %s: %w", r.RunID, err)
	}
	data = append(data, '\n')
	path := s.recordPath(r.RunID)
	return withRetry(ctx, func() error {
		tmp, err := os.CreateTemp(filepath.Dir(path), "."+r.RunID+".tmp-*")
		if err != nil {
			return fmt.Errorf("create temp record: %w", err)
		}
		name := tmp.Name()
		_, werr := tmp.Write(data)
		if cerr := tmp.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			_ = os.Remove(name)
			return fmt.Errorf("write temp record: %w", werr)
		}
		if err := os.Rename(name, path); err != nil {
			_ = os.Remove(name)
			return fmt.Errorf("rename record: %w", err)
		}
		return nil
	})
}

// withRetry runs fn up to storeRetries times with exponential backoff.
// Persistent failures surface to the caller as fatal run errors.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := storeBackoff
	for attempt := range storeRetries {
		if err = fn(); err == nil {
			return nil
		}
		// Domain errors are not I/O flakes; retrying cannot help.
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStale) || errors.Is(err, ErrExists) {
			return err
		}
		if attempt == storeRetries-1 {
			break
		}
		slog.Warn("store write failed, retrying", "attempt", attempt+1, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

// tailLines returns the last n lines of data in chronological order. A
// trailing newline does not produce an empty final line.
func tailLines(data []byte, n int) []string {
	if n <= 0 || len(data) == 0 {
		return nil
	}
	data = bytes.TrimSuffix(data, []byte("\n"))
	if len(data) == 0 {
		return nil
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
