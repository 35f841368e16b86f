package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// SQLStore is the database-backed Store variant. Each record is one row
// updated in a single transaction; log lines live in an append-only table.
// The contract is identical to FileStore; the choice is a deployment-time
// decision.
type SQLStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	record     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_project ON runs(project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS run_log (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	line   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS run_log_run ON run_log(run_id, id);
`

// OpenSQLStore opens (and migrates) a SQLite-backed store at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent runs.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqlSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// Create writes a new record. Fails with ErrExists if the run ID is taken.
func (s *SQLStore) Create(ctx context.Context, r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, project_id, status, created_at, record) VALUES (?, ?, ?, ?, ?)`,
		r.RunID, r.ProjectID, string(r.Status), r.CreatedAt, string(data))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s", ErrExists, r.RunID)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Get returns the record, or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, runID string) (*Record, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT record FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	var r Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", runID, err)
	}
	return &r, nil
}

// List returns all runs for a project, newest first.
func (s *SQLStore) List(ctx context.Context, projectID string) ([]*Record, error) {
	query := `SELECT record FROM runs ORDER BY created_at DESC`
	args := []any{}
	if projectID != "" {
		query = `SELECT record FROM runs WHERE project_id = ? ORDER BY created_at DESC`
		args = append(args, projectID)
	}
	var rows []string
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	records := make([]*Record, 0, len(rows))
	for _, data := range rows {
		var r Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			continue
		}
		records = append(records, &r)
	}
	return records, nil
}

// Update applies a field-level patch inside a single transaction.
func (s *SQLStore) Update(ctx context.Context, runID string, p Patch) (*Record, error) {
	var out *Record
	err := s.mutate(ctx, runID, func(r *Record) error {
		if r.Terminal() && p.mutatesLive() {
			return fmt.Errorf("%w: %s", ErrStale, runID)
		}
		p.apply(r)
		out = r
		return nil
	})
	return out, err
}

// AppendCommand appends a command record.
func (s *SQLStore) AppendCommand(ctx context.Context, runID string, cmd Command) error {
	return s.mutate(ctx, runID, func(r *Record) error {
		r.Commands = append(r.Commands, cmd)
		return nil
	})
}

// FinishCommand finalizes the most recent unfinished command.
func (s *SQLStore) FinishCommand(ctx context.Context, runID string, exitCode int) error {
	return s.mutate(ctx, runID, func(r *Record) error {
		for i := len(r.Commands) - 1; i >= 0; i-- {
			if r.Commands[i].ExitCode == nil {
				now := time.Now().UTC()
				r.Commands[i].ExitCode = &exitCode
				r.Commands[i].FinishedAt = &now
				return nil
			}
		}
		return nil
	})
}

// AppendLog appends text to the run's log, one row per line.
func (s *SQLStore) AppendLog(ctx context.Context, runID string, text string) error {
	if text == "" {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for line := range strings.SplitSeq(strings.TrimSuffix(text, "\n"), "\n") {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_log (run_id, line) VALUES (?, ?)`, runID, line); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert log line: %w", err)
		}
	}
	return tx.Commit()
}

// TailLog returns the last maxLines lines in chronological order.
func (s *SQLStore) TailLog(ctx context.Context, runID string, maxLines int) ([]string, error) {
	if maxLines <= 0 {
		return nil, nil
	}
	var lines []string
	err := s.db.SelectContext(ctx, &lines,
		`SELECT line FROM (
			SELECT id, line FROM run_log WHERE run_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, runID, maxLines)
	if err != nil {
		return nil, fmt.Errorf("select log: %w", err)
	}
	if len(lines) == 0 {
		if _, err := s.Get(ctx, runID); err != nil {
			return nil, err
		}
	}
	return lines, nil
}

// RequestCancel sets cancellationRequestedAt iff currently unset.
func (s *SQLStore) RequestCancel(ctx context.Context, runID string) (bool, error) {
	first := false
	err := s.mutate(ctx, runID, func(r *Record) error {
		if r.CancellationRequestedAt != nil {
			return nil
		}
		now := time.Now().UTC()
		r.CancellationRequestedAt = &now
		first = true
		return nil
	})
	return first, err
}

// mutate runs a read-modify-write of one row in a transaction, retried per
// the store failure policy.
func (s *SQLStore) mutate(ctx context.Context, runID string, fn func(*Record) error) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		var data string
		err = tx.GetContext(ctx, &data, `SELECT record FROM runs WHERE run_id = ?`, runID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		if err != nil {
			return fmt.Errorf("select run: %w", err)
		}
		var r Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return fmt.Errorf("decode record %s: %w", runID, err)
		}
		if err := fn(&r); err != nil {
			return err
		}
		out, err := json.Marshal(&r)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, record = ? WHERE run_id = ?`,
			string(r.Status), string(out), runID); err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		return tx.Commit()
	})
}
