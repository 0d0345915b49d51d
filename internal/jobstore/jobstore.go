// SPDX-License-Identifier: MIT

// Package jobstore persists job metadata in SQLite. State changes go through
// conditional transitions ("A to B iff current state is A") so that a worker
// and the timeout sweep can never both finalize the same job: the first
// transition wins and the loser is a no-op.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clipforge/clipforge/internal/types"
)

// ErrNotFound indicates the job id is unknown.
var ErrNotFound = errors.New("job not found")

// Job is the persisted job record.
type Job struct {
	ID            string            `json:"id"`
	SourceKey     string            `json:"source_key"`
	Class         types.TaskClass   `json:"class"`
	Params        map[string]string `json:"params,omitempty"`
	State         types.JobState    `json:"state"`
	Progress      int               `json:"progress"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	OutputKey     string            `json:"output_key,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// Store is a SQLite-backed job record store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open initializes the store at dbPath, creating the schema if needed.
func Open(dbPath string) (*Store, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobstore: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		source_key TEXT NOT NULL,
		class TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		state TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		output_key TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs(completed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new job record. The job must carry a unique id and a
// Pending state.
func (s *Store) Create(ctx context.Context, j *Job) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("jobstore: encode params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, source_key, class, params, state, progress, retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		j.ID, j.SourceKey, j.Class.String(), string(params), j.State.String(), j.MaxRetries,
		j.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("jobstore: insert job %s: %w", j.ID, err)
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j                   Job
		class, state        string
		params              string
		createdAt           string
		startedAt, doneAt   sql.NullString
	)
	err := row.Scan(&j.ID, &j.SourceKey, &class, &params, &state, &j.Progress,
		&j.RetryCount, &j.MaxRetries, &j.OutputKey, &j.FailureReason,
		&createdAt, &startedAt, &doneAt)
	if err != nil {
		return nil, err
	}
	j.Class = types.TaskClass(class)
	j.State = types.JobState(state)
	if params != "" {
		_ = json.Unmarshal([]byte(params), &j.Params)
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			j.StartedAt = &t
		}
	}
	if doneAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, doneAt.String); err == nil {
			j.CompletedAt = &t
		}
	}
	return &j, nil
}

const jobColumns = `id, source_key, class, params, state, progress, retry_count, max_retries, output_key, failure_reason, created_at, started_at, completed_at`

// Get fetches one job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get job %s: %w", id, err)
	}
	return j, nil
}

// Delete removes a job record unconditionally. Used to void submissions
// rejected by queue backpressure.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("jobstore: delete job %s: %w", id, err)
	}
	return nil
}

// transition runs one conditional state update and reports whether this
// caller won the transition.
func (s *Store) transition(ctx context.Context, id string, from, to types.JobState, set string, args ...any) (bool, error) {
	query := `UPDATE jobs SET state = ?` + set + ` WHERE id = ? AND state = ?`
	queryArgs := append([]any{to.String()}, args...)
	queryArgs = append(queryArgs, id, from.String())
	res, err := s.db.ExecContext(ctx, query, queryArgs...)
	if err != nil {
		return false, fmt.Errorf("jobstore: transition %s %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkProcessing moves a Pending job to Processing with a fresh started-at
// and zeroed progress. Returns false if the job was no longer Pending.
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, types.JobPending, types.JobProcessing,
		`, started_at = ?, progress = 0, failure_reason = ''`,
		s.now().UTC().Format(time.RFC3339Nano))
}

// MarkCompleted moves a Processing job to Completed with progress 100 and the
// output location recorded.
func (s *Store) MarkCompleted(ctx context.Context, id, outputKey string) (bool, error) {
	return s.transition(ctx, id, types.JobProcessing, types.JobCompleted,
		`, progress = 100, output_key = ?, completed_at = ?`,
		outputKey, s.now().UTC().Format(time.RFC3339Nano))
}

// MarkFailed moves a Processing job to Failed, recording the failure reason.
// Retry accounting happens in MarkPendingRetry, not here, so a terminally
// failed job never shows more consumed retries than its budget.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	return s.transition(ctx, id, types.JobProcessing, types.JobFailed,
		`, failure_reason = ?, completed_at = ?`,
		reason, s.now().UTC().Format(time.RFC3339Nano))
}

// MarkCancelled moves a job from the given state to Cancelled.
func (s *Store) MarkCancelled(ctx context.Context, id string, from types.JobState) (bool, error) {
	return s.transition(ctx, id, from, types.JobCancelled,
		`, completed_at = ?`, s.now().UTC().Format(time.RFC3339Nano))
}

// MarkRequeueFailed moves a Pending job back to Failed without consuming a
// retry attempt. Used when a retry resubmission cannot be enqueued.
func (s *Store) MarkRequeueFailed(ctx context.Context, id, reason string) (bool, error) {
	return s.transition(ctx, id, types.JobPending, types.JobFailed,
		`, failure_reason = ?, completed_at = ?`,
		reason, s.now().UTC().Format(time.RFC3339Nano))
}

// MarkPendingRetry moves a Failed job back to Pending for another attempt,
// consuming one retry. The budget is enforced in SQL so concurrent retriers
// cannot exceed it; retry_count never passes max_retries.
func (s *Store) MarkPendingRetry(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, progress = 0, retry_count = retry_count + 1, started_at = NULL, completed_at = NULL
		WHERE id = ? AND state = ? AND retry_count < max_retries`,
		types.JobPending.String(), id, types.JobFailed.String())
	if err != nil {
		return false, fmt.Errorf("jobstore: retry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetProgress records a progress estimate. The update only applies while the
// job is Processing and only moves progress forward.
func (s *Store) SetProgress(ctx context.Context, id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ? WHERE id = ? AND state = ? AND progress < ?`,
		pct, id, types.JobProcessing.String(), pct)
	if err != nil {
		return fmt.Errorf("jobstore: set progress %s: %w", id, err)
	}
	return nil
}

// ListProcessingStartedBefore returns Processing jobs whose attempt started
// before the cutoff. Used by the timeout sweep.
func (s *Store) ListProcessingStartedBefore(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE state = ? AND started_at IS NOT NULL AND started_at < ?`,
		types.JobProcessing.String(), cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("jobstore: list processing: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// DeleteTerminalBefore purges terminal jobs completed before the cutoff and
// returns the number of rows removed.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE state IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		types.JobCompleted.String(), types.JobFailed.String(), types.JobCancelled.String(),
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("jobstore: retention purge: %w", err)
	}
	return res.RowsAffected()
}
