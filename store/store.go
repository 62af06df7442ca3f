// Package store is the sole owner of persistent state for the job/chunk/
// history/word-list/coverage data model (spec.md §3). No other package
// touches *sql.DB directly. Chunk state transitions (component C5) live
// in chunkstore.go as named functions; this file holds the Store type,
// schema bootstrap, and CRUD for jobs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database for all frenchnoveltool persistence.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and
// initializes the schema.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// SQLite tolerates exactly one writer at a time; keeping the pool
	// small avoids SQLITE_BUSY storms and lets BEGIN IMMEDIATE (used by
	// the chunk state machine) serialize cleanly.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for queries not covered by Store's
// methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

const jobSelectCols = `
	SELECT id, owner_id, original_filename, settings, state, progress_percent, current_step,
	       total_chunks, processed_chunks, retry_round, max_retries, degraded_persistence,
	       dispatched_task_id, finalizer_task_id, history_id, error_message,
	       started_at, completed_at, created_at, updated_at
	`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var settingsJSON string
	var dispatchedTaskID, finalizerTaskID, historyID, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.OwnerID, &j.OriginalFilename, &settingsJSON, &j.State,
		&j.ProgressPercent, &j.CurrentStep, &j.TotalChunks, &j.ProcessedChunks,
		&j.RetryRound, &j.MaxRetries, &j.DegradedPersistence,
		&dispatchedTaskID, &finalizerTaskID, &historyID, &errMsg,
		&startedAt, &completedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(settingsJSON), &j.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	j.DispatchedTaskID = dispatchedTaskID.String
	j.FinalizerTaskID = finalizerTaskID.String
	j.HistoryID = historyID.String
	j.ErrorMessage = errMsg.String
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

// CreateJob inserts a new Job in state=pending.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	settingsJSON, err := json.Marshal(j.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if j.State == "" {
		j.State = JobPending
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = 3
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, original_filename, settings, state, max_retries)
		VALUES (?, ?, ?, ?, ?, ?)
	`, j.ID, j.OwnerID, j.OriginalFilename, string(settingsJSON), j.State, j.MaxRetries)
	return err
}

// GetJob retrieves a Job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelectCols+`FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// UpdateJobState transitions a job's state and current_step, optionally
// stamping started_at/completed_at. Refuses to modify an already-terminal
// job, matching spec.md §3's terminal immutability invariant.
func (s *Store) UpdateJobState(ctx context.Context, id string, state JobState, step string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current JobState
	if err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if current.IsTerminal() {
		return ErrTerminal
	}

	setClauses := "state = ?, current_step = ?, updated_at = CURRENT_TIMESTAMP"
	if state == JobProcessing && current == JobPending {
		setClauses += ", started_at = CURRENT_TIMESTAMP"
	}
	if state.IsTerminal() {
		setClauses += ", completed_at = CURRENT_TIMESTAMP"
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET `+setClauses+` WHERE id = ?`, state, step, id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateJobSettings overwrites a pending job's processing settings, for
// the accept-time handler that receives settings alongside the uploaded
// PDF rather than at job pre-creation. Refuses a job that has already
// left pending, since Chunks (and their persisted settings-derived
// behavior) may already exist by then.
func (s *Store) UpdateJobSettings(ctx context.Context, id string, settings JobSettings) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state JobState
	if err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if state != JobPending {
		return ErrTerminal
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET settings = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(settingsJSON), id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateJobProgress sets progress_percent/current_step/processed_chunks,
// enforcing monotonic non-decreasing progress_percent (spec.md §8 property 5).
func (s *Store) UpdateJobProgress(ctx context.Context, id string, percent int, step string, processedChunks int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int
	var state JobState
	if err := tx.QueryRowContext(ctx, `SELECT progress_percent, state FROM jobs WHERE id = ?`, id).Scan(&current, &state); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if state.IsTerminal() {
		return ErrTerminal
	}
	if percent < current {
		percent = current
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET progress_percent = ?, current_step = ?, processed_chunks = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, percent, step, processedChunks, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetJobTotalChunks records the chunk count persisted at job start
// (spec.md §8 property 1: this count must never change afterward).
func (s *Store) SetJobTotalChunks(ctx context.Context, id string, total int, degraded bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET total_chunks = ?, degraded_persistence = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, total, degraded, id)
	return err
}

// SetJobDispatchedTask records the fan-out group id and finalizer task id.
func (s *Store) SetJobDispatchedTask(ctx context.Context, id, dispatchedTaskID, finalizerTaskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET dispatched_task_id = ?, finalizer_task_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, dispatchedTaskID, finalizerTaskID, id)
	return err
}

// IncrementRetryRound bumps a job's retry_round by one and returns the
// new value.
func (s *Store) IncrementRetryRound(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var round int
	if err := tx.QueryRowContext(ctx, `SELECT retry_round FROM jobs WHERE id = ?`, id).Scan(&round); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, err
	}
	round++
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET retry_round = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, round, id); err != nil {
		return 0, err
	}
	return round, tx.Commit()
}

// FinalizeJob sets a job's terminal state, error message, and history_id
// in one update (spec.md §4.4 finalize). progress_percent and
// processed_chunks are pinned to 100/total_chunks here the same way
// FinalizeCoverageRun pins progress_percent to 100 (store/coveragestore.go):
// a terminal job is done regardless of how many individual
// RecordChunkOutcome calls it took to get there.
func (s *Store) FinalizeJob(ctx context.Context, id string, state JobState, step, errMsg, historyID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, current_step = ?, error_message = ?, history_id = ?,
		       progress_percent = 100, processed_chunks = total_chunks,
		       completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, state, step, errMsg, historyID, id)
	return err
}

// SetJobHistoryID updates only history_id, the sole field terminal jobs
// may still change (spec.md §3 invariant).
func (s *Store) SetJobHistoryID(ctx context.Context, id, historyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET history_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, historyID, id)
	return err
}

// CancelJob implements cancel(job_id) (spec.md §4.4): allowed iff the job
// is pending or processing.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state JobState
	if err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if state != JobPending && state != JobProcessing {
		return ErrTerminal
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, current_step = 'Cancelled', completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, JobCancelled, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListJobsByOwner returns a user's jobs, newest first.
func (s *Store) ListJobsByOwner(ctx context.Context, ownerID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelectCols+`FROM jobs WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
