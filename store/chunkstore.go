package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// execer is satisfied by both *sql.Tx and *sql.Conn, letting chunk state
// transitions run against a raw BEGIN IMMEDIATE transaction (database/sql
// has no isolation level that maps to SQLite's IMMEDIATE, so it cannot be
// requested through sql.Tx directly).
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// inTx runs fn inside a BEGIN IMMEDIATE transaction, rolling back on any
// error. BEGIN IMMEDIATE acquires SQLite's reserved lock up front instead
// of on first write, which is what makes the chunk state machine below
// safe against two workers racing to claim the same row.
func (s *Store) inTx(ctx context.Context, fn func(execer) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}
	if err := fn(conn); err != nil {
		conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	return nil
}

const chunkSelectCols = `
	SELECT job_id, chunk_index, start_page, end_page, page_count, has_overlap,
	       payload, payload_url, file_size_bytes, state, attempts, max_retries,
	       last_error, last_error_code, result, dispatched_task_id, processed_at,
	       created_at, updated_at
	`

func scanChunk(row rowScanner) (*Chunk, error) {
	var c Chunk
	var payload []byte
	var payloadURL, lastError, lastErrorCode, dispatchedTaskID sql.NullString
	var resultJSON sql.NullString
	var processedAt sql.NullTime

	err := row.Scan(&c.JobID, &c.ChunkIndex, &c.StartPage, &c.EndPage, &c.PageCount, &c.HasOverlap,
		&payload, &payloadURL, &c.FileSizeBytes, &c.State, &c.Attempts, &c.MaxRetries,
		&lastError, &lastErrorCode, &resultJSON, &dispatchedTaskID, &processedAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Payload = payload
	c.PayloadURL = payloadURL.String
	c.LastError = lastError.String
	c.LastErrorCode = lastErrorCode.String
	c.DispatchedTaskID = dispatchedTaskID.String
	if processedAt.Valid {
		c.ProcessedAt = &processedAt.Time
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var r ChunkResult
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err != nil {
			return nil, fmt.Errorf("unmarshal chunk result: %w", err)
		}
		c.Result = &r
	}
	return &c, nil
}

// CreatePendingChunks bulk-inserts the full chunk plan for a job in a
// single transaction: either every chunk row the plan describes exists,
// or none do (spec.md §8 property 1, chunk durability).
func (s *Store) CreatePendingChunks(ctx context.Context, chunks []Chunk) error {
	return s.inTx(ctx, func(tx execer) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (job_id, chunk_index, start_page, end_page, page_count,
				has_overlap, payload, payload_url, file_size_bytes, max_retries)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range chunks {
			maxRetries := c.MaxRetries
			if maxRetries == 0 {
				maxRetries = 3
			}
			if _, err := stmt.ExecContext(ctx, c.JobID, c.ChunkIndex, c.StartPage, c.EndPage,
				c.PageCount, c.HasOverlap, c.Payload, nullableString(c.PayloadURL),
				c.FileSizeBytes, maxRetries); err != nil {
				return err
			}
		}
		return nil
	})
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetChunk retrieves a single chunk by (jobID, chunkIndex).
func (s *Store) GetChunk(ctx context.Context, jobID string, chunkIndex int) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, chunkSelectCols+`FROM chunks WHERE job_id = ? AND chunk_index = ?`, jobID, chunkIndex)
	return scanChunk(row)
}

// ListChunksByJob returns all chunks for a job, ordered by index.
func (s *Store) ListChunksByJob(ctx context.Context, jobID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, chunkSelectCols+`FROM chunks WHERE job_id = ? ORDER BY chunk_index ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ClaimForProcessing transitions a chunk pending|retry_scheduled -> processing
// and bumps attempts, recording the dispatcher's task id. It fails with
// ErrConflict if the chunk is not in a claimable state, which is how two
// workers racing on the same chunk resolve: exactly one wins (spec.md §8
// property 2, at-most-one concurrent processor).
func (s *Store) ClaimForProcessing(ctx context.Context, jobID string, chunkIndex int, taskID string) (*Chunk, error) {
	var claimed *Chunk
	err := s.inTx(ctx, func(tx execer) error {
		var state ChunkState
		var attempts, maxRetries int
		row := tx.QueryRowContext(ctx, `SELECT state, attempts, max_retries FROM chunks WHERE job_id = ? AND chunk_index = ?`, jobID, chunkIndex)
		if err := row.Scan(&state, &attempts, &maxRetries); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if state != ChunkPending && state != ChunkRetryScheduled {
			return ErrConflict
		}

		attempts++
		if _, err := tx.ExecContext(ctx, `
			UPDATE chunks SET state = ?, attempts = ?, dispatched_task_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE job_id = ? AND chunk_index = ?
		`, ChunkProcessing, attempts, taskID, jobID, chunkIndex); err != nil {
			return err
		}

		c, err := scanChunk(tx.QueryRowContext(ctx, chunkSelectCols+`FROM chunks WHERE job_id = ? AND chunk_index = ?`, jobID, chunkIndex))
		if err != nil {
			return err
		}
		claimed = c
		return nil
	})
	return claimed, err
}

// MarkSuccess transitions processing -> success and stores the result.
// It is a no-op (not an error) if the chunk is already success, so a
// duplicate completion report from an at-least-once dispatcher cannot
// corrupt state (spec.md §8 property 3).
func (s *Store) MarkSuccess(ctx context.Context, jobID string, chunkIndex int, result ChunkResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal chunk result: %w", err)
	}
	return s.inTx(ctx, func(tx execer) error {
		var state ChunkState
		if err := tx.QueryRowContext(ctx, `SELECT state FROM chunks WHERE job_id = ? AND chunk_index = ?`, jobID, chunkIndex).Scan(&state); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if state == ChunkSuccess {
			return nil
		}
		if state != ChunkProcessing {
			return ErrConflict
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE chunks SET state = ?, result = ?, processed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE job_id = ? AND chunk_index = ?
		`, ChunkSuccess, string(resultJSON), jobID, chunkIndex)
		return err
	})
}

// MarkFailed transitions processing -> failed, recording the error and
// its symbolic code. The caller (orchestrator) decides afterward whether
// to schedule a retry round.
func (s *Store) MarkFailed(ctx context.Context, jobID string, chunkIndex int, errMsg string, code string) error {
	return s.inTx(ctx, func(tx execer) error {
		var state ChunkState
		if err := tx.QueryRowContext(ctx, `SELECT state FROM chunks WHERE job_id = ? AND chunk_index = ?`, jobID, chunkIndex).Scan(&state); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if state != ChunkProcessing {
			return ErrConflict
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE chunks SET state = ?, last_error = ?, last_error_code = ?, updated_at = CURRENT_TIMESTAMP
			WHERE job_id = ? AND chunk_index = ?
		`, ChunkFailed, errMsg, code, jobID, chunkIndex)
		return err
	})
}

// ScheduleRetry transitions failed -> retry_scheduled, used by the
// orchestrator's retry-round scheduler for chunks under their max_retries.
func (s *Store) ScheduleRetry(ctx context.Context, jobID string, chunkIndex int) error {
	return s.inTx(ctx, func(tx execer) error {
		var state ChunkState
		var attempts, maxRetries int
		if err := tx.QueryRowContext(ctx, `SELECT state, attempts, max_retries FROM chunks WHERE job_id = ? AND chunk_index = ?`, jobID, chunkIndex).Scan(&state, &attempts, &maxRetries); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if state != ChunkFailed {
			return ErrConflict
		}
		if attempts >= maxRetries {
			return ErrConflict
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE chunks SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE job_id = ? AND chunk_index = ?
		`, ChunkRetryScheduled, jobID, chunkIndex)
		return err
	})
}

// ForceRetry transitions a chunk back to retry_scheduled regardless of its
// attempts count, for the manual "retry with force" operator action
// (spec.md §4.6). It is idempotent: calling it twice in a row on an
// already-retry_scheduled chunk succeeds without double-counting attempts,
// since attempts are only incremented by ClaimForProcessing.
func (s *Store) ForceRetry(ctx context.Context, jobID string, chunkIndex int) error {
	return s.inTx(ctx, func(tx execer) error {
		var state ChunkState
		if err := tx.QueryRowContext(ctx, `SELECT state FROM chunks WHERE job_id = ? AND chunk_index = ?`, jobID, chunkIndex).Scan(&state); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if state != ChunkFailed && state != ChunkRetryScheduled {
			return ErrConflict
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE chunks SET state = ?, last_error = '', last_error_code = '', updated_at = CURRENT_TIMESTAMP
			WHERE job_id = ? AND chunk_index = ?
		`, ChunkRetryScheduled, jobID, chunkIndex)
		return err
	})
}

// WatchdogSweep finds chunks stuck in processing longer than staleAfter
// (an orphaned claim from a crashed worker) and resets them to
// retry_scheduled if attempts remain, or failed otherwise. It returns the
// (jobID, chunkIndex) pairs it reset, for the orchestrator to re-dispatch.
func (s *Store) WatchdogSweep(ctx context.Context, staleAfter time.Duration) ([][2]any, error) {
	cutoff := time.Now().Add(-staleAfter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, chunk_index, attempts, max_retries FROM chunks
		WHERE state = ? AND updated_at < ?
	`, ChunkProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	type stale struct {
		jobID      string
		chunkIndex int
		attempts   int
		maxRetries int
	}
	var staleRows []stale
	for rows.Next() {
		var r stale
		if err := rows.Scan(&r.jobID, &r.chunkIndex, &r.attempts, &r.maxRetries); err != nil {
			rows.Close()
			return nil, err
		}
		staleRows = append(staleRows, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reset [][2]any
	for _, r := range staleRows {
		newState := ChunkRetryScheduled
		if r.attempts >= r.maxRetries {
			newState = ChunkFailed
		}
		err := s.inTx(ctx, func(tx execer) error {
			var state ChunkState
			if err := tx.QueryRowContext(ctx, `SELECT state FROM chunks WHERE job_id = ? AND chunk_index = ?`, r.jobID, r.chunkIndex).Scan(&state); err != nil {
				return err
			}
			if state != ChunkProcessing {
				return nil // already resolved by a late completion report
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE chunks SET state = ?, last_error = 'watchdog: stale processing claim', last_error_code = 'TIMEOUT', updated_at = CURRENT_TIMESTAMP
				WHERE job_id = ? AND chunk_index = ?
			`, newState, r.jobID, r.chunkIndex)
			return err
		})
		if err != nil {
			return reset, err
		}
		reset = append(reset, [2]any{r.jobID, r.chunkIndex})
	}
	return reset, nil
}

// CountChunkStates returns the number of chunks per state for a job, used
// by the orchestrator to decide whether a retry round or finalization is
// due.
func (s *Store) CountChunkStates(ctx context.Context, jobID string) (map[ChunkState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM chunks WHERE job_id = ? GROUP BY state`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[ChunkState]int)
	for rows.Next() {
		var st ChunkState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
