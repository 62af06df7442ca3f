package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

const coverageRunSelectCols = `
	SELECT id, owner_id, mode, source_type, source_id, word_list_id, config, state,
	       progress_percent, stats, dispatched_task_id, error_message, created_at, updated_at
	`

func scanCoverageRun(row rowScanner) (*CoverageRun, error) {
	var r CoverageRun
	var configJSON string
	var statsJSON, dispatchedTaskID, errMsg sql.NullString

	err := row.Scan(&r.ID, &r.OwnerID, &r.Mode, &r.SourceType, &r.SourceID, &r.WordListID,
		&configJSON, &r.State, &r.ProgressPercent, &statsJSON, &dispatchedTaskID, &errMsg,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(configJSON), &r.Config); err != nil {
		return nil, err
	}
	r.DispatchedTaskID = dispatchedTaskID.String
	r.ErrorMessage = errMsg.String
	if statsJSON.Valid && statsJSON.String != "" {
		if err := json.Unmarshal([]byte(statsJSON.String), &r.Stats); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// CreateCoverageRun inserts a new CoverageRun in state=pending
// (spec.md §4.8 run()).
func (s *Store) CreateCoverageRun(ctx context.Context, r *CoverageRun) error {
	configJSON, err := json.Marshal(r.Config)
	if err != nil {
		return err
	}
	if r.State == "" {
		r.State = JobPending
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO coverage_runs (id, owner_id, mode, source_type, source_id, word_list_id, config, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.OwnerID, r.Mode, r.SourceType, r.SourceID, r.WordListID, string(configJSON), r.State)
	return err
}

// GetCoverageRun retrieves a CoverageRun by ID.
func (s *Store) GetCoverageRun(ctx context.Context, id string) (*CoverageRun, error) {
	row := s.db.QueryRowContext(ctx, coverageRunSelectCols+`FROM coverage_runs WHERE id = ?`, id)
	return scanCoverageRun(row)
}

// ListCoverageRunsByOwner returns a user's coverage runs, newest first.
func (s *Store) ListCoverageRunsByOwner(ctx context.Context, ownerID string) ([]CoverageRun, error) {
	rows, err := s.db.QueryContext(ctx, coverageRunSelectCols+`FROM coverage_runs WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CoverageRun
	for rows.Next() {
		r, err := scanCoverageRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateCoverageRunProgress updates a run's progress and state, refusing
// to touch an already-terminal run.
func (s *Store) UpdateCoverageRunProgress(ctx context.Context, id string, percent int, state JobState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current JobState
	if err := tx.QueryRowContext(ctx, `SELECT state FROM coverage_runs WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if current.IsTerminal() {
		return ErrTerminal
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE coverage_runs SET progress_percent = ?, state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, percent, state, id); err != nil {
		return err
	}
	return tx.Commit()
}

// FinalizeCoverageRun sets a run's terminal state, stats blob, and error
// message.
func (s *Store) FinalizeCoverageRun(ctx context.Context, id string, state JobState, stats map[string]any, errMsg string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE coverage_runs SET state = ?, stats = ?, error_message = ?, progress_percent = 100, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, state, string(statsJSON), errMsg, id)
	return err
}

// ReplaceCoverageAssignments atomically deletes and re-inserts a run's
// assignment rows, used by the initial build; the swap() operator action
// uses SwapCoverageAssignment instead.
func (s *Store) ReplaceCoverageAssignments(ctx context.Context, runID string, assignments []CoverageAssignment) error {
	return s.inTx(ctx, func(tx execer) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM coverage_assignments WHERE run_id = ?`, runID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO coverage_assignments (run_id, word_key, sentence_index, sentence_text,
				sentence_score, matched_surface, conflicts, rank)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range assignments {
			conflictsJSON, err := json.Marshal(a.Conflicts)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, runID, a.WordKey, a.SentenceIndex, a.SentenceText,
				a.SentenceScore, a.MatchedSurface, string(conflictsJSON), a.Rank); err != nil {
				return err
			}
		}
		return nil
	})
}

// SwapCoverageAssignment replaces the single assignment row for wordKey,
// the targeted version of ReplaceCoverageAssignments used by swap() when
// an operator picks an alternative sentence for one word (spec.md §4.8).
func (s *Store) SwapCoverageAssignment(ctx context.Context, runID, wordKey string, a CoverageAssignment) error {
	conflictsJSON, err := json.Marshal(a.Conflicts)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE coverage_assignments SET sentence_index = ?, sentence_text = ?, sentence_score = ?,
		       matched_surface = ?, conflicts = ?, rank = ?
		WHERE run_id = ? AND word_key = ?
	`, a.SentenceIndex, a.SentenceText, a.SentenceScore, a.MatchedSurface, string(conflictsJSON), a.Rank, runID, wordKey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCoverageAssignments returns all assignment rows for a run, ordered
// by rank (filter mode) or word_key (coverage mode).
func (s *Store) ListCoverageAssignments(ctx context.Context, runID string) ([]CoverageAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, word_key, sentence_index, sentence_text, sentence_score, matched_surface, conflicts, rank
		FROM coverage_assignments WHERE run_id = ? ORDER BY rank ASC, word_key ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CoverageAssignment
	for rows.Next() {
		var a CoverageAssignment
		var matchedSurface sql.NullString
		var conflictsJSON sql.NullString
		if err := rows.Scan(&a.RunID, &a.WordKey, &a.SentenceIndex, &a.SentenceText, &a.SentenceScore,
			&matchedSurface, &conflictsJSON, &a.Rank); err != nil {
			return nil, err
		}
		a.MatchedSurface = matchedSurface.String
		if conflictsJSON.Valid && conflictsJSON.String != "" {
			if err := json.Unmarshal([]byte(conflictsJSON.String), &a.Conflicts); err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
