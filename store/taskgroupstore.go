package store

import "context"

// CreateTaskGroup registers the members of a chord: one row per
// (groupID, taskID), each starting "pending", so ReportTaskOutcome can
// tell inside a single transaction whether the group has finished.
func (s *Store) CreateTaskGroup(ctx context.Context, groupID string, taskIDs []string) error {
	return s.inTx(ctx, func(tx execer) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO task_groups (group_id, task_id, outcome) VALUES (?, ?, 'pending')`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, taskID := range taskIDs {
			if _, err := stmt.ExecContext(ctx, groupID, taskID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReportTaskOutcome records one member task's outcome ("success" or
// "failed") and reports whether every member of the group has now
// reported. Runs inside a BEGIN IMMEDIATE transaction so a duplicate
// completion report from an at-least-once dispatcher can't make the
// chord fire its completion callback twice: the UPDATE only touches a
// still-pending row, so a repeat report is a no-op before the count is
// taken.
func (s *Store) ReportTaskOutcome(ctx context.Context, groupID, taskID, outcome string) (complete bool, err error) {
	err = s.inTx(ctx, func(tx execer) error {
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE task_groups SET outcome = ? WHERE group_id = ? AND task_id = ? AND outcome = 'pending'`,
			outcome, groupID, taskID,
		); execErr != nil {
			return execErr
		}

		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_groups WHERE group_id = ? AND outcome = 'pending'`, groupID)
		var remaining int
		if scanErr := row.Scan(&remaining); scanErr != nil {
			return scanErr
		}
		complete = remaining == 0
		return nil
	})
	return complete, err
}

// GroupOutcomes returns every member's recorded outcome for a group,
// used by the finalizer to decide completed vs partial.
func (s *Store) GroupOutcomes(ctx context.Context, groupID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, outcome FROM task_groups WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	outcomes := make(map[string]string)
	for rows.Next() {
		var taskID, outcome string
		if err := rows.Scan(&taskID, &outcome); err != nil {
			return nil, err
		}
		outcomes[taskID] = outcome
	}
	return outcomes, rows.Err()
}
