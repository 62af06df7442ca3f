package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

const wordListSelectCols = `
	SELECT id, owner_id, name, is_global, keys, ingestion_report, created_at, updated_at
	`

func scanWordList(row rowScanner) (*WordList, error) {
	var w WordList
	var ownerID sql.NullString
	var keysJSON string
	var reportJSON sql.NullString

	err := row.Scan(&w.ID, &ownerID, &w.Name, &w.IsGlobal, &keysJSON, &reportJSON, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.OwnerID = ownerID.String
	if err := json.Unmarshal([]byte(keysJSON), &w.Keys); err != nil {
		return nil, err
	}
	if reportJSON.Valid && reportJSON.String != "" {
		if err := json.Unmarshal([]byte(reportJSON.String), &w.IngestionReport); err != nil {
			return nil, err
		}
	}
	return &w, nil
}

// CreateWordList inserts a new WordList (spec.md §4.8 ingest()). Keys must
// already be normalized and deduplicated by the caller (the normalizer
// package owns that logic, not store).
func (s *Store) CreateWordList(ctx context.Context, w *WordList) error {
	keysJSON, err := json.Marshal(w.Keys)
	if err != nil {
		return err
	}
	reportJSON, err := json.Marshal(w.IngestionReport)
	if err != nil {
		return err
	}
	var ownerID any
	if w.OwnerID != "" {
		ownerID = w.OwnerID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO word_lists (id, owner_id, name, is_global, keys, ingestion_report)
		VALUES (?, ?, ?, ?, ?, ?)
	`, w.ID, ownerID, w.Name, w.IsGlobal, string(keysJSON), string(reportJSON))
	return err
}

// GetWordList retrieves a WordList by ID.
func (s *Store) GetWordList(ctx context.Context, id string) (*WordList, error) {
	row := s.db.QueryRowContext(ctx, wordListSelectCols+`FROM word_lists WHERE id = ?`, id)
	return scanWordList(row)
}

// ListWordLists returns word lists visible to a user: their own plus any
// marked is_global (spec.md §3 word list visibility).
func (s *Store) ListWordLists(ctx context.Context, ownerID string) ([]WordList, error) {
	rows, err := s.db.QueryContext(ctx, wordListSelectCols+`
		FROM word_lists WHERE owner_id = ? OR is_global = 1 ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WordList
	for rows.Next() {
		w, err := scanWordList(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// UpdateWordList overwrites a word list's name and keys (a PATCH
// replaces the ingested key set wholesale rather than merging it, since
// re-ingestion is the normalizer's job, not store's).
func (s *Store) UpdateWordList(ctx context.Context, w *WordList) error {
	keysJSON, err := json.Marshal(w.Keys)
	if err != nil {
		return err
	}
	reportJSON, err := json.Marshal(w.IngestionReport)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE word_lists SET name = ?, keys = ?, ingestion_report = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, w.Name, string(keysJSON), string(reportJSON), w.ID)
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

// DeleteWordList hard-deletes a word list. coverage_runs.word_list_id
// references word_lists and foreign keys are enforced, so deleting a list
// that a coverage run still references fails with a constraint error and
// the list is kept.
func (s *Store) DeleteWordList(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM word_lists WHERE id = ?`, id)
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
