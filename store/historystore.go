package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

const historySelectCols = `
	SELECT id, owner_id, job_id, original_filename, sentences, processed_sentence_count,
	       chunk_ids, settings_snapshot, export_status, export_url, error_summary,
	       created_at, updated_at
	`

func scanHistory(row rowScanner) (*History, error) {
	var h History
	var sentencesJSON, chunkIDsJSON, settingsJSON sql.NullString
	var exportURL, errorSummary sql.NullString

	err := row.Scan(&h.ID, &h.OwnerID, &h.JobID, &h.OriginalFilename, &sentencesJSON,
		&h.ProcessedSentenceCount, &chunkIDsJSON, &settingsJSON, &h.ExportStatus,
		&exportURL, &errorSummary, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	h.ExportURL = exportURL.String
	h.ErrorSummary = errorSummary.String

	if sentencesJSON.Valid && sentencesJSON.String != "" {
		if err := json.Unmarshal([]byte(sentencesJSON.String), &h.Sentences); err != nil {
			return nil, err
		}
	}
	if chunkIDsJSON.Valid && chunkIDsJSON.String != "" {
		if err := json.Unmarshal([]byte(chunkIDsJSON.String), &h.ChunkIDs); err != nil {
			return nil, err
		}
	}
	if settingsJSON.Valid && settingsJSON.String != "" {
		if err := json.Unmarshal([]byte(settingsJSON.String), &h.SettingsSnapshot); err != nil {
			return nil, err
		}
	}
	return &h, nil
}

// CreateHistory inserts a new History snapshot (spec.md §4.7 snapshot()).
func (s *Store) CreateHistory(ctx context.Context, h *History) error {
	sentencesJSON, err := json.Marshal(h.Sentences)
	if err != nil {
		return err
	}
	chunkIDsJSON, err := json.Marshal(h.ChunkIDs)
	if err != nil {
		return err
	}
	settingsJSON, err := json.Marshal(h.SettingsSnapshot)
	if err != nil {
		return err
	}
	if h.ExportStatus == "" {
		h.ExportStatus = "none"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history (id, owner_id, job_id, original_filename, sentences,
			processed_sentence_count, chunk_ids, settings_snapshot, export_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.OwnerID, h.JobID, h.OriginalFilename, string(sentencesJSON),
		h.ProcessedSentenceCount, string(chunkIDsJSON), string(settingsJSON), h.ExportStatus)
	return err
}

// GetHistory retrieves a History by ID.
func (s *Store) GetHistory(ctx context.Context, id string) (*History, error) {
	row := s.db.QueryRowContext(ctx, historySelectCols+`FROM history WHERE id = ?`, id)
	return scanHistory(row)
}

// GetHistoryByJob retrieves the History snapshot for a job, if any.
func (s *Store) GetHistoryByJob(ctx context.Context, jobID string) (*History, error) {
	row := s.db.QueryRowContext(ctx, historySelectCols+`FROM history WHERE job_id = ? ORDER BY created_at DESC LIMIT 1`, jobID)
	return scanHistory(row)
}

// ListHistoryByOwner returns a user's history entries, newest first.
func (s *Store) ListHistoryByOwner(ctx context.Context, ownerID string) ([]History, error) {
	rows, err := s.db.QueryContext(ctx, historySelectCols+`FROM history WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// ReplaceHistorySentences overwrites a History's sentence set and chunk
// provenance after a refresh() call (spec.md §4.7), bumping updated_at.
func (s *Store) ReplaceHistorySentences(ctx context.Context, id string, sentences []SentencePair, chunkIDs []int) error {
	sentencesJSON, err := json.Marshal(sentences)
	if err != nil {
		return err
	}
	chunkIDsJSON, err := json.Marshal(chunkIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE history SET sentences = ?, processed_sentence_count = ?, chunk_ids = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(sentencesJSON), len(sentences), string(chunkIDsJSON), id)
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

// SetHistoryExportStatus records the outcome of an export() call.
func (s *Store) SetHistoryExportStatus(ctx context.Context, id, status, exportURL, errSummary string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE history SET export_status = ?, export_url = ?, error_summary = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, exportURL, errSummary, id)
	return err
}
