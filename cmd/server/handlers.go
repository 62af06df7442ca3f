package main

import (
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xuri/excelize/v2"

	"github.com/haytham10/frenchnoveltool"
	"github.com/haytham10/frenchnoveltool/coverage"
	"github.com/haytham10/frenchnoveltool/dispatcher"
	"github.com/haytham10/frenchnoveltool/normalizer"
	"github.com/haytham10/frenchnoveltool/pdfchunk"
	"github.com/haytham10/frenchnoveltool/store"
)

type handler struct {
	engine *frenchnoveltool.Engine
}

func newHandler(e *frenchnoveltool.Engine) *handler {
	return &handler{engine: e}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreErr maps a store/orchestrator sentinel error to the HTTP
// status spec.md §6's failure-mode column names for it, falling back to
// 500 for anything unrecognized (broker/DB-down class errors).
func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrChunkNotFound),
		errors.Is(err, store.ErrHistoryNotFound),
		errors.Is(err, store.ErrWordListNotFound),
		errors.Is(err, store.ErrCoverageRunNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrJobNotOwner):
		writeError(w, http.StatusForbidden, "not owner")
	case errors.Is(err, store.ErrJobAlreadyTerminal),
		errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "already terminal")
	case errors.Is(err, store.ErrCoverageModeMismatch):
		writeError(w, http.StatusConflict, "operation not valid for this coverage run's mode")
	case errors.Is(err, store.ErrWordListEmpty):
		writeError(w, http.StatusBadRequest, "word list is empty after normalization")
	case errors.Is(err, store.ErrNoEligibleChunks):
		writeError(w, http.StatusBadRequest, "no chunks eligible for retry")
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrChunkNotEligibleForRetry):
		writeError(w, http.StatusConflict, "invalid state transition")
	default:
		slog.Error("handler: unclassified store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func newEntityID(prefix string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(buf), nil
}

// jobJSON renders a Job the way the API's JSON contract expects, since
// store.Job carries no struct tags (store's own persistence format is
// a separate concern from the wire format).
func jobJSON(j *store.Job) map[string]any {
	return map[string]any{
		"id":                    j.ID,
		"owner_id":              j.OwnerID,
		"original_filename":     j.OriginalFilename,
		"settings":              j.Settings,
		"state":                 j.State,
		"progress_percent":      j.ProgressPercent,
		"current_step":          j.CurrentStep,
		"total_chunks":          j.TotalChunks,
		"processed_chunks":      j.ProcessedChunks,
		"retry_round":           j.RetryRound,
		"max_retries":           j.MaxRetries,
		"degraded_persistence":  j.DegradedPersistence,
		"dispatched_task_id":    j.DispatchedTaskID,
		"finalizer_task_id":     j.FinalizerTaskID,
		"history_id":            j.HistoryID,
		"error_message":         j.ErrorMessage,
		"started_at":            j.StartedAt,
		"completed_at":          j.CompletedAt,
		"created_at":            j.CreatedAt,
		"updated_at":            j.UpdatedAt,
	}
}

func chunkJSON(c store.Chunk) map[string]any {
	return map[string]any{
		"job_id":             c.JobID,
		"chunk_index":        c.ChunkIndex,
		"start_page":         c.StartPage,
		"end_page":           c.EndPage,
		"page_count":         c.PageCount,
		"has_overlap":        c.HasOverlap,
		"payload_url":        c.PayloadURL,
		"file_size_bytes":    c.FileSizeBytes,
		"state":              c.State,
		"attempts":           c.Attempts,
		"max_retries":        c.MaxRetries,
		"last_error":         c.LastError,
		"last_error_code":    c.LastErrorCode,
		"result":             c.Result,
		"dispatched_task_id": c.DispatchedTaskID,
		"processed_at":       c.ProcessedAt,
		"created_at":         c.CreatedAt,
		"updated_at":         c.UpdatedAt,
	}
}

func historyJSON(h *store.History) map[string]any {
	return map[string]any{
		"id":                       h.ID,
		"owner_id":                 h.OwnerID,
		"job_id":                   h.JobID,
		"original_filename":        h.OriginalFilename,
		"sentences":                h.Sentences,
		"processed_sentence_count": h.ProcessedSentenceCount,
		"chunk_ids":                h.ChunkIDs,
		"settings_snapshot":        h.SettingsSnapshot,
		"export_status":            h.ExportStatus,
		"export_url":               h.ExportURL,
		"error_summary":            h.ErrorSummary,
		"created_at":               h.CreatedAt,
		"updated_at":               h.UpdatedAt,
	}
}

func wordListJSON(w *store.WordList) map[string]any {
	return map[string]any{
		"id":               w.ID,
		"owner_id":         w.OwnerID,
		"name":             w.Name,
		"is_global":        w.IsGlobal,
		"keys":             w.Keys,
		"ingestion_report": w.IngestionReport,
		"created_at":       w.CreatedAt,
		"updated_at":       w.UpdatedAt,
	}
}

func coverageRunJSON(r *store.CoverageRun) map[string]any {
	return map[string]any{
		"id":                 r.ID,
		"owner_id":           r.OwnerID,
		"mode":               r.Mode,
		"source_type":        r.SourceType,
		"source_id":          r.SourceID,
		"wordlist_id":        r.WordListID,
		"config":             r.Config,
		"state":              r.State,
		"progress_percent":   r.ProgressPercent,
		"stats":              r.Stats,
		"dispatched_task_id": r.DispatchedTaskID,
		"error_message":      r.ErrorMessage,
		"created_at":         r.CreatedAt,
		"updated_at":         r.UpdatedAt,
	}
}

func assignmentJSON(a store.CoverageAssignment) map[string]any {
	return map[string]any{
		"word_key":        a.WordKey,
		"sentence_index":  a.SentenceIndex,
		"sentence_text":   a.SentenceText,
		"sentence_score":  a.SentenceScore,
		"matched_surface": a.MatchedSurface,
		"conflicts":       a.Conflicts,
		"rank":            a.Rank,
	}
}

func ingestionReportJSON(r *normalizer.IngestionReport) map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"original_count":          r.OriginalCount,
		"dedup_count":             r.DedupCount,
		"variants_expanded":       r.VariantsExpanded,
		"multi_token_extractions": r.MultiTokenExtractions,
		"lemma_fallbacks":         r.LemmaFallbacks,
		"anomalies":               r.Anomalies,
	}
}

// saveUploadedPDF copies a multipart file part to a sanitized temp path,
// the same "defend against path traversal via the client filename"
// pattern as the teacher's ingest handler.
func saveUploadedPDF(file io.Reader, filename string) (string, error) {
	safeName := filepath.Base(filename)
	tmpPath := filepath.Join(os.TempDir(), fmt.Sprintf("fnt-upload-%d-%s", time.Now().UnixNano(), safeName))
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// rowsFromXLSX reads the first non-empty cell of every row across every
// sheet of an uploaded word-list workbook, giving operators a bulk
// alternative to the JSON rows path for large vocabulary lists.
func rowsFromXLSX(file io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	var rows []string
	for _, sheet := range f.GetSheetList() {
		sheetRows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		for _, row := range sheetRows {
			for _, cell := range row {
				cell = strings.TrimSpace(cell)
				if cell != "" {
					rows = append(rows, cell)
					break
				}
			}
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows found in workbook")
	}
	return rows, nil
}

// POST /process-pdf-async
func (h *handler) handleProcessPDFAsync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()
	ownerID := ownerIDFromContext(ctx)

	if err := r.ParseMultipartForm(200 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	jobID := r.FormValue("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	job, err := h.engine.Store.GetJob(ctx, jobID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if job.OwnerID != ownerID {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}
	if job.State != store.JobPending {
		writeError(w, http.StatusConflict, "job already started")
		return
	}

	file, header, err := r.FormFile("pdf_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "pdf_file is required")
		return
	}
	defer file.Close()

	settings := store.JobSettings{
		SentenceLength:    8,
		ModelPreference:   "speed",
		MinSentenceLength: 3,
	}
	if v := r.FormValue("sentence_length"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.SentenceLength = n
		}
	}
	if v := r.FormValue("model_preference"); v != "" {
		settings.ModelPreference = v
	}
	if v := r.FormValue("ignore_dialogue"); v != "" {
		settings.IgnoreDialogue = v == "true" || v == "1"
	}
	if v := r.FormValue("min_sentence_length"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.MinSentenceLength = n
		}
	}

	if err := h.engine.Store.UpdateJobSettings(ctx, jobID, settings); err != nil {
		writeStoreErr(w, err)
		return
	}

	tmpPath, err := saveUploadedPDF(file, header.Filename)
	if err != nil {
		slog.Error("saving uploaded pdf", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save upload")
		return
	}
	defer os.Remove(tmpPath)

	_, totalPages, err := pdfchunk.ExtractPages(tmpPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid or unreadable PDF")
		return
	}

	chunkSize := totalPages
	if totalPages > h.engine.ChunkThresholdPages() {
		chunkSize = frenchnoveltool.ChunkSizeForPageCount(totalPages)
	}

	result, err := pdfchunk.Build(ctx, h.engine.Store, tmpPath, jobID, chunkSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to chunk PDF")
		return
	}

	if err := h.engine.Store.SetJobTotalChunks(ctx, jobID, len(result.Chunks), result.Degraded); err != nil {
		writeStoreErr(w, err)
		return
	}

	taskID, err := h.engine.Orchestrator.Start(ctx, jobID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  jobID,
		"task_id": taskID,
		"status":  "pending",
	})
}

// GET /jobs/{id}
func (h *handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := h.engine.Store.GetJob(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if job.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}
	writeJSON(w, http.StatusOK, jobJSON(job))
}

// POST /jobs/{id}/cancel
func (h *handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := h.engine.Store.GetJob(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if job.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}
	if err := h.engine.Orchestrator.Cancel(ctx, id); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// GET /jobs/{id}/chunks
func (h *handler) handleListJobChunks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := h.engine.Store.GetJob(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if job.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}

	chunks, err := h.engine.Store.ListChunksByJob(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	counts, err := h.engine.Store.CountChunkStates(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	rendered := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		rendered = append(rendered, chunkJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunks":  rendered,
		"summary": counts,
	})
}

// POST /jobs/{id}/chunks/retry
func (h *handler) handleRetryChunks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := h.engine.Store.GetJob(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if job.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}

	var req struct {
		ChunkIDs []int `json:"chunk_ids"`
		Force    bool  `json:"force"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	groupID, count, err := h.engine.Orchestrator.ManualRetry(ctx, id, req.ChunkIDs, req.Force)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"retried_count": count,
		"group_id":      groupID,
	})
}

// GET /history/{id}
func (h *handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	useLive := true
	if v := r.URL.Query().Get("use_live"); v != "" {
		useLive = v != "false" && v != "0"
	}

	result, err := h.engine.History.Read(ctx, id, useLive)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if result.History.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}

	body := historyJSON(result.History)
	body["sentences"] = result.Sentences
	body["sentences_source"] = result.Source
	writeJSON(w, http.StatusOK, body)
}

// POST /history/{id}/refresh
func (h *handler) handleRefreshHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	entry, err := h.engine.Store.GetHistory(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if entry.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}

	count, err := h.engine.History.Refresh(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	refreshed, err := h.engine.Store.GetHistory(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sentences_count": count,
		"entry":           historyJSON(refreshed),
	})
}

// POST /history/{id}/export
func (h *handler) handleExportHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	result, err := h.engine.History.Read(ctx, id, true)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if result.History.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}

	url, err := h.engine.Export.ExportSentences(ctx, result.History.OriginalFilename, result.Sentences)
	if err != nil {
		_ = h.engine.Store.SetHistoryExportStatus(ctx, id, "failed", "", err.Error())
		slog.Error("export sentences failed", "history_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "export failed")
		return
	}
	_ = h.engine.Store.SetHistoryExportStatus(ctx, id, "exported", url, "")

	writeJSON(w, http.StatusOK, map[string]any{
		"url":               url,
		"sentences_source":  result.Source,
		"sentences_count":   len(result.Sentences),
	})
}

// GET /wordlists
func (h *handler) handleListWordLists(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lists, err := h.engine.Store.ListWordLists(ctx, ownerIDFromContext(ctx))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	rendered := make([]map[string]any, 0, len(lists))
	for i := range lists {
		rendered = append(rendered, wordListJSON(&lists[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"wordlists": rendered})
}

// POST /wordlists
func (h *handler) handleCreateWordList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := ownerIDFromContext(ctx)

	var req struct {
		Name     string   `json:"name"`
		Rows     []string `json:"rows"`
		IsGlobal bool     `json:"is_global"`
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		req.Name = r.FormValue("name")
		req.IsGlobal = r.FormValue("is_global") == "true" || r.FormValue("is_global") == "1"
		file, _, err := r.FormFile("wordlist_file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing wordlist_file")
			return
		}
		defer file.Close()
		rows, err := rowsFromXLSX(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid xlsx: "+err.Error())
			return
		}
		req.Rows = rows
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	entries, report := h.engine.Normalizer.NormalizeWordList(req.Rows, normalizer.ModeLemma)
	if len(entries) == 0 {
		writeStoreErr(w, store.ErrWordListEmpty)
		return
	}

	id, err := newEntityID("wl")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}

	wl := &store.WordList{
		ID:              id,
		OwnerID:         ownerID,
		Name:            req.Name,
		IsGlobal:        req.IsGlobal,
		Keys:            keys,
		IngestionReport: ingestionReportJSON(report),
	}
	if err := h.engine.Store.CreateWordList(ctx, wl); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wordListJSON(wl))
}

// PATCH /wordlists/{id}
func (h *handler) handleUpdateWordList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	wl, err := h.engine.Store.GetWordList(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if wl.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}

	var req struct {
		Name *string  `json:"name"`
		Rows []string `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Name != nil {
		wl.Name = *req.Name
	}
	if req.Rows != nil {
		entries, report := h.engine.Normalizer.NormalizeWordList(req.Rows, normalizer.ModeLemma)
		if len(entries) == 0 {
			writeStoreErr(w, store.ErrWordListEmpty)
			return
		}
		keys := make([]string, len(entries))
		for i, e := range entries {
			keys[i] = e.Key
		}
		wl.Keys = keys
		wl.IngestionReport = ingestionReportJSON(report)
	}

	if err := h.engine.Store.UpdateWordList(ctx, wl); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wordListJSON(wl))
}

// DELETE /wordlists/{id}
func (h *handler) handleDeleteWordList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	wl, err := h.engine.Store.GetWordList(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if wl.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}
	if err := h.engine.Store.DeleteWordList(ctx, id); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /wordlists/{id}/refresh re-runs normalization over the list's
// already-ingested keys, picking up any change in normalizer behavior
// without requiring the original raw rows to be resubmitted.
func (h *handler) handleRefreshWordList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	wl, err := h.engine.Store.GetWordList(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if wl.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}

	entries, report := h.engine.Normalizer.NormalizeWordList(wl.Keys, normalizer.ModeLemma)
	if len(entries) == 0 {
		writeStoreErr(w, store.ErrWordListEmpty)
		return
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	wl.Keys = keys
	wl.IngestionReport = ingestionReportJSON(report)

	if err := h.engine.Store.UpdateWordList(ctx, wl); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wordListJSON(wl))
}

// POST /coverage/run
func (h *handler) handleStartCoverageRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := ownerIDFromContext(ctx)

	var req struct {
		Mode       store.CoverageMode       `json:"mode"`
		SourceType store.CoverageSourceType `json:"source_type"`
		SourceID   string                   `json:"source_id"`
		WordListID string                   `json:"wordlist_id"`
		Config     *store.CoverageConfig    `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Mode != store.CoverageModeCoverage && req.Mode != store.CoverageModeFilter {
		writeError(w, http.StatusBadRequest, "mode must be 'coverage' or 'filter'")
		return
	}
	if req.SourceType != store.CoverageSourceJob && req.SourceType != store.CoverageSourceHistory {
		writeError(w, http.StatusBadRequest, "source_type must be 'job' or 'history'")
		return
	}
	if req.SourceID == "" || req.WordListID == "" {
		writeError(w, http.StatusBadRequest, "source_id and wordlist_id are required")
		return
	}

	switch req.SourceType {
	case store.CoverageSourceJob:
		job, err := h.engine.Store.GetJob(ctx, req.SourceID)
		if err != nil {
			writeStoreErr(w, err)
			return
		}
		if job.OwnerID != ownerID {
			writeError(w, http.StatusForbidden, "not owner")
			return
		}
	case store.CoverageSourceHistory:
		hist, err := h.engine.Store.GetHistory(ctx, req.SourceID)
		if err != nil {
			writeStoreErr(w, err)
			return
		}
		if hist.OwnerID != ownerID {
			writeError(w, http.StatusForbidden, "not owner")
			return
		}
	}

	wl, err := h.engine.Store.GetWordList(ctx, req.WordListID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if wl.OwnerID != ownerID && !wl.IsGlobal {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}

	cfg := h.engine.DefaultCoverageConfig()
	if req.Config != nil {
		cfg = *req.Config
	}

	id, err := newEntityID("cov")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	run := &store.CoverageRun{
		ID:         id,
		OwnerID:    ownerID,
		Mode:       req.Mode,
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
		WordListID: req.WordListID,
		Config:     cfg,
		State:      store.JobPending,
	}
	if err := h.engine.Store.CreateCoverageRun(ctx, run); err != nil {
		writeStoreErr(w, err)
		return
	}

	payload, err := json.Marshal(coverage.TaskPayload{RunID: id})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	task := dispatcher.Task{ID: id, Kind: dispatcher.KindBuildCoverage, Payload: payload}
	if err := h.engine.Dispatcher.DispatchSingle(ctx, task); err != nil {
		slog.Error("dispatching coverage run", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule coverage run")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"coverage_run": coverageRunJSON(run),
		"task_id":      task.ID,
	})
}

// GET /coverage/runs/{id}
func (h *handler) handleGetCoverageRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	run, err := h.engine.Store.GetCoverageRun(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if run.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}

	assignments, err := h.engine.Store.ListCoverageAssignments(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	limit, offset := pageParams(r, 100)
	page := paginate(assignments, limit, offset)

	rendered := make([]map[string]any, 0, len(page))
	for _, a := range page {
		rendered = append(rendered, assignmentJSON(a))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"coverage_run": coverageRunJSON(run),
		"assignments":  rendered,
		"total":        len(assignments),
	})
}

func pageParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func paginate(items []store.CoverageAssignment, limit, offset int) []store.CoverageAssignment {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// POST /coverage/runs/{id}/swap
func (h *handler) handleSwapCoverageAssignment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	run, err := h.engine.Store.GetCoverageRun(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if run.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}
	if run.Mode != store.CoverageModeCoverage {
		writeStoreErr(w, store.ErrCoverageModeMismatch)
		return
	}

	var req struct {
		WordKey       string `json:"word_key"`
		SentenceIndex int    `json:"sentence_index"`
		SentenceText  string `json:"sentence_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := h.engine.Coverage.Swap(ctx, id, req.WordKey, req.SentenceIndex, req.SentenceText); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "swapped"})
}

// POST /coverage/runs/{id}/export
func (h *handler) handleExportCoverageRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	run, err := h.engine.Store.GetCoverageRun(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if run.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}
	assignments, err := h.engine.Store.ListCoverageAssignments(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	url, err := h.engine.Export.ExportCoverageAssignments(ctx, id, run.Mode, assignments)
	if err != nil {
		slog.Error("export coverage assignments failed", "run_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "export failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

// GET /coverage/runs/{id}/download
func (h *handler) handleDownloadCoverageRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	run, err := h.engine.Store.GetCoverageRun(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if run.OwnerID != ownerIDFromContext(ctx) {
		writeError(w, http.StatusForbidden, "not owner")
		return
	}
	assignments, err := h.engine.Store.ListCoverageAssignments(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="coverage-%s.csv"`, id))
	cw := csv.NewWriter(w)

	if run.Mode == store.CoverageModeCoverage {
		cw.Write([]string{"word_key", "sentence_text", "sentence_score", "matched_surface"})
		for _, a := range assignments {
			cw.Write([]string{a.WordKey, a.SentenceText, strconv.FormatFloat(a.SentenceScore, 'f', 4, 64), a.MatchedSurface})
		}
	} else {
		cw.Write([]string{"rank", "sentence_text", "sentence_score"})
		for _, a := range assignments {
			cw.Write([]string{strconv.Itoa(a.Rank), a.SentenceText, strconv.FormatFloat(a.SentenceScore, 'f', 4, 64)})
		}
	}
	cw.Flush()
}
