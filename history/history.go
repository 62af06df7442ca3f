// Package history persists and re-derives the French sentence output
// of a completed Job (spec.md §4.7).
package history

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/haytham10/frenchnoveltool/orchestrator"
	"github.com/haytham10/frenchnoveltool/store"
)

// Recorder implements orchestrator.HistoryRecorder and the history
// read/refresh operations spec.md §4.7 names.
type Recorder struct {
	store         *store.Store
	overlapWindow int
}

// New builds a Recorder. overlapWindow must match the orchestrator's,
// since Refresh and the live-chunks read path re-run the identical
// Merge function the finalizer used to produce the original snapshot.
func New(s *store.Store, overlapWindow int) *Recorder {
	if overlapWindow <= 0 {
		overlapWindow = 8
	}
	return &Recorder{store: s, overlapWindow: overlapWindow}
}

func newHistoryID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("history: generating id: %w", err)
	}
	return "hist_" + hex.EncodeToString(buf), nil
}

// Snapshot reads a job's Chunks in chunk_index order, merges them
// (orchestrator.Merge), and persists the result as a History row. The
// finalizer calls this exactly once, on the job's first
// terminal-with-results transition.
func (r *Recorder) Snapshot(ctx context.Context, jobID string) (string, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("history: loading job: %w", err)
	}
	chunks, err := r.store.ListChunksByJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("history: loading chunks: %w", err)
	}

	sentences, used, _ := orchestrator.Merge(chunks, r.overlapWindow)

	id, err := newHistoryID()
	if err != nil {
		return "", err
	}
	h := &store.History{
		ID:                     id,
		OwnerID:                job.OwnerID,
		JobID:                  job.ID,
		OriginalFilename:       job.OriginalFilename,
		Sentences:              sentences,
		ProcessedSentenceCount: len(sentences),
		ChunkIDs:               used,
		SettingsSnapshot:       job.Settings,
	}
	if err := r.store.CreateHistory(ctx, h); err != nil {
		return "", fmt.Errorf("history: persisting snapshot: %w", err)
	}
	return id, nil
}

// ReadResult is the outcome of Read: the sentence set plus which
// source (§4.7) it was served from.
type ReadResult struct {
	History   *store.History
	Sentences []store.SentencePair
	Source    string // "live_chunks" or "snapshot"
}

const (
	sourceLiveChunks = "live_chunks"
	sourceSnapshot   = "snapshot"
)

// Read returns a History's sentences. When useLive is true and the
// history's referenced chunks are still accessible, the sentences are
// rebuilt from current Chunk state (source="live_chunks"); otherwise
// the stored snapshot is returned as-is (source="snapshot").
func (r *Recorder) Read(ctx context.Context, historyID string, useLive bool) (*ReadResult, error) {
	h, err := r.store.GetHistory(ctx, historyID)
	if err != nil {
		return nil, err
	}

	if useLive && len(h.ChunkIDs) > 0 {
		if sentences, ok, err := r.rebuildFromLiveChunks(ctx, h); err != nil {
			return nil, err
		} else if ok {
			return &ReadResult{History: h, Sentences: sentences, Source: sourceLiveChunks}, nil
		}
	}

	return &ReadResult{History: h, Sentences: h.Sentences, Source: sourceSnapshot}, nil
}

// rebuildFromLiveChunks re-merges the job's current Chunks with the
// same Merge function Refresh and the orchestrator's finalizer use.
// The second return value is false (not an error) when any chunk
// referenced by the original snapshot is no longer present, so Read
// can fall back to the stored snapshot rather than silently producing
// a result missing that chunk's contribution.
func (r *Recorder) rebuildFromLiveChunks(ctx context.Context, h *store.History) ([]store.SentencePair, bool, error) {
	chunks, err := r.store.ListChunksByJob(ctx, h.JobID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}

	present := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		present[c.ChunkIndex] = true
	}
	for _, idx := range h.ChunkIDs {
		if !present[idx] {
			return nil, false, nil
		}
	}

	sentences, _, _ := orchestrator.Merge(chunks, r.overlapWindow)
	return sentences, true, nil
}

// Refresh rebuilds a History's sentences from current Chunk state and
// overwrites the stored snapshot, returning the new sentence count.
func (r *Recorder) Refresh(ctx context.Context, historyID string) (int, error) {
	h, err := r.store.GetHistory(ctx, historyID)
	if err != nil {
		return 0, err
	}

	chunks, err := r.store.ListChunksByJob(ctx, h.JobID)
	if err != nil {
		return 0, fmt.Errorf("history: loading chunks: %w", err)
	}

	sentences, used, _ := orchestrator.Merge(chunks, r.overlapWindow)
	if err := r.store.ReplaceHistorySentences(ctx, historyID, sentences, used); err != nil {
		return 0, fmt.Errorf("history: replacing sentences: %w", err)
	}
	return len(sentences), nil
}
