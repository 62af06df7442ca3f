package coverage

import (
	"context"
	"testing"

	"github.com/haytham10/frenchnoveltool/history"
	"github.com/haytham10/frenchnoveltool/normalizer"
	"github.com/haytham10/frenchnoveltool/store"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T) (*Runner, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	h := history.New(s, 8)
	norm := normalizer.New(normalizer.Config{})
	return NewRunner(s, h, norm, 8), s
}

func succeedChunk(t *testing.T, s *store.Store, jobID string, idx int, original string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.ClaimForProcessing(ctx, jobID, idx, "task-1")
	require.NoError(t, err)
	require.NoError(t, s.MarkSuccess(ctx, jobID, idx, store.ChunkResult{
		Sentences: []store.SentencePair{{Original: original, Normalized: original}},
	}))
}

func seedJobWithSentences(t *testing.T, s *store.Store, jobID string, sentences []string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &store.Job{ID: jobID, OwnerID: "owner-1", OriginalFilename: "book.pdf"}))
	chunks := make([]store.Chunk, len(sentences))
	for i, sent := range sentences {
		chunks[i] = store.Chunk{JobID: jobID, ChunkIndex: i, Payload: []byte(sent)}
	}
	require.NoError(t, s.CreatePendingChunks(ctx, chunks))
	require.NoError(t, s.SetJobTotalChunks(ctx, jobID, len(sentences), false))
	for i, sent := range sentences {
		succeedChunk(t, s, jobID, i, sent)
	}
}

func TestExecute_CoverageModeFromJobSourcePersistsAssignments(t *testing.T) {
	ctx := context.Background()
	r, s := newTestRunner(t)

	seedJobWithSentences(t, s, "job-1", []string{"Le chat mange.", "Le chien dort."})

	wl := &store.WordList{ID: "wl-1", OwnerID: "owner-1", Name: "animals", Keys: []string{"chat", "chien"}}
	require.NoError(t, s.CreateWordList(ctx, wl))

	run := &store.CoverageRun{
		ID:         "run-1",
		OwnerID:    "owner-1",
		Mode:       store.CoverageModeCoverage,
		SourceType: store.CoverageSourceJob,
		SourceID:   "job-1",
		WordListID: "wl-1",
		Config:     store.CoverageConfig{Alpha: 0.5, Beta: 0.3, Gamma: 0.2},
	}
	require.NoError(t, s.CreateCoverageRun(ctx, run))

	require.NoError(t, r.Execute(ctx, "run-1"))

	updated, err := s.GetCoverageRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.JobCompleted, updated.State)
	require.EqualValues(t, 2, updated.Stats["covered_word_keys"])

	assignments, err := s.ListCoverageAssignments(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, assignments, 2)
}

func TestExecute_PartialSourceMarksRunPartialWithCaveat(t *testing.T) {
	ctx := context.Background()
	r, s := newTestRunner(t)

	require.NoError(t, s.CreateJob(ctx, &store.Job{ID: "job-2", OwnerID: "owner-1", OriginalFilename: "book.pdf"}))
	require.NoError(t, s.CreatePendingChunks(ctx, []store.Chunk{
		{JobID: "job-2", ChunkIndex: 0, Payload: []byte("Le chat mange.")},
		{JobID: "job-2", ChunkIndex: 1, Payload: []byte("Le chien dort.")},
	}))
	require.NoError(t, s.SetJobTotalChunks(ctx, "job-2", 2, false))
	succeedChunk(t, s, "job-2", 0, "Le chat mange.")
	// chunk 1 never succeeds -- left pending.

	wl := &store.WordList{ID: "wl-2", OwnerID: "owner-1", Name: "animals", Keys: []string{"chat", "chien"}}
	require.NoError(t, s.CreateWordList(ctx, wl))

	run := &store.CoverageRun{
		ID: "run-2", OwnerID: "owner-1", Mode: store.CoverageModeCoverage,
		SourceType: store.CoverageSourceJob, SourceID: "job-2", WordListID: "wl-2",
	}
	require.NoError(t, s.CreateCoverageRun(ctx, run))

	require.NoError(t, r.Execute(ctx, "run-2"))

	updated, err := s.GetCoverageRun(ctx, "run-2")
	require.NoError(t, err)
	require.Equal(t, store.JobPartial, updated.State)
	require.Equal(t, "one or more source chunks never completed successfully", updated.Stats["source_caveat"])
}

func TestExecute_FilterModeFromHistorySource(t *testing.T) {
	ctx := context.Background()
	r, s := newTestRunner(t)

	seedJobWithSentences(t, s, "job-3", []string{"Le chat noir dort vite.", "Un.", "Deux."})

	h := history.New(s, 8)
	histID, err := h.Snapshot(ctx, "job-3")
	require.NoError(t, err)

	wl := &store.WordList{ID: "wl-3", OwnerID: "owner-1", Name: "basic", Keys: []string{"le", "chat", "noir", "dort", "vite"}}
	require.NoError(t, s.CreateWordList(ctx, wl))

	run := &store.CoverageRun{
		ID: "run-3", OwnerID: "owner-1", Mode: store.CoverageModeFilter,
		SourceType: store.CoverageSourceHistory, SourceID: histID, WordListID: "wl-3",
		Config: store.CoverageConfig{MinInListRatio: 0.95, LenMin: 3, LenMax: 8, TargetCount: 5},
	}
	require.NoError(t, s.CreateCoverageRun(ctx, run))

	require.NoError(t, r.Execute(ctx, "run-3"))

	updated, err := s.GetCoverageRun(ctx, "run-3")
	require.NoError(t, err)
	require.Equal(t, store.JobCompleted, updated.State)

	assignments, err := s.ListCoverageAssignments(ctx, "run-3")
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, "Le chat noir dort vite.", assignments[0].SentenceText)
}

func TestSwap_ReplacesAssignmentRow(t *testing.T) {
	ctx := context.Background()
	r, s := newTestRunner(t)

	seedJobWithSentences(t, s, "job-4", []string{"Le chat mange.", "Le chien dort."})
	wl := &store.WordList{ID: "wl-4", OwnerID: "owner-1", Name: "animals", Keys: []string{"chat"}}
	require.NoError(t, s.CreateWordList(ctx, wl))
	run := &store.CoverageRun{
		ID: "run-4", OwnerID: "owner-1", Mode: store.CoverageModeCoverage,
		SourceType: store.CoverageSourceJob, SourceID: "job-4", WordListID: "wl-4",
		Config: store.CoverageConfig{Alpha: 0.5, Beta: 0.3, Gamma: 0.2},
	}
	require.NoError(t, s.CreateCoverageRun(ctx, run))
	require.NoError(t, r.Execute(ctx, "run-4"))

	require.NoError(t, r.Swap(ctx, "run-4", "chat", 1, "Le chien dort."))

	assignments, err := s.ListCoverageAssignments(ctx, "run-4")
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, 1, assignments[0].SentenceIndex)
	require.Equal(t, "Le chien dort.", assignments[0].SentenceText)
}
