package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedJobWithChunks(t *testing.T, s *Store, jobID string, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &Job{ID: jobID, OwnerID: "u1", OriginalFilename: "a.pdf"}))

	chunks := make([]Chunk, n)
	for i := 0; i < n; i++ {
		chunks[i] = Chunk{JobID: jobID, ChunkIndex: i, StartPage: i*20 + 1, EndPage: i*20 + 20, PageCount: 20, MaxRetries: 3}
	}
	require.NoError(t, s.CreatePendingChunks(ctx, chunks))
}

func TestCreatePendingChunks_AllOrNothing(t *testing.T) {
	s := newTestStore(t)
	seedJobWithChunks(t, s, "job-1", 3)

	chunks, err := s.ListChunksByJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, ChunkPending, c.State)
	}
}

func TestClaimForProcessing_SingleWinner(t *testing.T) {
	s := newTestStore(t)
	seedJobWithChunks(t, s, "job-1", 1)
	ctx := context.Background()

	c, err := s.ClaimForProcessing(ctx, "job-1", 0, "task-a")
	require.NoError(t, err)
	assert.Equal(t, ChunkProcessing, c.State)
	assert.Equal(t, 1, c.Attempts)

	// A second claim attempt on the same chunk must lose: the chunk is no
	// longer pending or retry_scheduled (spec.md §8 property 2).
	_, err = s.ClaimForProcessing(ctx, "job-1", 0, "task-b")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMarkSuccess_IdempotentOnDuplicateReport(t *testing.T) {
	s := newTestStore(t)
	seedJobWithChunks(t, s, "job-1", 1)
	ctx := context.Background()

	_, err := s.ClaimForProcessing(ctx, "job-1", 0, "task-a")
	require.NoError(t, err)

	result := ChunkResult{Sentences: []SentencePair{{Normalized: "le chat dort.", Original: "Le chat dort."}}}
	require.NoError(t, s.MarkSuccess(ctx, "job-1", 0, result))

	// Duplicate completion report from an at-least-once dispatcher must
	// not error (spec.md §8 property 3).
	require.NoError(t, s.MarkSuccess(ctx, "job-1", 0, result))

	c, err := s.GetChunk(ctx, "job-1", 0)
	require.NoError(t, err)
	assert.Equal(t, ChunkSuccess, c.State)
	require.NotNil(t, c.Result)
	assert.Len(t, c.Result.Sentences, 1)
}

func TestMarkSuccess_RefusesFromNonProcessing(t *testing.T) {
	s := newTestStore(t)
	seedJobWithChunks(t, s, "job-1", 1)
	ctx := context.Background()

	// Chunk is still pending, never claimed.
	err := s.MarkSuccess(ctx, "job-1", 0, ChunkResult{})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestScheduleRetry_RespectsMaxRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "job-1", OwnerID: "u1", OriginalFilename: "a.pdf"}))
	require.NoError(t, s.CreatePendingChunks(ctx, []Chunk{{JobID: "job-1", ChunkIndex: 0, StartPage: 1, EndPage: 20, PageCount: 20, MaxRetries: 1}}))

	_, err := s.ClaimForProcessing(ctx, "job-1", 0, "task-a")
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, "job-1", 0, "boom", "API_ERROR"))

	// attempts(1) >= max_retries(1): no more retries permitted.
	err = s.ScheduleRetry(ctx, "job-1", 0)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestScheduleRetry_AllowsWithinBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "job-1", OwnerID: "u1", OriginalFilename: "a.pdf"}))
	require.NoError(t, s.CreatePendingChunks(ctx, []Chunk{{JobID: "job-1", ChunkIndex: 0, StartPage: 1, EndPage: 20, PageCount: 20, MaxRetries: 3}}))

	_, err := s.ClaimForProcessing(ctx, "job-1", 0, "task-a")
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, "job-1", 0, "boom", "TIMEOUT"))
	require.NoError(t, s.ScheduleRetry(ctx, "job-1", 0))

	c, err := s.GetChunk(ctx, "job-1", 0)
	require.NoError(t, err)
	assert.Equal(t, ChunkRetryScheduled, c.State)

	// Now eligible for a second claim (second attempt).
	c, err = s.ClaimForProcessing(ctx, "job-1", 0, "task-b")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Attempts)
}

func TestForceRetry_ManualOverride(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "job-1", OwnerID: "u1", OriginalFilename: "a.pdf"}))
	require.NoError(t, s.CreatePendingChunks(ctx, []Chunk{{JobID: "job-1", ChunkIndex: 0, StartPage: 1, EndPage: 20, PageCount: 20, MaxRetries: 1}}))

	_, err := s.ClaimForProcessing(ctx, "job-1", 0, "task-a")
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, "job-1", 0, "boom", "API_ERROR"))

	// Regular ScheduleRetry refuses (exhausted), but ForceRetry (manual,
	// operator-driven) overrides it.
	assert.ErrorIs(t, s.ScheduleRetry(ctx, "job-1", 0), ErrConflict)
	require.NoError(t, s.ForceRetry(ctx, "job-1", 0))

	// Calling ForceRetry again on an already retry_scheduled chunk is
	// idempotent.
	require.NoError(t, s.ForceRetry(ctx, "job-1", 0))

	c, err := s.GetChunk(ctx, "job-1", 0)
	require.NoError(t, err)
	assert.Equal(t, ChunkRetryScheduled, c.State)
	assert.Equal(t, 1, c.Attempts, "ForceRetry must not itself bump attempts")
}

func TestCountChunkStates(t *testing.T) {
	s := newTestStore(t)
	seedJobWithChunks(t, s, "job-1", 3)
	ctx := context.Background()

	_, err := s.ClaimForProcessing(ctx, "job-1", 0, "task-a")
	require.NoError(t, err)
	require.NoError(t, s.MarkSuccess(ctx, "job-1", 0, ChunkResult{}))

	counts, err := s.CountChunkStates(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ChunkSuccess])
	assert.Equal(t, 2, counts[ChunkPending])
}
