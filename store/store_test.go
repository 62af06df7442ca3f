//go:build cgo

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &Job{
		ID:               "job-1",
		OwnerID:          "user-1",
		OriginalFilename: "novel.pdf",
		Settings:         JobSettings{SentenceLength: 12, ModelPreference: "balanced"},
	}
	require.NoError(t, s.CreateJob(ctx, j))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobPending, got.State)
	assert.Equal(t, "novel.pdf", got.OriginalFilename)
	assert.Equal(t, 12, got.Settings.SentenceLength)
	assert.Equal(t, 3, got.MaxRetries)
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJobState_RefusesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "job-1", OwnerID: "u1", OriginalFilename: "a.pdf"}))
	require.NoError(t, s.UpdateJobState(ctx, "job-1", JobProcessing, "Chunking"))
	require.NoError(t, s.FinalizeJob(ctx, "job-1", JobCompleted, "Done", "", "hist-1"))

	err := s.UpdateJobState(ctx, "job-1", JobProcessing, "Chunking")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestUpdateJobProgress_Monotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "job-1", OwnerID: "u1", OriginalFilename: "a.pdf"}))

	require.NoError(t, s.UpdateJobProgress(ctx, "job-1", 50, "Processing", 5))
	require.NoError(t, s.UpdateJobProgress(ctx, "job-1", 30, "Processing", 6))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 50, got.ProgressPercent, "progress must never regress")
	assert.Equal(t, 6, got.ProcessedChunks)
}

func TestSetJobTotalChunks_RecordsTotalAndDegradedFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "job-1", OwnerID: "u1", OriginalFilename: "a.pdf"}))
	require.NoError(t, s.SetJobTotalChunks(ctx, "job-1", 7, false))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.TotalChunks)
	assert.False(t, got.DegradedPersistence)
}

func TestCancelJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "job-1", OwnerID: "u1", OriginalFilename: "a.pdf"}))
	require.NoError(t, s.CancelJob(ctx, "job-1"))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, got.State)
	assert.NotNil(t, got.CompletedAt)

	// A second cancel on an already-terminal job must fail.
	assert.ErrorIs(t, s.CancelJob(ctx, "job-1"), ErrTerminal)
}

func TestIncrementRetryRound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "job-1", OwnerID: "u1", OriginalFilename: "a.pdf"}))

	round, err := s.IncrementRetryRound(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, round)

	round, err = s.IncrementRetryRound(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, round)
}

func TestListJobsByOwner_ReturnsOnlyOwnersJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "job-1", OwnerID: "u1", OriginalFilename: "a.pdf"}))
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "job-2", OwnerID: "u1", OriginalFilename: "b.pdf"}))
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "job-3", OwnerID: "u2", OriginalFilename: "c.pdf"}))

	jobs, err := s.ListJobsByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx)) // running twice must not error
}
