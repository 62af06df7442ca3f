package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportTaskOutcome_CompletesOnLastMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTaskGroup(ctx, "grp-1", []string{"t1", "t2", "t3"}))

	complete, err := s.ReportTaskOutcome(ctx, "grp-1", "t1", "success")
	require.NoError(t, err)
	assert.False(t, complete)

	complete, err = s.ReportTaskOutcome(ctx, "grp-1", "t2", "failed")
	require.NoError(t, err)
	assert.False(t, complete)

	complete, err = s.ReportTaskOutcome(ctx, "grp-1", "t3", "success")
	require.NoError(t, err)
	assert.True(t, complete)

	outcomes, err := s.GroupOutcomes(ctx, "grp-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"t1": "success", "t2": "failed", "t3": "success"}, outcomes)
}

func TestReportTaskOutcome_DuplicateReportIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTaskGroup(ctx, "grp-1", []string{"t1", "t2"}))

	complete, err := s.ReportTaskOutcome(ctx, "grp-1", "t1", "success")
	require.NoError(t, err)
	assert.False(t, complete)

	// A duplicate report for t1 must not corrupt the pending count or
	// flip a failed-then-success race: the UPDATE only touches a still
	// "pending" row, so this one is a no-op.
	complete, err = s.ReportTaskOutcome(ctx, "grp-1", "t1", "failed")
	require.NoError(t, err)
	assert.False(t, complete)

	outcomes, err := s.GroupOutcomes(ctx, "grp-1")
	require.NoError(t, err)
	assert.Equal(t, "success", outcomes["t1"], "first report wins")

	complete, err = s.ReportTaskOutcome(ctx, "grp-1", "t2", "success")
	require.NoError(t, err)
	assert.True(t, complete)
}
