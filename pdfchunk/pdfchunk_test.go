package pdfchunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPlanPageRanges_S1 implements scenario S1 from spec.md §8: a 40-page
// PDF chunked at 20 pages/chunk (the 31-100 page strategy bracket)
// produces two overlapping ranges.
func TestPlanPageRanges_S1(t *testing.T) {
	ranges := PlanPageRanges(40, 20)
	require.Len(t, ranges, 2)

	assert.Equal(t, Range{ChunkIndex: 0, StartPage: 1, EndPage: 20, HasOverlap: false}, ranges[0])
	assert.Equal(t, 20, ranges[1].StartPage, "second chunk must start at the first chunk's end page")
	assert.Equal(t, 40, ranges[1].EndPage)
	assert.True(t, ranges[1].HasOverlap)
}

func TestPlanPageRanges_SingleChunkUnderThreshold(t *testing.T) {
	ranges := PlanPageRanges(25, 30)
	require.Len(t, ranges, 1)
	assert.Equal(t, 1, ranges[0].StartPage)
	assert.Equal(t, 25, ranges[0].EndPage)
	assert.False(t, ranges[0].HasOverlap)
}

func TestPlanPageRanges_ThreeChunksAllOverlapExceptFirst(t *testing.T) {
	// 101-500 bracket: 15 pages/chunk, 40 pages total.
	ranges := PlanPageRanges(40, 15)
	require.Len(t, ranges, 3)
	assert.False(t, ranges[0].HasOverlap)
	assert.True(t, ranges[1].HasOverlap)
	assert.True(t, ranges[2].HasOverlap)

	// Every page from 1..40 must be covered by at least one range.
	covered := make(map[int]bool)
	for _, r := range ranges {
		for p := r.StartPage; p <= r.EndPage; p++ {
			covered[p] = true
		}
	}
	for p := 1; p <= 40; p++ {
		assert.True(t, covered[p], "page %d not covered by any chunk", p)
	}
}

func TestPlanPageRanges_EmptyForZeroPages(t *testing.T) {
	assert.Nil(t, PlanPageRanges(0, 20))
}

func TestRangesFromHint_Valid(t *testing.T) {
	r, err := RangesFromHint(100, 10, 25)
	require.NoError(t, err)
	assert.Equal(t, 10, r.StartPage)
	assert.Equal(t, 25, r.EndPage)
}

func TestRangesFromHint_RejectsOutOfBounds(t *testing.T) {
	_, err := RangesFromHint(100, 90, 120)
	assert.Error(t, err)

	_, err = RangesFromHint(100, 0, 10)
	assert.Error(t, err)

	_, err = RangesFromHint(100, 20, 10)
	assert.Error(t, err)
}

func TestJoinPageRange(t *testing.T) {
	pages := []PageText{
		{Number: 1, Text: "A."},
		{Number: 2, Text: "B."},
		{Number: 3, Text: "C."},
	}
	assert.Equal(t, "A.\n\nB.", joinPageRange(pages, 1, 2))
	assert.Equal(t, "B.\n\nC.", joinPageRange(pages, 2, 3))
	assert.Equal(t, "", joinPageRange(pages, 5, 6))
}
