package export

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/haytham10/frenchnoveltool/store"
)

func newTestClient(t *testing.T) *XLSXClient {
	t.Helper()
	blobs, err := store.NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)
	return NewXLSXClient(blobs)
}

func readBackRows(t *testing.T, c *XLSXClient, url string) [][]string {
	t.Helper()
	data, err := c.blobs.Get(context.Background(), url)
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	return rows
}

func TestExportSentences_WritesOneRowPerSentencePlusHeader(t *testing.T) {
	c := newTestClient(t)
	sentences := []store.SentencePair{
		{Original: "Le chat dort.", Normalized: "Le chat dort."},
		{Original: "Le chien court.", Normalized: "Le chien court."},
	}

	url, err := c.ExportSentences(context.Background(), "book-history.xlsx", sentences)
	require.NoError(t, err)
	require.NotEmpty(t, url)

	rows := readBackRows(t, c, url)
	require.Len(t, rows, 3)
	require.Equal(t, []string{"#", "Sentence", "Normalized"}, rows[0])
	require.Equal(t, []string{"1", "Le chat dort.", "Le chat dort."}, rows[1])
	require.Equal(t, []string{"2", "Le chien court.", "Le chien court."}, rows[2])
}

func TestExportCoverageAssignments_CoverageModeIncludesWordKey(t *testing.T) {
	c := newTestClient(t)
	assignments := []store.CoverageAssignment{
		{WordKey: "chat", SentenceIndex: 0, SentenceText: "Le chat dort.", SentenceScore: 0.9, Conflicts: []int{3}},
	}

	url, err := c.ExportCoverageAssignments(context.Background(), "run.xlsx", store.CoverageModeCoverage, assignments)
	require.NoError(t, err)

	rows := readBackRows(t, c, url)
	require.Len(t, rows, 2)
	require.Equal(t, "chat", rows[1][1])
	require.Equal(t, "3", rows[1][5])
}

func TestExportCoverageAssignments_FilterModeOmitsWordKey(t *testing.T) {
	c := newTestClient(t)
	assignments := []store.CoverageAssignment{
		{SentenceIndex: 1, SentenceText: "Le chien court.", SentenceScore: 1.2, Rank: 1},
	}

	url, err := c.ExportCoverageAssignments(context.Background(), "run.xlsx", store.CoverageModeFilter, assignments)
	require.NoError(t, err)

	rows := readBackRows(t, c, url)
	require.Len(t, rows, 2)
	require.Equal(t, "", rows[1][1])
	require.Equal(t, "1", rows[1][0])
}

func TestExportSentences_EmptyStillProducesValidWorkbook(t *testing.T) {
	c := newTestClient(t)
	url, err := c.ExportSentences(context.Background(), "empty.xlsx", nil)
	require.NoError(t, err)
	rows := readBackRows(t, c, url)
	require.Len(t, rows, 1)
}
