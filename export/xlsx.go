// Package export implements spec.md §1's "spreadsheet export client"
// external collaborator with a real default instead of a stub: an
// xlsx writer backed by the teacher's own spreadsheet dependency.
package export

import (
	"bytes"
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/haytham10/frenchnoveltool/store"
)

// SpreadsheetClient is the narrow interface `/history/{id}/export` and
// `/coverage/runs/{id}/export` depend on, letting callers inject a
// mock in tests or swap in a hosted export service without touching
// either handler.
type SpreadsheetClient interface {
	ExportSentences(ctx context.Context, filename string, sentences []store.SentencePair) (url string, err error)
	ExportCoverageAssignments(ctx context.Context, filename string, mode store.CoverageMode, assignments []store.CoverageAssignment) (url string, err error)
}

// XLSXClient writes workbooks with excelize and offloads them to a
// store.BlobStore, the shape a real hosted export service's client
// would also take (build bytes, upload, return a URL).
type XLSXClient struct {
	blobs store.BlobStore
}

// NewXLSXClient returns a SpreadsheetClient backed by blobs.
func NewXLSXClient(blobs store.BlobStore) *XLSXClient {
	return &XLSXClient{blobs: blobs}
}

const sheetName = "Sheet1"

// ExportSentences writes a History's sentence snapshot as a two-column
// workbook (original, normalized), one row per sentence.
func (c *XLSXClient) ExportSentences(ctx context.Context, filename string, sentences []store.SentencePair) (string, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetRow(sheetName, "A1", &[]string{"#", "Sentence", "Normalized"}); err != nil {
		return "", fmt.Errorf("export: writing header: %w", err)
	}
	for i, s := range sentences {
		row := i + 2
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return "", fmt.Errorf("export: resolving cell: %w", err)
		}
		if err := f.SetSheetRow(sheetName, cell, &[]any{i + 1, s.Original, s.Normalized}); err != nil {
			return "", fmt.Errorf("export: writing row %d: %w", row, err)
		}
	}
	return c.writeAndStore(ctx, filename, f)
}

// ExportCoverageAssignments writes a CoverageRun's assignment rows.
// Coverage mode carries a word_key column; filter mode's rows have no
// word key, so that column is left blank.
func (c *XLSXClient) ExportCoverageAssignments(ctx context.Context, filename string, mode store.CoverageMode, assignments []store.CoverageAssignment) (string, error) {
	f := excelize.NewFile()
	defer f.Close()

	header := []string{"Rank", "Word Key", "Sentence Index", "Sentence", "Score", "Conflicts"}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return "", fmt.Errorf("export: writing header: %w", err)
	}

	for i, a := range assignments {
		row := i + 2
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return "", fmt.Errorf("export: resolving cell: %w", err)
		}
		wordKey := a.WordKey
		if mode == store.CoverageModeFilter {
			wordKey = ""
		}
		rank := a.Rank
		if mode == store.CoverageModeCoverage {
			rank = i + 1
		}
		values := []any{rank, wordKey, a.SentenceIndex, a.SentenceText, a.SentenceScore, conflictsText(a.Conflicts)}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return "", fmt.Errorf("export: writing row %d: %w", row, err)
		}
	}
	return c.writeAndStore(ctx, filename, f)
}

func conflictsText(conflicts []int) string {
	if len(conflicts) == 0 {
		return ""
	}
	out := fmt.Sprintf("%v", conflicts)
	return out[1 : len(out)-1] // strip Go's []int bracket formatting
}

func (c *XLSXClient) writeAndStore(ctx context.Context, filename string, f *excelize.File) (string, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return "", fmt.Errorf("export: serializing workbook: %w", err)
	}
	url, err := c.blobs.Put(ctx, "export/"+filename, buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("export: storing workbook: %w", err)
	}
	return url, nil
}
