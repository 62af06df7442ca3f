// Package pdfchunk implements the PDF page-range chunking strategy
// (spec component C2): it splits a source PDF into page-range Chunk
// records sized by total page count, with a 1-page overlap between
// adjacent chunks that the orchestrator's merge step (C4) later
// deduplicates.
package pdfchunk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/haytham10/frenchnoveltool/store"
	"github.com/ledongthuc/pdf"
)

// PageText is the extracted plain text of one PDF page, 1-based.
type PageText struct {
	Number int
	Text   string
}

// ExtractPages opens the PDF at path and returns its per-page text in
// page order along with the total page count. Pages that fail to yield
// text (scanned images, malformed content streams) are still returned
// with an empty Text so callers can tell "no text" apart from "no page".
func ExtractPages(path string) ([]PageText, int, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	pages := make([]PageText, 0, totalPages)
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, PageText{Number: i})
			continue
		}
		text, err := extractPageTextOrdered(page)
		if err != nil {
			pages = append(pages, PageText{Number: i})
			continue
		}
		pages = append(pages, PageText{Number: i, Text: strings.TrimSpace(text)})
	}
	return pages, totalPages, nil
}

// extractPageTextOrdered extracts a page's text sorted by visual
// position (top-to-bottom), since the library's default GetPlainText
// follows content-stream order which can scatter a sentence across
// unrelated text runs in multi-column layouts.
func extractPageTextOrdered(page pdf.Page) (string, error) {
	content := page.Content()
	if len(content.Text) == 0 {
		return page.GetPlainText(nil)
	}

	const lineTolerance = 3.0
	type visualLine struct {
		y   float64
		buf strings.Builder
	}

	var lines []*visualLine
	var cur *visualLine
	for _, t := range content.Text {
		if cur == nil || math.Abs(t.Y-cur.y) > lineTolerance {
			lines = append(lines, &visualLine{y: t.Y})
			cur = lines[len(lines)-1]
		}
		cur.buf.WriteString(t.S)
	}

	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].y > lines[j].y
	})

	var parts []string
	for _, l := range lines {
		if text := strings.TrimSpace(l.buf.String()); text != "" {
			parts = append(parts, text)
		}
	}

	result := strings.Join(parts, "\n")
	if strings.TrimSpace(result) == "" {
		return page.GetPlainText(nil)
	}
	return result, nil
}

// Range is one planned page-range chunk before persistence.
type Range struct {
	ChunkIndex int
	StartPage  int
	EndPage    int
	HasOverlap bool
}

// PlanPageRanges splits [1, totalPages] into chunkSize-page ranges, then
// applies spec.md §4.2's 1-page overlap rule: each range after the first
// is pulled back to start at the previous range's end page, and flagged
// has_overlap so the merge step knows to drop its sentences that
// repeat the previous chunk's tail.
func PlanPageRanges(totalPages, chunkSize int) []Range {
	if totalPages <= 0 || chunkSize <= 0 {
		return nil
	}

	var ranges []Range
	start := 1
	idx := 0
	for start <= totalPages {
		end := start + chunkSize - 1
		if end > totalPages {
			end = totalPages
		}
		ranges = append(ranges, Range{ChunkIndex: idx, StartPage: start, EndPage: end})
		idx++
		start = end + 1
	}

	for i := 1; i < len(ranges); i++ {
		ranges[i].StartPage = ranges[i-1].EndPage
		ranges[i].HasOverlap = true
	}
	return ranges
}

// RangesFromHint validates an operator-supplied page-range hint (the
// "reprocess these pages only" flow) against the PDF's actual page
// count and turns it into a single Range with chunk_index 0. This is
// the chunker's one feature beyond spec.md §4.2 proper.
func RangesFromHint(totalPages, startPage, endPage int) (Range, error) {
	if startPage < 1 || endPage < startPage || endPage > totalPages {
		return Range{}, fmt.Errorf("pdfchunk: invalid page range hint [%d,%d] for a %d-page document", startPage, endPage, totalPages)
	}
	return Range{ChunkIndex: 0, StartPage: startPage, EndPage: endPage}, nil
}

// joinPageRange concatenates the text of pages [start, end] (inclusive,
// 1-based) from an already-extracted page slice.
func joinPageRange(pages []PageText, start, end int) string {
	var b strings.Builder
	for _, p := range pages {
		if p.Number < start || p.Number > end {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// BuildResult is the outcome of Build: the planned chunks plus whether
// persistence degraded to in-memory-only.
type BuildResult struct {
	Chunks     []store.Chunk
	Degraded   bool
	TotalPages int
}

// Build extracts a PDF's pages, plans its chunk layout with
// PlanPageRanges, and attempts to persist the resulting chunks via
// st.CreatePendingChunks in one transaction. If persistence fails (e.g.
// the store is temporarily unavailable), it falls back to returning the
// chunks unpersisted and sets Degraded=true, per spec.md §4.2 and §9's
// "ephemeral mode is a persistence-policy flag" note: there is no
// alternate chunk data shape for degraded mode, only a different
// write path.
//
// Chunk.Payload stores the UTF-8 text of the chunk's page range rather
// than raw PDF bytes: no PDF-writing library is available to carve out
// a standalone, independently-openable sub-PDF per range, and every
// downstream consumer (the LLM retry engine) operates on extracted text
// anyway.
func Build(ctx context.Context, st *store.Store, pdfPath, jobID string, chunkSize int) (*BuildResult, error) {
	pages, totalPages, err := ExtractPages(pdfPath)
	if err != nil {
		return nil, err
	}

	ranges := PlanPageRanges(totalPages, chunkSize)
	chunks := make([]store.Chunk, 0, len(ranges))
	for _, r := range ranges {
		text := joinPageRange(pages, r.StartPage, r.EndPage)
		payload := []byte(text)
		chunks = append(chunks, store.Chunk{
			JobID:         jobID,
			ChunkIndex:    r.ChunkIndex,
			StartPage:     r.StartPage,
			EndPage:       r.EndPage,
			PageCount:     r.EndPage - r.StartPage + 1,
			HasOverlap:    r.HasOverlap,
			Payload:       payload,
			FileSizeBytes: int64(len(payload)),
			State:         store.ChunkPending,
			MaxRetries:    3,
		})
	}

	result := &BuildResult{Chunks: chunks, TotalPages: totalPages}

	if err := st.CreatePendingChunks(ctx, chunks); err != nil {
		result.Degraded = true
		return result, nil
	}
	return result, nil
}

// BuildFromHint is the page-range-hint variant of Build used by the
// manual "reprocess these pages only" operator flow: it produces exactly
// one chunk for the requested range instead of the full strategy-table
// layout.
func BuildFromHint(ctx context.Context, st *store.Store, pdfPath, jobID string, startPage, endPage int) (*BuildResult, error) {
	pages, totalPages, err := ExtractPages(pdfPath)
	if err != nil {
		return nil, err
	}

	r, err := RangesFromHint(totalPages, startPage, endPage)
	if err != nil {
		return nil, err
	}

	text := joinPageRange(pages, r.StartPage, r.EndPage)
	payload := []byte(text)
	chunk := store.Chunk{
		JobID:         jobID,
		ChunkIndex:    r.ChunkIndex,
		StartPage:     r.StartPage,
		EndPage:       r.EndPage,
		PageCount:     r.EndPage - r.StartPage + 1,
		Payload:       payload,
		FileSizeBytes: int64(len(payload)),
		State:         store.ChunkPending,
		MaxRetries:    3,
	}

	result := &BuildResult{Chunks: []store.Chunk{chunk}, TotalPages: totalPages}
	if err := st.CreatePendingChunks(ctx, result.Chunks); err != nil {
		result.Degraded = true
		return result, nil
	}
	return result, nil
}
