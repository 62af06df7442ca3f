package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haytham10/frenchnoveltool/llm"
	"github.com/haytham10/frenchnoveltool/store"
)

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// loadChunkText returns the chunk's source text, fetching it from the
// blob store when the payload was offloaded (spec.md §3).
func loadChunkText(ctx context.Context, blobs store.BlobStore, c store.Chunk) (string, error) {
	if len(c.Payload) > 0 {
		return string(c.Payload), nil
	}
	if c.PayloadURL != "" {
		data, err := blobs.Get(ctx, c.PayloadURL)
		if err != nil {
			return "", fmt.Errorf("orchestrator: fetching offloaded chunk payload: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("orchestrator: chunk %d has no payload", c.ChunkIndex)
}

// classifyError maps a chunk-processing failure to the symbolic code
// recorded on the Chunk (spec.md §7), so the orchestrator's retry-round
// logic and the HTTP layer's error surface agree on failure causes.
func classifyError(err error) store.ChunkErrorCode {
	switch {
	case errors.Is(err, llm.ErrLocalFallbackDisabled):
		return store.ChunkErrorProcessing
	case errors.Is(err, llm.ErrFabrication):
		return store.ChunkErrorProcessing
	case errors.Is(err, context.DeadlineExceeded):
		return store.ChunkErrorTimeout
	default:
		return store.ChunkErrorAPI
	}
}

// markerToCode maps a fallback tier marker to the Chunk's stored error
// code family, so a successful-but-degraded result (e.g. local fallback)
// is still visible in the chunk's history.
func markerToCode(m llm.FallbackMarker) string {
	return string(m)
}

// Process runs one Chunk's text through the LLM retry cascade and
// returns its structured result, used identically by the single-chunk
// in-process short circuit and cmd/worker's dispatched path.
func (r *ChunkRuntime) Process(ctx context.Context, c store.Chunk, settings store.JobSettings) (store.ChunkResult, store.ChunkErrorCode, error) {
	text, err := loadChunkText(ctx, r.Blobs, c)
	if err != nil {
		return store.ChunkResult{}, store.ChunkErrorNoText, err
	}

	req := llm.SegmentRequest{
		Text:              text,
		SentenceLength:    settings.SentenceLength,
		IgnoreDialogue:    settings.IgnoreDialogue,
		MinSentenceLength: settings.MinSentenceLength,
	}
	startTier := llm.StartTier(settings.ModelPreference)

	result, err := r.Retry.Process(ctx, req, startTier)
	if err != nil {
		return store.ChunkResult{}, classifyError(err), err
	}

	pairs := make([]store.SentencePair, 0, len(result.Sentences))
	for _, s := range result.Sentences {
		pairs = append(pairs, store.SentencePair{Original: s.Original, Normalized: s.Normalized})
	}

	return store.ChunkResult{
		Sentences:      pairs,
		TokenCount:     0,
		StartPage:      c.StartPage,
		EndPage:        c.EndPage,
		FallbackMarker: markerToCode(result.Marker),
	}, "", nil
}
