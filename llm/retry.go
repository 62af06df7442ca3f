package llm

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// FallbackMarker names which cascade tier produced a chunk's
// segmentation result. Matches the ChunkErrorCode values the root
// package records on a Chunk; kept as independent string constants
// here to avoid an import cycle back into the root package.
type FallbackMarker string

const (
	FallbackNone          FallbackMarker = ""
	FallbackModelFallback FallbackMarker = "MODEL_FALLBACK"
	FallbackSubchunk      FallbackMarker = "SUBCHUNK_FALLBACK"
	FallbackMinimalPrompt FallbackMarker = "MINIMAL_PROMPT_FALLBACK"
	FallbackLocal         FallbackMarker = "LOCAL_FALLBACK"
)

// ErrLocalFallbackDisabled is returned when tier 4 is reached but the
// job's allow_local_fallback setting forbids it.
var ErrLocalFallbackDisabled = fmt.Errorf("llm: local fallback disabled")

// ErrFabrication is returned when a tier's output contains a sentence
// not traceable to the source chunk text.
var ErrFabrication = fmt.Errorf("llm: segmentation output not grounded in source text")

// RetryEngine drives one chunk's text through the five-tier fallback
// cascade: starting model, next-heavier model, sub-split, minimal
// prompt, local regex splitter.
type RetryEngine struct {
	Providers          *ProviderSet
	AllowLocalFallback bool
}

// NewRetryEngine builds a RetryEngine over a configured provider ladder.
func NewRetryEngine(providers *ProviderSet, allowLocalFallback bool) *RetryEngine {
	return &RetryEngine{Providers: providers, AllowLocalFallback: allowLocalFallback}
}

// Result is the outcome of running the cascade on one chunk.
type Result struct {
	Sentences    []Sentence
	Marker       FallbackMarker
	FragmentRate float64
	Model        string
}

// Process runs req through the cascade starting at startTier, returning
// the first tier's output that succeeds and passes the fabrication
// check, or an error once every tier is exhausted.
func (e *RetryEngine) Process(ctx context.Context, req SegmentRequest, startTier ModelTier) (*Result, error) {
	if resp, err := e.attempt(ctx, startTier, req); err == nil {
		return e.finish(resp, FallbackNone), nil
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	} else {
		slog.Warn("llm: tier 0 failed", "tier", startTier, "error", err)
	}

	if heavier, ok := startTier.Next(); ok {
		if resp, err := e.attempt(ctx, heavier, req); err == nil {
			return e.finish(resp, FallbackModelFallback), nil
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		} else {
			slog.Warn("llm: tier 1 failed", "tier", heavier, "error", err)
		}
	}

	if resp, err := e.subSplit(ctx, req, startTier); err == nil {
		return e.finish(resp, FallbackSubchunk), nil
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	} else {
		slog.Warn("llm: tier 2 (subchunk) failed", "error", err)
	}

	minimalReq := req
	minimalReq.MinimalPrompt = true
	if resp, err := e.attempt(ctx, startTier, minimalReq); err == nil {
		return e.finish(resp, FallbackMinimalPrompt), nil
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	} else {
		slog.Warn("llm: tier 3 (minimal prompt, starting model) failed", "error", err)
	}
	if heavier, ok := startTier.Next(); ok {
		if resp, err := e.attempt(ctx, heavier, minimalReq); err == nil {
			return e.finish(resp, FallbackMinimalPrompt), nil
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		} else {
			slog.Warn("llm: tier 3 (minimal prompt, heavier model) failed", "error", err)
		}
	}

	if !e.AllowLocalFallback {
		return nil, ErrLocalFallbackDisabled
	}
	sentences := LocalSplit(req.Text, req.MinSentenceLength)
	return e.finish(&SegmentResponse{Sentences: sentences, Model: "local-regex"}, FallbackLocal), nil
}

// attempt calls one provider tier and rejects any output that fails the
// never-fabricates invariant.
func (e *RetryEngine) attempt(ctx context.Context, tier ModelTier, req SegmentRequest) (*SegmentResponse, error) {
	p, ok := e.Providers.At(tier)
	if !ok {
		return nil, fmt.Errorf("llm: tier %s not configured", tier)
	}
	resp, err := p.Segment(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := verifyNoFabrication(resp.Sentences, req.Text); err != nil {
		return nil, err
	}
	return resp, nil
}

// subSplit implements tier 2: the chunk payload is split into two
// subchunks by splitTextInHalf, each
// processed independently through tiers 0-1, then merged in order.
func (e *RetryEngine) subSplit(ctx context.Context, req SegmentRequest, startTier ModelTier) (*SegmentResponse, error) {
	left, right := splitTextInHalf(req.Text)
	if left == "" || right == "" {
		return nil, fmt.Errorf("llm: chunk too small to sub-split")
	}

	var merged []Sentence
	var model string
	for _, half := range []string{left, right} {
		subReq := req
		subReq.Text = half
		resp, err := e.attemptTiersZeroOne(ctx, startTier, subReq)
		if err != nil {
			return nil, err
		}
		merged = append(merged, resp.Sentences...)
		model = resp.Model
	}
	return &SegmentResponse{Sentences: merged, Model: model}, nil
}

func (e *RetryEngine) attemptTiersZeroOne(ctx context.Context, startTier ModelTier, req SegmentRequest) (*SegmentResponse, error) {
	if resp, err := e.attempt(ctx, startTier, req); err == nil {
		return resp, nil
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if heavier, ok := startTier.Next(); ok {
		return e.attempt(ctx, heavier, req)
	}
	return nil, fmt.Errorf("llm: subchunk segmentation failed on both available tiers")
}

func (e *RetryEngine) finish(resp *SegmentResponse, marker FallbackMarker) *Result {
	rate := fragmentRate(resp.Sentences)
	if rate > 0.05 {
		slog.Error("llm: fragment rate exceeds threshold", "rate", rate, "marker", marker, "sentence_count", len(resp.Sentences))
	}
	return &Result{Sentences: resp.Sentences, Marker: marker, FragmentRate: rate, Model: resp.Model}
}

// splitTextInHalf splits just after the first '.' or newline at or past
// text's midpoint, so tier 2's two subchunks each retain complete
// sentences. When no such boundary exists before the last byte, it
// splits at the midpoint byte itself, which may cut a sentence.
func splitTextInHalf(text string) (string, string) {
	if len(text) < 2 {
		return "", ""
	}
	mid := len(text) / 2
	boundary := -1
	for i := mid; i < len(text); i++ {
		if text[i] == '.' || text[i] == '\n' {
			boundary = i + 1
			break
		}
	}
	if boundary == -1 || boundary >= len(text) {
		boundary = mid
	}
	return strings.TrimSpace(text[:boundary]), strings.TrimSpace(text[boundary:])
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalizeForContainment(s string) string {
	return whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

// verifyNoFabrication enforces spec.md §4.3's "never fabricates
// content" invariant: every returned sentence's original text must
// appear, after casefolding and whitespace collapse, somewhere in the
// source chunk text.
func verifyNoFabrication(sentences []Sentence, sourceText string) error {
	normalizedSource := normalizeForContainment(sourceText)
	for _, s := range sentences {
		if strings.TrimSpace(s.Original) == "" {
			continue
		}
		if !strings.Contains(normalizedSource, normalizeForContainment(s.Original)) {
			return fmt.Errorf("%w: %q", ErrFabrication, truncate(s.Original, 80))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// leadingFragmentMarkers catches sentences opening with a preposition,
// conjunction, or relative pronoun and no conjugated verb following —
// the classic "dangling clause" fragment.
var leadingFragmentMarkers = regexp.MustCompile(`(?i)^(et|mais|ou|donc|or|ni|car|que|qui|dont|où|lorsque|quand|puisque|bien que|de|à|dans|sur|sous|avec|sans|pour|par|chez|vers|depuis|durant)\s`)

// danglingParticipleSuffix matches common past-participle endings when
// they land at a sentence's end with no finite verb elsewhere in it.
var danglingParticipleSuffix = regexp.MustCompile(`(?i)(é|ée|és|ées|i|ie|is|ies|u|ue|us|ues)[.,;:!?]?$`)

var conjugatedVerbHint = regexp.MustCompile(`(?i)\b(est|sont|était|étaient|a|ont|avait|avaient|fait|faisait|dit|disait|va|vont|peut|peuvent|doit|doivent|sera|seront|fut|furent|dort|dorment|court|courent|mange|mangent|vient|viennent|prend|prennent|voit|voient|sait|savent)\b`)

// isFragment applies the fragment heuristic named in spec.md §4.3:
// leading prepositions/conjunctions/relative pronouns without a
// conjugated verb, or a dangling past participle, with no finite verb
// elsewhere in the sentence.
func isFragment(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return false
	}
	hasVerb := conjugatedVerbHint.MatchString(trimmed)
	if leadingFragmentMarkers.MatchString(trimmed) && !hasVerb {
		return true
	}
	words := strings.Fields(trimmed)
	if len(words) == 0 {
		return false
	}
	last := words[len(words)-1]
	if danglingParticipleSuffix.MatchString(last) && !hasVerb {
		return true
	}
	return false
}

// fragmentRate reports the share of sentences the heuristic flags as
// incomplete grammatical units.
func fragmentRate(sentences []Sentence) float64 {
	if len(sentences) == 0 {
		return 0
	}
	count := 0
	for _, s := range sentences {
		if isFragment(s.Normalized) {
			count++
		}
	}
	return float64(count) / float64(len(sentences))
}

// sentenceBoundaryRe splits on a run of text ending in ./!/? followed by
// whitespace or end of string — the tier-4 LLM-free fallback.
var sentenceBoundaryRe = regexp.MustCompile(`(?s)(.*?[.!?])(\s+|$)`)

// LocalSplit is tier 4's no-LLM fallback: it mechanically splits text on
// terminal punctuation and drops anything shorter than minWords.
func LocalSplit(text string, minWords int) []Sentence {
	var sentences []Sentence
	for _, m := range sentenceBoundaryRe.FindAllStringSubmatch(text, -1) {
		original := strings.TrimSpace(m[1])
		if original == "" {
			continue
		}
		if minWords > 0 && len(strings.Fields(original)) < minWords {
			continue
		}
		sentences = append(sentences, Sentence{
			Original:   original,
			Normalized: normalizeForContainment(original),
		})
	}
	return sentences
}
