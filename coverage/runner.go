package coverage

import (
	"context"
	"fmt"

	"github.com/haytham10/frenchnoveltool/history"
	"github.com/haytham10/frenchnoveltool/normalizer"
	"github.com/haytham10/frenchnoveltool/orchestrator"
	"github.com/haytham10/frenchnoveltool/store"
)

// TaskPayload is the JSON body of a dispatcher.Task with
// Kind=build_coverage, letting cmd/worker recover which run to execute.
type TaskPayload struct {
	RunID string `json:"run_id"`
}

// Runner persists coverage.Run/RunFilter's pure output against a
// store.CoverageRun (spec.md §4.8's run()/swap() operations), loading
// its source sentences from either a Job's live chunks or a History
// snapshot (spec.md §3's two source types).
type Runner struct {
	store         *store.Store
	history       *history.Recorder
	norm          *normalizer.Normalizer
	overlapWindow int
}

// NewRunner builds a Runner.
func NewRunner(s *store.Store, h *history.Recorder, norm *normalizer.Normalizer, overlapWindow int) *Runner {
	if overlapWindow <= 0 {
		overlapWindow = 8
	}
	return &Runner{store: s, history: h, norm: norm, overlapWindow: overlapWindow}
}

// loadSentences resolves a run's source into the ordered Sentence list
// the pure algorithms operate on, reporting whether the source was
// only partially available (some chunks never succeeded).
func (r *Runner) loadSentences(ctx context.Context, run *store.CoverageRun) ([]Sentence, bool, error) {
	var pairs []store.SentencePair
	partial := false

	switch run.SourceType {
	case store.CoverageSourceJob:
		chunks, err := r.store.ListChunksByJob(ctx, run.SourceID)
		if err != nil {
			return nil, false, fmt.Errorf("coverage: loading job chunks: %w", err)
		}
		merged, _, failed := orchestrator.Merge(chunks, r.overlapWindow)
		pairs = merged
		partial = len(failed) > 0

	case store.CoverageSourceHistory:
		result, err := r.history.Read(ctx, run.SourceID, true)
		if err != nil {
			return nil, false, fmt.Errorf("coverage: loading history: %w", err)
		}
		pairs = result.Sentences

	default:
		return nil, false, fmt.Errorf("coverage: unknown source type %q", run.SourceType)
	}

	sentences := make([]Sentence, 0, len(pairs))
	for i, p := range pairs {
		sentences = append(sentences, Sentence{Index: i, Original: p.Original, Normalized: p.Normalized})
	}
	return sentences, partial, nil
}

func toConfig(c store.CoverageConfig, mode normalizer.Mode) Config {
	return Config{
		Alpha:             c.Alpha,
		Beta:              c.Beta,
		Gamma:             c.Gamma,
		TargetLength:      c.TargetLength,
		MaxSentences:      c.MaxSentences,
		PreferNonDialogue: c.PreferNonDialogue,
		MinInListRatio:    c.MinInListRatio,
		LenMin:            c.LenMin,
		LenMax:            c.LenMax,
		TargetCount:       c.TargetCount,
		Mode:              mode,
	}.WithDefaults()
}

func toStoreAssignments(runID string, assignments []Assignment) []store.CoverageAssignment {
	out := make([]store.CoverageAssignment, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, store.CoverageAssignment{
			RunID:          runID,
			WordKey:        a.WordKey,
			SentenceIndex:  a.SentenceIndex,
			SentenceText:   a.SentenceText,
			SentenceScore:  a.SentenceScore,
			MatchedSurface: a.MatchedSurface,
			Conflicts:      a.Conflicts,
			Rank:           a.Rank,
		})
	}
	return out
}

// Execute runs a pending CoverageRun to completion: loads its source
// sentences and word list, dispatches to the configured mode, and
// persists the assignments and stats. A run whose source had chunks
// that never succeeded still completes, marked partial with the
// caveat recorded in its stats (spec.md §9 Open Question: CoverageRun
// source state).
func (r *Runner) Execute(ctx context.Context, runID string) error {
	run, err := r.store.GetCoverageRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("coverage: loading run: %w", err)
	}

	wordList, err := r.store.GetWordList(ctx, run.WordListID)
	if err != nil {
		return fmt.Errorf("coverage: loading word list: %w", err)
	}

	if err := r.store.UpdateCoverageRunProgress(ctx, runID, 10, store.JobProcessing); err != nil {
		return fmt.Errorf("coverage: marking processing: %w", err)
	}

	sentences, sourcePartial, err := r.loadSentences(ctx, run)
	if err != nil {
		_ = r.store.FinalizeCoverageRun(ctx, runID, store.JobFailed, nil, err.Error())
		return err
	}

	mode := normalizer.ModeLemma
	cfg := toConfig(run.Config, mode)

	var assignments []Assignment
	var stats Stats
	switch run.Mode {
	case store.CoverageModeCoverage:
		assignments, stats = Run(sentences, wordList.Keys, r.norm, cfg)
	case store.CoverageModeFilter:
		assignments, stats = RunFilter(sentences, wordList.Keys, r.norm, cfg)
	default:
		err := fmt.Errorf("coverage: unknown mode %q", run.Mode)
		_ = r.store.FinalizeCoverageRun(ctx, runID, store.JobFailed, nil, err.Error())
		return err
	}

	if err := r.store.ReplaceCoverageAssignments(ctx, runID, toStoreAssignments(runID, assignments)); err != nil {
		_ = r.store.FinalizeCoverageRun(ctx, runID, store.JobFailed, nil, err.Error())
		return fmt.Errorf("coverage: persisting assignments: %w", err)
	}

	statsMap := map[string]any{
		"total_word_keys":    stats.TotalWordKeys,
		"covered_word_keys":  stats.CoveredWordKeys,
		"uncovered_keys":     stats.UncoveredKeys,
		"total_sentences":    stats.TotalSentences,
		"accepted_sentences": stats.AcceptedSentences,
		"acceptance_ratio":   stats.AcceptanceRatio,
	}
	state := store.JobCompleted
	if sourcePartial {
		state = store.JobPartial
		statsMap["source_caveat"] = "one or more source chunks never completed successfully"
	}
	if err := r.store.FinalizeCoverageRun(ctx, runID, state, statsMap, ""); err != nil {
		return fmt.Errorf("coverage: finalizing run: %w", err)
	}
	return nil
}

// Swap applies the operator's "pick a different sentence for this
// word" action (spec.md §4.8 supplemented feature), replacing one
// assignment row without re-running the whole algorithm.
func (r *Runner) Swap(ctx context.Context, runID, wordKey string, sentenceIndex int, sentenceText string) error {
	return r.store.SwapCoverageAssignment(ctx, runID, wordKey, store.CoverageAssignment{
		RunID:         runID,
		WordKey:       wordKey,
		SentenceIndex: sentenceIndex,
		SentenceText:  sentenceText,
	})
}
