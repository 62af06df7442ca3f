// Package coverage implements the two vocabulary-selection modes of
// spec.md §4.8: greedy set-cover and the frequency filter, plus a thin
// persistence shim over store.CoverageRun.
package coverage

import "github.com/haytham10/frenchnoveltool/normalizer"

// Sentence is one candidate sentence fed to either mode, indexed by
// its position in the source (a History's Sentences or a Job's
// merged output).
type Sentence struct {
	Index      int
	Original   string
	Normalized string
}

// Config mirrors store.CoverageConfig, decoupling the pure algorithms
// in this package from the store's persistence types.
type Config struct {
	Alpha             float64
	Beta              float64
	Gamma             float64
	TargetLength      int
	MaxSentences      int
	PreferNonDialogue bool

	MinInListRatio float64
	LenMin         int
	LenMax         int
	TargetCount    int

	Mode normalizer.Mode
}

// WithDefaults returns a copy of cfg with every zero-valued field set
// to its spec.md §4.8 default. Alpha, Beta, and Gamma are deliberately
// excluded: a weight of exactly zero is a meaningful, distinct
// configuration (invariant #8's pure greedy k-cover), not an "unset"
// sentinel, so their recommended defaults (0.5/0.3/0.2) are applied
// where a CoverageRun's config is first populated, not here.
func (cfg Config) WithDefaults() Config {
	if cfg.TargetLength == 0 {
		cfg.TargetLength = 6
	}
	if cfg.MaxSentences == 0 {
		cfg.MaxSentences = 1000
	}
	if cfg.MinInListRatio == 0 {
		cfg.MinInListRatio = 0.95
	}
	if cfg.LenMin == 0 {
		cfg.LenMin = 4
	}
	if cfg.LenMax == 0 {
		cfg.LenMax = 8
	}
	if cfg.TargetCount == 0 {
		cfg.TargetCount = 500
	}
	if cfg.Mode == "" {
		cfg.Mode = normalizer.ModeLemma
	}
	return cfg
}

// Assignment is one (word_key -> sentence) row the coverage mode
// produces, or one ranked row the filter mode produces.
type Assignment struct {
	WordKey        string
	SentenceIndex  int
	SentenceText   string
	SentenceScore  float64
	MatchedSurface string
	Conflicts      []int
	Rank           int
}

// Stats is the run-level summary both modes emit (spec.md §4.8).
type Stats struct {
	TotalWordKeys     int      `json:"total_word_keys"`
	CoveredWordKeys   int      `json:"covered_word_keys"`
	UncoveredKeys     []string `json:"uncovered_keys,omitempty"`
	TotalSentences    int      `json:"total_sentences"`
	AcceptedSentences int      `json:"accepted_sentences"`
	AcceptanceRatio   float64  `json:"acceptance_ratio"`
	RuntimeMS         int64    `json:"runtime_ms"`
}
