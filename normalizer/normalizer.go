// Package normalizer implements the linguistic normalization pipeline
// (spec component C1): it turns a raw French word or sentence token into
// a canonical key usable for equality-based matching against a word
// list, and tokenizes sentences for the coverage engine (C8).
package normalizer

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Mode selects how a word is matched: by lemma (default) or by surface
// form. Consumers of the normalizer pass the mode explicitly.
type Mode string

const (
	ModeLemma   Mode = "lemma"
	ModeSurface Mode = "surface"
)

// elisionPrefixes are the French elision forms stripped before head
// extraction, per spec.md §4.1 step 4a.
var elisionPrefixes = []string{"l'", "d'", "j'", "n'", "s'", "t'", "c'", "qu'"}

// Lemmatizer maps a French surface-form word to its lemma. Implementations
// may be backed by a POS+lemma model; it is intentionally not baked into
// Normalizer as a required field (spec.md §9 "linguistic model
// dependency") so the normalizer degrades gracefully when unavailable.
type Lemmatizer interface {
	// Lemma returns the lemma for word and true if found.
	Lemma(word string) (string, bool)
}

// Config controls normalization behavior.
type Config struct {
	// FoldDiacritics controls whether combining marks are dropped after
	// NFD decomposition. The zero value (false) leaves them in place.
	FoldDiacritics bool
	// Lemmatizer is optional; when nil the pipeline falls back to the
	// surface form and records the fallback in the ingestion report.
	Lemmatizer Lemmatizer
}

// Normalizer runs the canonicalization pipeline of spec.md §4.1.
type Normalizer struct {
	cfg Config
}

// New returns a Normalizer. A zero Config performs no diacritic folding
// and uses no lemmatizer (pure surface-form fallback).
func New(cfg Config) *Normalizer {
	return &Normalizer{cfg: cfg}
}

// IngestionReport accumulates anomalies and notable decisions made while
// normalizing a batch of rows. The normalizer never fails on anomalies;
// it records them here and continues (spec.md §4.1).
type IngestionReport struct {
	OriginalCount         int
	DedupCount            int
	VariantsExpanded      int
	MultiTokenExtractions []string
	LemmaFallbacks        []string
	Anomalies             []string
}

func (r *IngestionReport) note(kind, detail string) {
	switch kind {
	case "multi_token":
		r.MultiTokenExtractions = append(r.MultiTokenExtractions, detail)
	case "lemma_fallback":
		r.LemmaFallbacks = append(r.LemmaFallbacks, detail)
	default:
		r.Anomalies = append(r.Anomalies, detail)
	}
}

var (
	zeroWidthRe   = regexp.MustCompile(`[\x{200B}-\x{200F}\x{FEFF}]`)
	numericPrefix = regexp.MustCompile(`^\s*\d+\s*[-.:)\]]*\s*`)
	quoteTrim     = "\"'“”«»‘’`´"
)

// Strip is step 1-2 of spec.md §4.1: surrounding whitespace, zero-width
// characters, quote marks and paired guillemets.
func Strip(s string) string {
	s = zeroWidthRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = strings.Trim(s, quoteTrim)
	return strings.TrimSpace(s)
}

// StripNumericPrefix is step 3 of spec.md §4.1: "1. mot", "1) mot",
// "1 mot" style leading enumerations.
func StripNumericPrefix(s string) string {
	return numericPrefix.ReplaceAllString(s, "")
}

// SplitVariants splits a raw row on the variant separators {|, /, ,}
// (step 4 of spec.md §4.1).
func SplitVariants(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '|' || r == '/' || r == ','
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// stripElisionPrefix extracts the head token after a French elision
// prefix, per step 4a: the prefix is stripped BEFORE internal
// apostrophes are otherwise removed.
func stripElisionPrefix(s string) string {
	lower := strings.ToLower(s)
	for _, pfx := range elisionPrefixes {
		if strings.HasPrefix(lower, pfx) {
			return s[len(pfx):]
		}
	}
	return s
}

// removeInternalApostrophes is step 4b.
func removeInternalApostrophes(s string) string {
	return strings.NewReplacer("'", "", "’", "").Replace(s)
}

var diacriticTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldDiacritics is step 4d: decompose and drop combining marks.
func foldDiacritics(s string) string {
	out, _, err := transform.String(diacriticTransformer, s)
	if err != nil {
		return s
	}
	return out
}

// frenchStopWords is the small set consulted by step 4e when choosing
// the first lexical (non-stop-word) token of a multi-token variant. A
// full POS tagger is not required by the pipeline contract; this list
// covers the common determiners/prepositions that would otherwise be
// mistaken for the head word.
var frenchStopWords = map[string]bool{
	"le": true, "la": true, "les": true, "un": true, "une": true,
	"de": true, "du": true, "des": true, "et": true, "à": true, "en": true,
}

// firstLexicalToken returns the first token of a multi-token string that
// is not a stop word, falling back to the plain first token.
func firstLexicalToken(tokens []string) string {
	for _, t := range tokens {
		if !frenchStopWords[strings.ToLower(t)] {
			return t
		}
	}
	return tokens[0]
}

// lemmatize is step 4f: lemmatize via the injected Lemmatizer, falling
// back to the surface form and recording the fallback.
func (n *Normalizer) lemmatize(word string, mode Mode, report *IngestionReport) string {
	if mode == ModeSurface {
		return word
	}
	if n.cfg.Lemmatizer != nil {
		if lemma, ok := n.cfg.Lemmatizer.Lemma(word); ok {
			return lemma
		}
	}
	if report != nil {
		report.note("lemma_fallback", word)
	}
	return word
}

// NormalizeWord runs steps 1-4 of the pipeline on a single variant and
// returns its canonical key. It does not perform deduplication (step 5
// operates across a batch via NormalizeWordList).
func (n *Normalizer) NormalizeWord(raw string, mode Mode, report *IngestionReport) string {
	s := Strip(raw)
	s = StripNumericPrefix(s)

	// A bare variant (no |,/ separators at this point) still goes
	// through the per-variant pipeline below.
	s = stripElisionPrefix(s)
	s = removeInternalApostrophes(s)
	s = strings.ToLower(s)
	if n.cfg.FoldDiacritics {
		s = foldDiacritics(s)
	}

	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	if len(fields) > 1 {
		head := firstLexicalToken(fields)
		if report != nil {
			report.note("multi_token", raw+" -> "+head)
		}
		s = head
	} else {
		s = fields[0]
	}

	return n.lemmatize(s, mode, report)
}

// WordKeyEntry is one deduplicated canonical key produced by
// NormalizeWordList, preserving the lowest-index original row.
type WordKeyEntry struct {
	Key           string
	OriginalIndex int
	OriginalRow   string
}

// NormalizeWordList runs the full pipeline (steps 1-5) over a batch of
// raw word-list rows: strip, split variants, normalize each variant,
// and deduplicate by final key preserving the lowest-index original.
func (n *Normalizer) NormalizeWordList(rows []string, mode Mode) ([]WordKeyEntry, *IngestionReport) {
	report := &IngestionReport{OriginalCount: len(rows)}
	seen := make(map[string]int) // key -> index into result
	var result []WordKeyEntry

	for i, raw := range rows {
		stripped := Strip(raw)
		stripped = StripNumericPrefix(stripped)
		if stripped == "" {
			report.note("empty_row", raw)
			continue
		}

		variants := SplitVariants(stripped)
		if len(variants) == 0 {
			variants = []string{stripped}
		}
		if len(variants) > 1 {
			report.VariantsExpanded += len(variants)
		}

		for _, v := range variants {
			key := n.NormalizeWord(v, mode, report)
			if key == "" {
				report.note("empty_key", raw)
				continue
			}
			if idx, dup := seen[key]; dup {
				report.DedupCount++
				_ = idx
				continue
			}
			seen[key] = i
			result = append(result, WordKeyEntry{Key: key, OriginalIndex: i, OriginalRow: raw})
		}
	}

	sort.SliceStable(result, func(a, b int) bool {
		return result[a].OriginalIndex < result[b].OriginalIndex
	})

	return result, report
}

// Normalize runs the full per-variant pipeline on a single raw string
// (no variant splitting) and returns its canonical key. It satisfies
// testable property #10 (idempotence): Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(raw string, mode Mode) string {
	return n.NormalizeWord(raw, mode, nil)
}

// sentencePunctuation is trimmed from each token before canonicalization
// when tokenizing whole sentences (word-list rows never carry this
// punctuation, so NormalizeWord itself does not strip it).
const sentencePunctuation = ".,;:!?\"'«»()[]…"

// Tokenize splits a sentence into normalized word keys for the coverage
// engine (C8), reusing the same per-word canonicalization as the word
// list so consumers may pass the same Mode for both.
func (n *Normalizer) Tokenize(sentence string, mode Mode) []string {
	fields := strings.Fields(sentence)
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, sentencePunctuation)
		if f == "" {
			continue
		}
		k := n.NormalizeWord(f, mode, nil)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
