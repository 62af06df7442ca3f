package orchestrator

import (
	"regexp"
	"strings"

	"github.com/haytham10/frenchnoveltool/store"
)

var mergeWhitespaceRe = regexp.MustCompile(`\s+`)

const fingerprintLen = 100

// fingerprint computes the stable dedup key of spec.md §4.4 merge rules:
// casefold, collapse whitespace, and truncate to the first 100 characters.
func fingerprint(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = mergeWhitespaceRe.ReplaceAllString(s, " ")
	if r := []rune(s); len(r) > fingerprintLen {
		s = string(r[:fingerprintLen])
	}
	return s
}

func lastNFingerprints(sentences []store.SentencePair, n int) []string {
	if len(sentences) == 0 {
		return nil
	}
	start := 0
	if len(sentences) > n {
		start = len(sentences) - n
	}
	out := make([]string, 0, len(sentences)-start)
	for _, s := range sentences[start:] {
		out = append(out, fingerprint(s.Original))
	}
	return out
}

// Merge implements spec.md §4.4's merge rules: walk chunks in
// chunk_index order, concatenating successful chunks' sentences, and
// when a chunk is marked has_overlap, drop any of its sentences whose
// fingerprint matches one of the preceding successful chunk's last N
// emitted sentences (overlapWindow). Failed chunks contribute nothing
// and are skipped without breaking positional order; their indices are
// returned in failed.
//
// History's refresh/read operations call this same function so the
// live and snapshot paths can never diverge (spec.md §4.7).
func Merge(chunks []store.Chunk, overlapWindow int) (sentences []store.SentencePair, used []int, failed []int) {
	if overlapWindow <= 0 {
		overlapWindow = 8
	}

	var prevTail []string
	for _, c := range chunks {
		if c.State != store.ChunkSuccess || c.Result == nil {
			failed = append(failed, c.ChunkIndex)
			continue
		}

		keep := c.Result.Sentences
		if c.HasOverlap && len(prevTail) > 0 {
			drop := make(map[string]bool, len(prevTail))
			for _, fp := range prevTail {
				drop[fp] = true
			}
			filtered := make([]store.SentencePair, 0, len(keep))
			for _, s := range keep {
				if drop[fingerprint(s.Original)] {
					continue
				}
				filtered = append(filtered, s)
			}
			keep = filtered
		}

		sentences = append(sentences, keep...)
		used = append(used, c.ChunkIndex)
		prevTail = lastNFingerprints(keep, overlapWindow)
	}
	return sentences, used, failed
}
