package coverage

import (
	"github.com/haytham10/frenchnoveltool/normalizer"
)

type filterCandidate struct {
	sentence Sentence
	tokens   []string
	tokenSet map[string]bool
	ratio    float64
}

func inListRatio(tokens []string, inList map[string]bool) float64 {
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for _, t := range tokens {
		if inList[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

// frequencyWeight rewards tokens that rank earlier in the word list,
// taken as a proxy for corpus frequency since word lists are ingested
// in frequency order (spec.md §3's "target vocabulary" source).
func frequencyWeight(tokens []string, rank map[string]int) float64 {
	if len(tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tokens {
		if r, ok := rank[t]; ok {
			sum += 1.0 / float64(1+r)
		}
	}
	return sum / float64(len(tokens))
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func diversityPenalty(tokenSet map[string]bool, against []map[string]bool) float64 {
	max := 0.0
	for _, other := range against {
		if j := jaccard(tokenSet, other); j > max {
			max = j
		}
	}
	return max
}

// RunFilter executes filter mode: accept sentences whose token count
// falls in [len_min, len_max] and whose in-list ratio clears
// min_in_list_ratio, rank by a composite score, and fill up to
// target_count across three length-banded passes so the shortest,
// most drill-ready sentences are preferred (spec.md §4.8).
//
// The three passes target fixed lengths (4, then 3, then everything
// else accepted) rather than lengths relative to len_min: pass 2 only
// ever contributes candidates when len_min is configured at or below
// 3, which is expected behavior, not a bug — under the default
// len_min=4 it simply never has a qualifying candidate and falls
// through to pass 3.
func RunFilter(sentences []Sentence, wordKeys []string, norm *normalizer.Normalizer, cfg Config) ([]Assignment, Stats) {
	cfg = cfg.WithDefaults()

	inList := make(map[string]bool, len(wordKeys))
	rank := make(map[string]int, len(wordKeys))
	for i, k := range wordKeys {
		inList[k] = true
		rank[k] = i
	}

	var accepted []filterCandidate
	for _, s := range sentences {
		tokens := norm.Tokenize(s.Original, cfg.Mode)
		if len(tokens) < cfg.LenMin || len(tokens) > cfg.LenMax {
			continue
		}
		ratio := inListRatio(tokens, inList)
		if ratio < cfg.MinInListRatio {
			continue
		}
		set := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			set[t] = true
		}
		accepted = append(accepted, filterCandidate{
			sentence: s,
			tokens:   tokens,
			tokenSet: set,
			ratio:    ratio,
		})
	}

	var selectedSets []map[string]bool
	score := func(c filterCandidate) float64 {
		return c.ratio*10 + (1.0/float64(len(c.tokens)))*0.5 +
			frequencyWeight(c.tokens, rank) - diversityPenalty(c.tokenSet, selectedSets)
	}

	used := make(map[int]bool, len(accepted))
	var out []Assignment
	rankCounter := 0

	runBand := func(band func(n int) bool) {
		if len(out) >= cfg.TargetCount {
			return
		}
		var pool []filterCandidate
		for _, c := range accepted {
			if used[c.sentence.Index] || !band(len(c.tokens)) {
				continue
			}
			pool = append(pool, c)
		}

		// Greedy, not a single static sort: diversity_penalty depends on
		// what has already been picked, so each pick re-scores the
		// remaining pool against the current selection before choosing
		// the next one.
		remaining := pool
		for len(remaining) > 0 && len(out) < cfg.TargetCount {
			bestI := 0
			bestScore := score(remaining[0])
			for i := 1; i < len(remaining); i++ {
				s := score(remaining[i])
				if s > bestScore || (s == bestScore && remaining[i].sentence.Index < remaining[bestI].sentence.Index) {
					bestI, bestScore = i, s
				}
			}
			c := remaining[bestI]
			used[c.sentence.Index] = true
			selectedSets = append(selectedSets, c.tokenSet)
			rankCounter++
			out = append(out, Assignment{
				SentenceIndex: c.sentence.Index,
				SentenceText:  c.sentence.Original,
				SentenceScore: bestScore,
				Rank:          rankCounter,
			})
			remaining = append(remaining[:bestI], remaining[bestI+1:]...)
		}
	}

	runBand(func(n int) bool { return n == 4 })
	if len(out) < cfg.TargetCount {
		runBand(func(n int) bool { return n == 3 })
	}
	if len(out) < cfg.TargetCount {
		runBand(func(n int) bool { return n != 4 && n != 3 })
	}

	stats := Stats{
		TotalWordKeys:     len(wordKeys),
		TotalSentences:    len(sentences),
		AcceptedSentences: len(accepted),
	}
	if len(sentences) > 0 {
		stats.AcceptanceRatio = float64(len(accepted)) / float64(len(sentences))
	}
	return out, stats
}
