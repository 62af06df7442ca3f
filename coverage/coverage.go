package coverage

import (
	"sort"
	"strings"

	"github.com/haytham10/frenchnoveltool/normalizer"
)

// dialogueMarkers are the French punctuation conventions for reported
// speech; a sentence opening with one of these is penalized in q(s)
// when PreferNonDialogue is set.
var dialogueMarkers = []string{"—", "«", "- ", "- "}

func looksLikeDialogue(s string) bool {
	trimmed := strings.TrimSpace(s)
	for _, m := range dialogueMarkers {
		if strings.HasPrefix(trimmed, m) {
			return true
		}
	}
	return strings.Contains(trimmed, "»") || strings.Contains(trimmed, "«")
}

// quality scores a sentence's fitness independent of coverage: how
// close its length is to the target, and a dialogue-marker deduction.
func quality(tokenCount int, original string, cfg Config) float64 {
	diff := tokenCount - cfg.TargetLength
	if diff < 0 {
		diff = -diff
	}
	q := 1.0 / (1.0 + float64(diff))
	if cfg.PreferNonDialogue && looksLikeDialogue(original) {
		q -= 0.3
	}
	return q
}

func lengthPenalty(tokenCount, targetLength int) float64 {
	diff := tokenCount - targetLength
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(targetLength+1)
}

// candidate is a Sentence plus the per-run values the greedy loop and
// its tie-breaks need, computed once up front.
type candidate struct {
	sentence      Sentence
	tokenSet      map[string]bool
	quality       float64
	lengthPenalty float64
}

func buildCandidates(sentences []Sentence, norm *normalizer.Normalizer, cfg Config) []candidate {
	out := make([]candidate, 0, len(sentences))
	for _, s := range sentences {
		tokens := norm.Tokenize(s.Original, cfg.Mode)
		set := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			set[t] = true
		}
		out = append(out, candidate{
			sentence:      s,
			tokenSet:      set,
			quality:       quality(len(tokens), s.Original, cfg),
			lengthPenalty: lengthPenalty(len(tokens), cfg.TargetLength),
		})
	}
	return out
}

// invertedIndex maps a word key to the candidate indices that contain it.
func invertedIndex(cands []candidate, wordKeys []string) map[string][]int {
	idx := make(map[string][]int, len(wordKeys))
	want := make(map[string]bool, len(wordKeys))
	for _, k := range wordKeys {
		want[k] = true
		idx[k] = nil
	}
	for i, c := range cands {
		for k := range c.tokenSet {
			if want[k] {
				idx[k] = append(idx[k], i)
			}
		}
	}
	return idx
}

// Run executes greedy set-cover mode: select sentences maximizing
// gain(s) - alpha*duplicate_penalty(s) + beta*q(s) - gamma*length_penalty(s)
// until no remaining key can be covered or max_sentences is reached, then
// a bounded single-swap hill climb to reduce per-key duplicate
// assignments without reducing total coverage (spec.md §4.8).
func Run(sentences []Sentence, wordKeys []string, norm *normalizer.Normalizer, cfg Config) ([]Assignment, Stats) {
	cfg = cfg.WithDefaults()
	cands := buildCandidates(sentences, norm, cfg)
	idx := invertedIndex(cands, wordKeys)

	covered := make(map[string]int) // word key -> count of selected sentences containing it
	var selected []int
	selectedSet := make(map[int]bool)

	for len(selected) < cfg.MaxSentences {
		bestIdx := -1
		var bestScore, bestQuality, bestLenPenalty float64

		for i, c := range cands {
			if selectedSet[i] {
				continue
			}
			gain := 0
			dup := 0
			for k := range c.tokenSet {
				if _, isTarget := idx[k]; !isTarget {
					continue
				}
				if covered[k] == 0 {
					gain++
				} else {
					dup++
				}
			}
			if gain == 0 {
				continue
			}
			score := float64(gain) - cfg.Alpha*float64(dup) + cfg.Beta*c.quality - cfg.Gamma*c.lengthPenalty

			better := bestIdx == -1 || score > bestScore ||
				(score == bestScore && c.quality > bestQuality) ||
				(score == bestScore && c.quality == bestQuality && c.lengthPenalty < bestLenPenalty)
			if better {
				bestIdx, bestScore, bestQuality, bestLenPenalty = i, score, c.quality, c.lengthPenalty
			}
		}

		if bestIdx == -1 {
			break
		}
		selected = append(selected, bestIdx)
		selectedSet[bestIdx] = true
		for k := range cands[bestIdx].tokenSet {
			if _, isTarget := idx[k]; isTarget {
				covered[k]++
			}
		}
	}

	assignments := assignKeys(cands, selected, idx)
	hillClimbReduceDuplicates(selected, idx, assignments)

	var out []Assignment
	for k, a := range assignments {
		out = append(out, Assignment{
			WordKey:       k,
			SentenceIndex: cands[a.candIdx].sentence.Index,
			SentenceText:  cands[a.candIdx].sentence.Original,
			SentenceScore: cands[a.candIdx].quality,
			Conflicts:     a.conflicts(cands, selected, idx, k),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WordKey < out[j].WordKey })

	var uncovered []string
	for _, k := range wordKeys {
		if _, ok := assignments[k]; !ok {
			uncovered = append(uncovered, k)
		}
	}
	sort.Strings(uncovered)

	stats := Stats{
		TotalWordKeys:     len(wordKeys),
		CoveredWordKeys:   len(assignments),
		UncoveredKeys:     uncovered,
		TotalSentences:    len(sentences),
		AcceptedSentences: len(selected),
	}
	if len(sentences) > 0 {
		stats.AcceptanceRatio = float64(len(selected)) / float64(len(sentences))
	}
	return out, stats
}

type keyAssignment struct {
	candIdx int
}

func (a keyAssignment) conflicts(cands []candidate, selected []int, idx map[string][]int, key string) []int {
	var out []int
	for _, si := range selected {
		if si == a.candIdx {
			continue
		}
		if cands[si].tokenSet[key] {
			out = append(out, cands[si].sentence.Index)
		}
	}
	return out
}

// assignKeys picks, for each covered word key, the single selected
// sentence with the highest quality among those containing it
// (deterministic: ties break by lowest sentence index).
func assignKeys(cands []candidate, selected []int, idx map[string][]int) map[string]keyAssignment {
	assignments := make(map[string]keyAssignment)
	for k, candIdxs := range idx {
		best := -1
		for _, ci := range candIdxs {
			if !containsInt(selected, ci) {
				continue
			}
			if best == -1 || cands[ci].quality > cands[best].quality ||
				(cands[ci].quality == cands[best].quality && cands[ci].sentence.Index < cands[best].sentence.Index) {
				best = ci
			}
		}
		if best != -1 {
			assignments[k] = keyAssignment{candIdx: best}
		}
	}
	return assignments
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// hillClimbReduceDuplicates is the single-swap, time-capped
// post-process of spec.md §4.8: for a key assigned to a sentence that
// duplicates another key's assignment, try reassigning it to an
// alternative selected sentence that contains the key uniquely,
// without dropping any other key's coverage. Bounded to one pass over
// the assignment map, since a full fixed-point search is unnecessary
// for the sentence counts this system handles (a chunked novel's
// candidate pool rarely exceeds a few thousand sentences).
func hillClimbReduceDuplicates(selected []int, idx map[string][]int, assignments map[string]keyAssignment) {
	usageCount := make(map[int]int)
	for _, a := range assignments {
		usageCount[a.candIdx]++
	}

	for key, a := range assignments {
		if usageCount[a.candIdx] <= 1 {
			continue
		}
		for _, ci := range idx[key] {
			if ci == a.candIdx || !containsInt(selected, ci) {
				continue
			}
			if usageCount[ci] > 0 {
				continue // would just move the duplicate elsewhere
			}
			usageCount[a.candIdx]--
			usageCount[ci]++
			assignments[key] = keyAssignment{candIdx: ci}
			break
		}
	}
}
