package coverage

import (
	"testing"

	"github.com/haytham10/frenchnoveltool/normalizer"
	"github.com/stretchr/testify/require"
)

// wordKeysRankOrder fixes the frequency-rank proxy used by
// frequencyWeight: earlier entries are treated as higher frequency.
var wordKeysRankOrder = []string{
	"un", "chat", "noir", "dort", "sur", "tapis", "chien", "court",
	"vite", "dans", "jardin", "souris", "joue", "dehors", "matin", "soir",
}

func TestRunFilter_ThreeBandedPassesFillTargetCount(t *testing.T) {
	norm := normalizer.New(normalizer.Config{})

	sentences := []Sentence{
		{Index: 0, Original: "Un chat noir dort."},                  // length 4
		{Index: 1, Original: "Chat noir dort."},                     // length 3
		{Index: 2, Original: "Un chat noir dort chien court."},      // length 6, overlaps heavily
		{Index: 3, Original: "Joue dehors matin soir jardin souris."}, // length 6, disjoint vocabulary
		{Index: 4, Original: "Un chat noir dort tapis sur."},         // length 6, overlaps heavily
		{Index: 5, Original: "Un chat noir dort vite dans."},         // length 6, overlaps heavily
		{Index: 6, Original: "Un chat noir dort jardin souris."},     // length 6, overlaps heavily
	}

	cfg := Config{
		MinInListRatio: 0.95,
		LenMin:         3,
		LenMax:         8,
		TargetCount:    3,
	}

	out, stats := RunFilter(sentences, wordKeysRankOrder, norm, cfg)

	require.Len(t, out, 3)
	require.Equal(t, 0, out[0].SentenceIndex, "pass 1 fills the single length-4 candidate first")
	require.Equal(t, 1, out[1].SentenceIndex, "pass 2 fills the single length-3 candidate second")
	require.Equal(t, 3, out[2].SentenceIndex, "pass 3 picks the disjoint-vocabulary length-6 candidate by score, not arrival order")

	require.Equal(t, 7, stats.TotalSentences)
	require.Equal(t, 7, stats.AcceptedSentences)
	require.Equal(t, 1.0, stats.AcceptanceRatio)
}

func TestRunFilter_RejectsSentencesOutsideLengthBounds(t *testing.T) {
	norm := normalizer.New(normalizer.Config{})
	sentences := []Sentence{
		{Index: 0, Original: "Un chat."},                        // length 2, below len_min
		{Index: 1, Original: "Un chat noir dort."},               // length 4, in bounds
		{Index: 2, Original: "Un chat noir dort chien court vite dans jardin."}, // length 9, above len_max
	}
	cfg := Config{MinInListRatio: 0.95, LenMin: 3, LenMax: 8, TargetCount: 10}

	out, stats := RunFilter(sentences, wordKeysRankOrder, norm, cfg)

	require.Len(t, out, 1)
	require.Equal(t, 1, out[0].SentenceIndex)
	require.Equal(t, 1, stats.AcceptedSentences)
}

func TestRunFilter_RejectsSentencesBelowInListRatio(t *testing.T) {
	norm := normalizer.New(normalizer.Config{})
	sentences := []Sentence{
		// 4 tokens, only 3 in the word list (0.75 ratio) -- rejected.
		{Index: 0, Original: "Un chat noir xylophone."},
		// 4 tokens, all in the word list -- accepted.
		{Index: 1, Original: "Un chat noir dort."},
	}
	cfg := Config{MinInListRatio: 0.95, LenMin: 3, LenMax: 8, TargetCount: 10}

	out, stats := RunFilter(sentences, wordKeysRankOrder, norm, cfg)

	require.Len(t, out, 1)
	require.Equal(t, 1, out[0].SentenceIndex)
	require.Equal(t, 1, stats.AcceptedSentences)
	require.Equal(t, 2, stats.TotalSentences)
}

func TestRunFilter_TargetUnreachableReturnsShortfallWithoutError(t *testing.T) {
	// boundary behavior #15: fewer than target_count qualifying
	// sentences exist; selection returns what it has, no error.
	norm := normalizer.New(normalizer.Config{})
	sentences := []Sentence{
		{Index: 0, Original: "Un chat noir dort."},
		{Index: 1, Original: "Chat noir dort."},
	}
	cfg := Config{MinInListRatio: 0.95, LenMin: 3, LenMax: 8, TargetCount: 50}

	out, stats := RunFilter(sentences, wordKeysRankOrder, norm, cfg)

	require.Len(t, out, 2)
	require.Equal(t, 2, stats.AcceptedSentences)
}
