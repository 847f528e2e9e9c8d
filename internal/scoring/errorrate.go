package scoring

import (
	"strings"

	"github.com/snarg/subcheck/internal/textnorm"
)

// WER is the word error rate of hyp against ref: the token-level edit
// distance divided by max(1, len(ref words)). An empty reference scores 0
// against an empty hypothesis and 1 against anything else. Inputs are
// tokenized on whitespace as given; callers normalize first.
func WER(ref, hyp string) float64 {
	return errorRate(strings.Fields(ref), strings.Fields(hyp))
}

// CER is WER over characters, spaces included.
func CER(ref, hyp string) float64 {
	return errorRate([]rune(ref), []rune(hyp))
}

// NormalizedWER normalizes both sides before computing WER.
func NormalizedWER(ref, hyp string) float64 {
	return WER(textnorm.Normalize(ref), textnorm.Normalize(hyp))
}

func errorRate[T comparable](ref, hyp []T) float64 {
	if len(ref) == 0 {
		if len(hyp) == 0 {
			return 0
		}
		return 1
	}
	return float64(EditDistance(ref, hyp)) / float64(len(ref))
}

// EditDistance is the Levenshtein distance between a and b with unit cost
// for substitution, deletion and insertion.
func EditDistance[T comparable](a, b []T) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
