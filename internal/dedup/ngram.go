// Package dedup removes stutter and repeated-phrase artifacts from speech
// recognizer output.
package dedup

import "strings"

// DefaultMaxN is the largest n-gram size collapsed by Dedup.
const DefaultMaxN = 3

// Result holds the cleaned text next to the untouched input.
type Result struct {
	Raw     string `json:"raw_text"`
	Text    string `json:"text"`
	Removed int    `json:"removed_words"`
}

// Changed reports whether any words were removed.
func (r Result) Changed() bool { return r.Removed > 0 }

// Dedup collapses repeated unigrams, then bigrams, then trigrams.
func Dedup(text string) Result {
	return DedupN(text, DefaultMaxN)
}

// DedupN runs Pass for n = 1..maxN, each pass consuming the previous output.
// Smaller n go first so a repeated phrase built from stuttered words is seen
// in its collapsed form.
func DedupN(text string, maxN int) Result {
	words := strings.Fields(text)
	before := len(words)
	for n := 1; n <= maxN; n++ {
		words = Pass(words, n)
	}
	return Result{
		Raw:     text,
		Text:    strings.Join(words, " "),
		Removed: before - len(words),
	}
}

// Pass keeps the first occurrence of each run of identical adjacent n-grams
// and drops the repeats. Matching ignores case; emitted words keep their
// original casing.
func Pass(words []string, n int) []string {
	if n < 1 || len(words) < 2*n {
		return words
	}
	out := make([]string, 0, len(words))
	i := 0
	for i < len(words) {
		if i+2*n <= len(words) && gramEqual(words, i, i+n, n) {
			out = append(out, words[i:i+n]...)
			j := i + 2*n
			for j+n <= len(words) && gramEqual(words, i, j, n) {
				j += n
			}
			i = j
			continue
		}
		out = append(out, words[i])
		i++
	}
	return out
}

func gramEqual(words []string, a, b, n int) bool {
	for k := 0; k < n; k++ {
		if !strings.EqualFold(words[a+k], words[b+k]) {
			return false
		}
	}
	return true
}
