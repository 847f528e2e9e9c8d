package scoring

import "math"

// Summary aggregates per-chunk results. Only scored chunks contribute; a chunk
// that errored or had no overlapping caption carries no result and is
// excluded rather than counted as zero.
type Summary struct {
	AvgWER      float64 `json:"avg_wer"`
	MinWER      float64 `json:"min_wer"`
	MaxWER      float64 `json:"max_wer"`
	StdWER      float64 `json:"std_wer"`
	AvgCER      float64 `json:"avg_cer"`
	MinCER      float64 `json:"min_cer"`
	MaxCER      float64 `json:"max_cer"`
	StdCER      float64 `json:"std_cer"`
	AvgSemantic float64 `json:"avg_semantic_similarity"`
	AvgHybrid   float64 `json:"avg_hybrid_score"`
	// SemanticChunks counts results that carried a semantic value.
	SemanticChunks int `json:"semantic_chunks"`
	TotalChunks    int `json:"total_chunks"`
	ScoredChunks   int `json:"scored_chunks"`
}

// Summarize aggregates results. totalChunks is the job's chunk count,
// including chunks that produced no result.
func Summarize(results []Result, totalChunks int) Summary {
	s := Summary{TotalChunks: totalChunks, ScoredChunks: len(results)}
	if len(results) == 0 {
		return s
	}
	wers := make([]float64, len(results))
	cers := make([]float64, len(results))
	var semSum, hybSum float64
	for i, r := range results {
		wers[i] = r.WER
		cers[i] = r.CER
		if r.HasSemantic() {
			semSum += r.SemanticSimilarity
			hybSum += r.HybridScore
			s.SemanticChunks++
		}
	}
	s.AvgWER, s.MinWER, s.MaxWER, s.StdWER = stats(wers)
	s.AvgCER, s.MinCER, s.MaxCER, s.StdCER = stats(cers)
	if s.SemanticChunks > 0 {
		s.AvgSemantic = semSum / float64(s.SemanticChunks)
		s.AvgHybrid = hybSum / float64(s.SemanticChunks)
	}
	return s
}

// stats returns mean, min, max and sample standard deviation (0 for a
// single value).
func stats(v []float64) (mean, lo, hi, std float64) {
	lo, hi = v[0], v[0]
	var sum float64
	for _, x := range v {
		sum += x
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	mean = sum / float64(len(v))
	if len(v) < 2 {
		return mean, lo, hi, 0
	}
	var sq float64
	for _, x := range v {
		sq += (x - mean) * (x - mean)
	}
	std = math.Sqrt(sq / float64(len(v)-1))
	return mean, lo, hi, std
}
