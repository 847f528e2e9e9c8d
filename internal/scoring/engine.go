// Package scoring compares a transcript against its reference caption with
// WER, CER, semantic similarity and a blended hybrid score.
package scoring

import (
	"context"
	"math"
	"time"

	"github.com/snarg/subcheck/internal/textnorm"
)

// Unavailable marks a semantic or hybrid value that could not be computed.
const Unavailable = -1.0

// DefaultAlpha weighs (1 - WER) against semantic similarity in the hybrid score.
const DefaultAlpha = 0.5

// Similarity returns the cosine similarity of two texts in [-1, 1].
type Similarity interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// Result is the comparison of one chunk's transcript with its caption.
type Result struct {
	ChunkIndex           int     `json:"chunk_index"`
	WER                  float64 `json:"wer"`
	CER                  float64 `json:"cer"`
	SemanticSimilarity   float64 `json:"semantic_similarity"`
	HybridScore          float64 `json:"hybrid_score"`
	NormalizedTranscript string  `json:"normalized_transcript"`
	NormalizedCaption    string  `json:"normalized_caption"`
	SemanticError        string  `json:"semantic_error,omitempty"`
}

// HasSemantic reports whether the semantic and hybrid fields hold real values.
func (r Result) HasSemantic() bool { return r.SemanticSimilarity != Unavailable }

// Semantic maps a cosine similarity from [-1, 1] onto [0, 1].
func Semantic(cos float64) float64 {
	return clamp01((cos + 1) / 2)
}

// Hybrid blends accuracy and meaning: alpha*(1-min(wer,1)) + (1-alpha)*sem.
// WER is capped at 1 so hypotheses longer than the reference cannot push the
// score below zero.
func Hybrid(wer, sem, alpha float64) float64 {
	return alpha*(1-math.Min(wer, 1)) + (1-alpha)*sem
}

// Engine scores normalized reference/hypothesis pairs.
type Engine struct {
	sim     Similarity
	alpha   float64
	timeout time.Duration
}

// NewEngine returns an Engine. A nil sim falls back to LexicalSimilarity.
// alpha outside [0,1] falls back to DefaultAlpha.
func NewEngine(sim Similarity, alpha float64, timeout time.Duration) *Engine {
	if sim == nil {
		sim = LexicalSimilarity{}
	}
	if alpha < 0 || alpha > 1 || math.IsNaN(alpha) {
		alpha = DefaultAlpha
	}
	return &Engine{sim: sim, alpha: alpha, timeout: timeout}
}

// Alpha returns the hybrid weight in use.
func (e *Engine) Alpha() float64 { return e.alpha }

// Compare normalizes both texts and computes all four scores. A similarity
// failure only degrades SemanticSimilarity and HybridScore to Unavailable.
func (e *Engine) Compare(ctx context.Context, chunkIndex int, caption, transcript string) Result {
	ref := textnorm.Normalize(caption)
	hyp := textnorm.Normalize(transcript)

	res := Result{
		ChunkIndex:           chunkIndex,
		WER:                  WER(ref, hyp),
		CER:                  CER(ref, hyp),
		NormalizedTranscript: hyp,
		NormalizedCaption:    ref,
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	cos, err := e.similarity(ctx, ref, hyp)
	if err != nil {
		res.SemanticSimilarity = Unavailable
		res.HybridScore = Unavailable
		res.SemanticError = err.Error()
		return res
	}
	res.SemanticSimilarity = Semantic(cos)
	res.HybridScore = Hybrid(res.WER, res.SemanticSimilarity, e.alpha)
	return res
}

func (e *Engine) similarity(ctx context.Context, ref, hyp string) (float64, error) {
	// Both empty is a perfect match and never needs the model.
	if ref == "" && hyp == "" {
		return 1, nil
	}
	return e.sim.Similarity(ctx, ref, hyp)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
