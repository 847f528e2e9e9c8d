// Package report assembles the persisted record of a finished job and
// renders it as JSON, SRT and plain text.
package report

import (
	"time"

	"github.com/snarg/subcheck/internal/scoring"
	"github.com/snarg/subcheck/internal/segment"
)

// Transcript is the recognizer output for one chunk.
type Transcript struct {
	ChunkIndex     int     `json:"chunk_index"`
	Text           string  `json:"text"`
	RawText        string  `json:"raw_text"`
	Model          string  `json:"model"`
	Language       string  `json:"language"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime float64 `json:"processing_time"` // seconds
	Deduplicated   bool    `json:"deduplicated"`
}

// Chunk is one row of the per-chunk table.
type Chunk struct {
	segment.Chunk
	State      string          `json:"state"`
	Transcript *Transcript     `json:"transcript,omitempty"`
	Caption    string          `json:"caption"`
	CueCount   int             `json:"cue_count"`
	Comparison *scoring.Result `json:"comparison,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Report is everything needed to rebuild the per-chunk table and the
// summary without re-running comparison.
type Report struct {
	JobID          string          `json:"job_id"`
	Source         string          `json:"source"`
	Title          string          `json:"title"`
	Duration       float64         `json:"duration"`
	Model          string          `json:"model"`
	Language       string          `json:"language"`
	TotalChunks    int             `json:"total_chunks"`
	Chunks         []Chunk         `json:"chunks"`
	Summary        scoring.Summary `json:"summary"`
	ProcessingTime float64         `json:"processing_time"`
	AudioHash      string          `json:"audio_hash,omitempty"`
	Degraded       bool            `json:"degraded"`
	Warnings       []string        `json:"warnings,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Results returns the comparison results in chunk order.
func (r *Report) Results() []scoring.Result {
	var out []scoring.Result
	for _, c := range r.Chunks {
		if c.Comparison != nil {
			out = append(out, *c.Comparison)
		}
	}
	return out
}

// Resummarize recomputes Summary from the chunk table.
func (r *Report) Resummarize() {
	r.TotalChunks = len(r.Chunks)
	r.Summary = scoring.Summarize(r.Results(), r.TotalChunks)
}
