// Package align maps an independently timed caption stream onto chunk windows.
package align

import (
	"sort"
	"strings"

	"github.com/snarg/subcheck/internal/segment"
)

// Cue is one timestamped caption unit. Times are in seconds.
type Cue struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Aligned is the reference caption text for one chunk.
type Aligned struct {
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	CueCount   int    `json:"cue_count"`
}

// HasReference reports whether any caption text landed in the chunk.
func (a Aligned) HasReference() bool { return a.Text != "" }

// Align returns one Aligned per chunk, in chunk order. A cue contributes to
// every chunk it overlaps by a positive duration. A zero-length cue sitting on
// a boundary belongs to the later chunk. Cues need not be sorted; the input
// slice is not modified.
func Align(cues []Cue, chunks []segment.Chunk) []Aligned {
	sorted := make([]Cue, len(cues))
	copy(sorted, cues)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	out := make([]Aligned, len(chunks))
	lo := 0
	var parts []string
	for ci, c := range chunks {
		for lo < len(sorted) && sorted[lo].End < c.Start {
			lo++
		}
		parts = parts[:0]
		for j := lo; j < len(sorted) && sorted[j].Start < c.End; j++ {
			cue := sorted[j]
			if !overlaps(cue, c) {
				continue
			}
			if t := strings.TrimSpace(cue.Text); t != "" {
				parts = append(parts, t)
			}
		}
		out[ci] = Aligned{
			ChunkIndex: c.Index,
			Text:       strings.Join(parts, " "),
			CueCount:   len(parts),
		}
	}
	return out
}

func overlaps(cue Cue, c segment.Chunk) bool {
	if cue.End <= cue.Start {
		return cue.Start >= c.Start && cue.Start < c.End
	}
	return min(cue.End, c.End)-max(cue.Start, c.Start) > 0
}
