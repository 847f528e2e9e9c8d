// Package segment turns a per-frame speech probability signal into bounded,
// non-overlapping speech chunks.
package segment

import (
	"errors"
	"fmt"
	"math"
)

// DefaultFrameInterval is the frame spacing assumed when it cannot be inferred.
const DefaultFrameInterval = 0.032

// epsilon absorbs float residue when comparing chunk boundaries.
const epsilon = 1e-9

// Frame is one VAD observation covering [Offset, Offset+interval).
type Frame struct {
	Offset      float64 `json:"offset"`
	Probability float64 `json:"probability"`
}

// Chunk is a speech-only window of the source audio.
type Chunk struct {
	Index    int     `json:"index"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
	IsSpeech bool    `json:"is_speech"`
}

// Options configures Segment. Durations are in seconds.
type Options struct {
	Threshold   float64
	MergeGap    float64
	TargetChunk float64
	MinSpeech   float64
	// FrameInterval overrides the spacing inferred from the frame offsets.
	FrameInterval float64
}

// DefaultOptions mirrors the service defaults.
func DefaultOptions() Options {
	return Options{Threshold: 0.5, MergeGap: 0.3, TargetChunk: 30, MinSpeech: 0.5}
}

func (o Options) validate() error {
	if o.TargetChunk <= 0 {
		return fmt.Errorf("target chunk duration must be > 0, got %v", o.TargetChunk)
	}
	if o.Threshold < 0 || o.Threshold > 1 {
		return fmt.Errorf("speech threshold must be within [0,1], got %v", o.Threshold)
	}
	if o.MergeGap < 0 || o.MinSpeech < 0 || o.FrameInterval < 0 {
		return errors.New("merge gap, min speech and frame interval must be >= 0")
	}
	return nil
}

// ErrUnorderedFrames is returned when frame offsets do not strictly increase.
var ErrUnorderedFrames = errors.New("frame offsets must strictly increase")

// run is an inclusive frame index range.
type run struct {
	first, last int
}

// Segment thresholds frames into speech runs, bridges gaps no longer than
// MergeGap, drops runs shorter than MinSpeech and splits runs longer than
// TargetChunk. Output indices are contiguous from zero. An empty input
// yields an empty result.
func Segment(frames []Frame, opts Options) ([]Chunk, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return []Chunk{}, nil
	}
	for i := range frames {
		p := frames[i].Probability
		if p < 0 || p > 1 || math.IsNaN(p) {
			return nil, fmt.Errorf("frame %d: probability %v outside [0,1]", i, p)
		}
		if i > 0 && frames[i].Offset <= frames[i-1].Offset {
			return nil, fmt.Errorf("frame %d: %w", i, ErrUnorderedFrames)
		}
	}

	s := segmenter{frames: frames, opts: opts, interval: frameInterval(frames, opts)}
	runs := s.merge(s.threshold())

	chunks := make([]Chunk, 0, len(runs))
	for _, r := range runs {
		if s.end(r)-s.start(r) < opts.MinSpeech-epsilon {
			continue
		}
		for _, w := range s.split(r) {
			chunks = append(chunks, Chunk{
				Index:    len(chunks),
				Start:    w[0],
				End:      w[1],
				Duration: w[1] - w[0],
				IsSpeech: true,
			})
		}
	}
	return chunks, nil
}

func frameInterval(frames []Frame, opts Options) float64 {
	if opts.FrameInterval > 0 {
		return opts.FrameInterval
	}
	if len(frames) >= 2 {
		return frames[1].Offset - frames[0].Offset
	}
	return DefaultFrameInterval
}

type segmenter struct {
	frames   []Frame
	opts     Options
	interval float64
}

func (s *segmenter) speech(i int) bool { return s.frames[i].Probability >= s.opts.Threshold }

func (s *segmenter) start(r run) float64 { return s.frames[r.first].Offset }

func (s *segmenter) end(r run) float64 { return s.frames[r.last].Offset + s.interval }

// threshold groups consecutive speech frames.
func (s *segmenter) threshold() []run {
	var runs []run
	open := -1
	for i := range s.frames {
		switch {
		case s.speech(i) && open < 0:
			open = i
		case !s.speech(i) && open >= 0:
			runs = append(runs, run{open, i - 1})
			open = -1
		}
	}
	if open >= 0 {
		runs = append(runs, run{open, len(s.frames) - 1})
	}
	return runs
}

// merge joins runs whose silent gap is at most MergeGap.
func (s *segmenter) merge(runs []run) []run {
	if len(runs) == 0 {
		return runs
	}
	out := []run{runs[0]}
	for _, r := range runs[1:] {
		last := &out[len(out)-1]
		if s.start(r)-s.end(*last) <= s.opts.MergeGap+epsilon {
			last.last = r.last
			continue
		}
		out = append(out, r)
	}
	return out
}

// split cuts a run into windows no longer than TargetChunk. Each cut lands on
// the below-threshold frame closest to the target boundary, searching the
// second half of the window; without one it hard-cuts at the target. Silent
// frames at a soft cut belong to neither side.
func (s *segmenter) split(r run) [][2]float64 {
	target := s.opts.TargetChunk
	end := s.end(r)
	cursor := s.start(r)
	first := r.first

	var out [][2]float64
	for end-cursor > target+epsilon {
		limit := cursor + target
		cut := -1
		for i := first + 1; i < r.last; i++ {
			off := s.frames[i].Offset
			if off > limit+epsilon {
				break
			}
			if off-cursor < target/2 || s.speech(i) {
				continue
			}
			// Offsets increase, so the last candidate is closest to the limit.
			cut = i
		}

		if cut < 0 {
			out = append(out, [2]float64{cursor, limit})
			cursor = limit
			for first <= r.last && s.frames[first].Offset+s.interval <= cursor+epsilon {
				first++
			}
			continue
		}

		out = append(out, [2]float64{cursor, s.frames[cut].Offset})
		next := cut
		for next <= r.last && !s.speech(next) {
			next++
		}
		first = next
		cursor = s.frames[next].Offset
	}
	if end-cursor > epsilon {
		out = append(out, [2]float64{cursor, end})
	}
	return out
}

// Fixed splits [0, duration) into consecutive windows of chunkSeconds. It is
// used when no speech probability signal is available.
func Fixed(duration, chunkSeconds float64) []Chunk {
	if duration <= 0 || chunkSeconds <= 0 {
		return []Chunk{}
	}
	var chunks []Chunk
	for start := 0.0; duration-start > epsilon; start += chunkSeconds {
		end := math.Min(start+chunkSeconds, duration)
		chunks = append(chunks, Chunk{
			Index:    len(chunks),
			Start:    start,
			End:      end,
			Duration: end - start,
			IsSpeech: true,
		})
	}
	return chunks
}

// InvariantError reports a chunk list that breaks ordering or bounds rules.
type InvariantError struct {
	Index  int
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("chunk %d: %s", e.Index, e.Reason)
}

// Validate checks that chunks are indexed 0..n-1 in order, have positive
// duration and neither overlap nor go backwards in time.
func Validate(chunks []Chunk) error {
	for i, c := range chunks {
		if c.Index != i {
			return &InvariantError{Index: c.Index, Reason: fmt.Sprintf("expected index %d", i)}
		}
		if c.End <= c.Start {
			return &InvariantError{Index: i, Reason: "end must be after start"}
		}
		if math.Abs(c.Duration-(c.End-c.Start)) > 1e-6 {
			return &InvariantError{Index: i, Reason: "duration does not match bounds"}
		}
		if i > 0 && c.Start < chunks[i-1].End-epsilon {
			return &InvariantError{Index: i, Reason: "overlaps previous chunk"}
		}
	}
	return nil
}
