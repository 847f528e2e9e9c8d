// Package vad produces per-frame speech probabilities for the segmenter.
package vad

import (
	"context"
	"fmt"
	"math"

	"github.com/snarg/subcheck/internal/audio"
	"github.com/snarg/subcheck/internal/segment"
)

// FrameSamples is 32 ms at 16 kHz, the window silero-style detectors use.
const FrameSamples = 512

// Energy estimates speech probability from short-time loudness. It is the
// fallback when no VAD service is configured and works best on clean speech.
type Energy struct {
	// FloorDB maps to probability 0 and CeilDB to probability 1. Defaults
	// are -50 and -20 dBFS.
	FloorDB float64
	CeilDB  float64
}

// SpeechProbabilities decodes the WAV at path and scores each frame.
func (e *Energy) SpeechProbabilities(ctx context.Context, path string) ([]segment.Frame, error) {
	samples, info, err := audio.ReadMono(path)
	if err != nil {
		return nil, err
	}
	if info.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", info.SampleRate)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.Frames(samples, info.SampleRate), nil
}

// Frames scores consecutive windows of samples. The window is 32 ms at any
// sample rate.
func (e *Energy) Frames(samples []float64, rate int) []segment.Frame {
	floor, ceil := e.FloorDB, e.CeilDB
	if floor == 0 && ceil == 0 {
		floor, ceil = -50, -20
	}
	size := FrameSamples * rate / audio.SampleRate
	if size < 1 {
		size = 1
	}
	frames := make([]segment.Frame, 0, len(samples)/size+1)
	for off := 0; off < len(samples); off += size {
		end := min(off+size, len(samples))
		frames = append(frames, segment.Frame{
			Offset:      float64(off) / float64(rate),
			Probability: loudness(samples[off:end], floor, ceil),
		})
	}
	return frames
}

// loudness maps the window's RMS level linearly from [floor, ceil] dBFS
// onto [0, 1].
func loudness(win []float64, floor, ceil float64) float64 {
	var sum float64
	for _, s := range win {
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(len(win)))
	if rms == 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	p := (db - floor) / (ceil - floor)
	return math.Max(0, math.Min(1, p))
}
