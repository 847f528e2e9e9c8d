package pipeline

import (
	"context"

	"github.com/snarg/subcheck/internal/align"
	"github.com/snarg/subcheck/internal/fetch"
	"github.com/snarg/subcheck/internal/report"
	"github.com/snarg/subcheck/internal/segment"
	"github.com/snarg/subcheck/internal/transcribe"
)

// SpeechDetector yields per-frame speech probabilities for a 16 kHz mono WAV.
type SpeechDetector interface {
	SpeechProbabilities(ctx context.Context, audioPath string) ([]segment.Frame, error)
}

// Transcriber turns one chunk of audio into text. transcribe.Provider
// satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, opts transcribe.Options) (*transcribe.Response, error)
}

// TranscriberFactory returns the transcriber for a model id. An error means
// the model is unknown or unavailable and rejects the submission.
type TranscriberFactory func(model string) (Transcriber, error)

// CaptionSource returns reference cues for ref. An empty slice means the
// source has no reference.
type CaptionSource interface {
	Captions(ctx context.Context, ref, language string) ([]align.Cue, error)
}

// Fetcher brings source media into a work directory.
type Fetcher interface {
	Accepts(ref string) bool
	Fetch(ctx context.Context, ref, dir string) (*fetch.Media, error)
}

// Converter normalizes media to 16 kHz mono WAV and cuts chunk windows.
type Converter interface {
	Convert(ctx context.Context, in, out string) error
	Extract(ctx context.Context, in, out string, start, end float64) error
}

// ReportSink persists a finished report.
type ReportSink interface {
	SaveReport(ctx context.Context, r *report.Report) error
}
