package transcribe

import (
	"context"
	"math"
)

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, audioPath string, opts Options) (*Response, error)
	Name() string  // "whisper", "deepinfra", "elevenlabs"
	Model() string // backend model identifier for reports and logs
}

// Options are per-request settings shared by all providers.
type Options struct {
	Language    string // ISO-639 code; "" or "auto" lets the backend detect
	Prompt      string
	Temperature float64
}

// Response is the common transcription result from any provider.
type Response struct {
	Text       string
	Language   string
	Duration   float64 // audio duration in seconds
	Confidence float64 // 0..1, 0 when the backend gives no signal
	Words      []Word  // nil if provider doesn't support word timestamps
}

// Word is a timestamped word from any STT provider.
type Word struct {
	Word  string
	Start float64 // seconds
	End   float64 // seconds
}

// meanProb averages exp(logprob) over values, skipping NaN.
func meanProb(logprobs []float64) float64 {
	var sum float64
	var n int
	for _, lp := range logprobs {
		if math.IsNaN(lp) {
			continue
		}
		sum += math.Exp(lp)
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Min(1, sum/float64(n))
}

func language(opts Options) string {
	if opts.Language == "auto" {
		return ""
	}
	return opts.Language
}
