// Package audio converts media to 16 kHz mono WAV and cuts chunk files.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// SampleRate is the rate every downstream model expects.
const SampleRate = 16000

// ErrNoTool is returned when neither sox nor ffmpeg is installed.
var ErrNoTool = errors.New("audio conversion needs sox or ffmpeg in PATH")

// Converter shells out to ffmpeg or sox.
type Converter struct {
	// Bandpass applies a 200-4000 Hz voice filter during conversion.
	Bandpass bool
}

// Convert resamples in to 16 kHz mono 16-bit WAV at out. ffmpeg is preferred
// because it decodes the m4a/webm streams served by video sites; sox handles
// the formats it was built with.
func (c *Converter) Convert(ctx context.Context, in, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	var cmd *exec.Cmd
	switch {
	case CheckFFmpeg():
		args := []string{"-nostdin", "-y", "-loglevel", "error", "-i", in,
			"-ac", "1", "-ar", strconv.Itoa(SampleRate), "-c:a", "pcm_s16le"}
		if c.Bandpass {
			args = append(args, "-af", "highpass=f=200,lowpass=f=4000")
		}
		cmd = exec.CommandContext(ctx, "ffmpeg", append(args, out)...)
	case CheckSox():
		args := []string{in, "-b", "16", out, "rate", strconv.Itoa(SampleRate), "channels", "1"}
		if c.Bandpass {
			args = append(args, "sinc", "200-4000")
		}
		cmd = exec.CommandContext(ctx, "sox", args...)
	default:
		return ErrNoTool
	}
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(out)
		return fmt.Errorf("convert %s: %w: %s", filepath.Base(in), err, output)
	}
	return nil
}

// Extract writes the [start, end) window of the WAV file in to out.
func (c *Converter) Extract(ctx context.Context, in, out string, start, end float64) error {
	if end <= start {
		return fmt.Errorf("extract: end %.3f must be after start %.3f", end, start)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	dur := strconv.FormatFloat(end-start, 'f', 3, 64)
	from := strconv.FormatFloat(start, 'f', 3, 64)

	var cmd *exec.Cmd
	switch {
	case CheckSox():
		cmd = exec.CommandContext(ctx, "sox", in, out, "trim", from, dur)
	case CheckFFmpeg():
		cmd = exec.CommandContext(ctx, "ffmpeg", "-nostdin", "-y", "-loglevel", "error",
			"-ss", from, "-t", dur, "-i", in, "-c:a", "pcm_s16le", out)
	default:
		return ErrNoTool
	}
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(out)
		return fmt.Errorf("extract %s-%s: %w: %s", from, dur, err, output)
	}
	return nil
}
