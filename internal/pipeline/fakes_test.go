package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/subcheck/internal/align"
	"github.com/snarg/subcheck/internal/fetch"
	"github.com/snarg/subcheck/internal/report"
	"github.com/snarg/subcheck/internal/scoring"
	"github.com/snarg/subcheck/internal/segment"
	"github.com/snarg/subcheck/internal/transcribe"
)

type fakeFetcher struct {
	err error
}

func (f *fakeFetcher) Accepts(ref string) bool { return ref != "" && !strings.HasPrefix(ref, "bad") }

func (f *fakeFetcher) Fetch(ctx context.Context, ref, dir string) (*fetch.Media, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fetch.Media{Path: filepath.Join(dir, "source.m4a"), Title: "Test video", Duration: 32, Hash: "abc", Kind: "file"}, nil
}

type fakeConverter struct{}

func (fakeConverter) Convert(ctx context.Context, in, out string) error { return nil }

func (fakeConverter) Extract(ctx context.Context, in, out string, start, end float64) error {
	return nil
}

type fakeDetector struct {
	frames []segment.Frame
	err    error
}

func (d *fakeDetector) SpeechProbabilities(ctx context.Context, path string) ([]segment.Frame, error) {
	return d.frames, d.err
}

// threeChunkFrames yields chunks [0,10], [11,21] and [22,32].
func threeChunkFrames() []segment.Frame {
	var frames []segment.Frame
	for i := 0; i < 64; i++ {
		p := 0.9
		if i == 20 || i == 21 || i == 42 || i == 43 {
			p = 0.1
		}
		frames = append(frames, segment.Frame{Offset: float64(i) * 0.5, Probability: p})
	}
	return frames
}

func silentFrames() []segment.Frame {
	frames := make([]segment.Frame, 20)
	for i := range frames {
		frames[i] = segment.Frame{Offset: float64(i) * 0.5, Probability: 0.05}
	}
	return frames
}

// fakeTranscriber answers by chunk file name.
type fakeTranscriber struct {
	texts map[string]string
	fail  map[string]bool
	hang  map[string]bool // these chunks block until the context ends
	delay time.Duration
	gate  chan struct{} // when set, every call waits on it
	calls atomic.Int64
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path string, opts transcribe.Options) (*transcribe.Response, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	name := filepath.Base(path)
	if f.hang[name] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.fail[name] {
		return nil, errors.New("model crashed")
	}
	return &transcribe.Response{Text: f.texts[name], Language: opts.Language, Confidence: 0.9}, nil
}

type fakeCaptions struct {
	cues  []align.Cue
	err   error
	delay time.Duration
}

func (f *fakeCaptions) Captions(ctx context.Context, ref, lang string) ([]align.Cue, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.cues, f.err
}

func threeCues() []align.Cue {
	return []align.Cue{
		{Text: "the quick brown fox", Start: 23, End: 31},
		{Text: "Hello, world!", Start: 0.5, End: 9},
		{Text: "second chunk", Start: 11.5, End: 20},
	}
}

type recordingSink struct {
	mu      sync.Mutex
	reports []*report.Report
	err     error
}

func (s *recordingSink) SaveReport(ctx context.Context, r *report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

type harness struct {
	fetcher  *fakeFetcher
	detector *fakeDetector
	tr       *fakeTranscriber
	captions *fakeCaptions
	sink     *recordingSink
	opts     Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		fetcher:  &fakeFetcher{},
		detector: &fakeDetector{frames: threeChunkFrames()},
		tr: &fakeTranscriber{texts: map[string]string{
			"chunk_000.wav": "hello hello world",
			"chunk_001.wav": "second chunk",
			"chunk_002.wav": "the quick brown dog",
		}},
		captions: &fakeCaptions{cues: threeCues()},
		sink:     &recordingSink{},
	}
	seg := segment.DefaultOptions()
	seg.FrameInterval = 0.5
	h.opts = Options{
		WorkDir:         t.TempDir(),
		JobWorkers:      1,
		QueueSize:       4,
		ChunkWorkers:    2,
		ChunkTimeout:    5 * time.Second,
		Segment:         seg,
		DefaultModel:    "faster-whisper",
		DefaultLanguage: "en",
		Fetcher:         h.fetcher,
		Converter:       fakeConverter{},
		Detector:        h.detector,
		Captions:        h.captions,
		Engine:          scoring.NewEngine(nil, 0.5, time.Second),
		Sinks:           []ReportSink{h.sink},
		Log:             zerolog.Nop(),
	}
	h.opts.Transcribers = func(model string) (Transcriber, error) {
		if model == "unknown" {
			return nil, fmt.Errorf("%w: %s", transcribe.ErrUnknownModel, model)
		}
		return h.tr, nil
	}
	return h
}

func (h *harness) start(t *testing.T) *Orchestrator {
	t.Helper()
	o := New(h.opts)
	o.Start()
	t.Cleanup(o.Stop)
	return o
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := o.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if s.TerminalStatus != TerminalNone {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return Snapshot{}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
