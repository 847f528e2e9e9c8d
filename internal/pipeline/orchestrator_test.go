package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snarg/subcheck/internal/align"
)

func TestEndToEndChunkFailureIsolated(t *testing.T) {
	h := newHarness(t)
	h.tr.fail = map[string]bool{"chunk_001.wav": true}
	o := h.start(t)

	id, err := o.Submit(Request{Source: "lecture.mp4"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s := waitTerminal(t, o, id)

	if s.TerminalStatus != TerminalCompleted {
		t.Fatalf("terminal = %s (%s), want completed", s.TerminalStatus, s.Error)
	}
	if s.ProgressPercent != 100 {
		t.Errorf("progress = %d, want 100", s.ProgressPercent)
	}
	if len(s.Chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(s.Chunks))
	}
	if s.Chunks[1].State != ChunkErrored || s.Chunks[1].WER != nil {
		t.Errorf("chunk 1 = %+v, want error without metrics", s.Chunks[1])
	}
	if !strings.Contains(s.Chunks[1].Error, "model crashed") {
		t.Errorf("chunk 1 error = %q", s.Chunks[1].Error)
	}
	for _, i := range []int{0, 2} {
		c := s.Chunks[i]
		if c.State != ChunkCompleted || c.WER == nil || c.CER == nil || c.SemanticSimilarity == nil || c.HybridScore == nil {
			t.Errorf("chunk %d = %+v, want full comparison", i, c)
		}
	}
	if *s.Chunks[0].WER != 0 {
		t.Errorf("chunk 0 WER = %v, want 0 after dedup", *s.Chunks[0].WER)
	}
	if *s.Chunks[2].WER != 0.25 {
		t.Errorf("chunk 2 WER = %v, want 0.25", *s.Chunks[2].WER)
	}

	if s.Summary == nil {
		t.Fatal("summary missing")
	}
	if s.Summary.ScoredChunks != 2 || s.Summary.TotalChunks != 3 {
		t.Errorf("summary counts = %d/%d, want 2/3", s.Summary.ScoredChunks, s.Summary.TotalChunks)
	}
	if math.Abs(s.Summary.AvgWER-0.125) > 1e-9 {
		t.Errorf("AvgWER = %v, want 0.125 (over 2 chunks)", s.Summary.AvgWER)
	}

	if len(h.sink.reports) != 1 {
		t.Fatalf("reports saved = %d, want 1", len(h.sink.reports))
	}
	rep := h.sink.reports[0]
	if rep.Title != "Test video" || rep.AudioHash != "abc" || rep.Model != "faster-whisper" {
		t.Errorf("report header = %+v", rep)
	}
	if rep.Chunks[0].Transcript == nil || !rep.Chunks[0].Transcript.Deduplicated {
		t.Errorf("chunk 0 transcript = %+v, want deduplicated", rep.Chunks[0].Transcript)
	}
	if rep.Chunks[0].Caption != "Hello, world!" {
		t.Errorf("chunk 0 caption = %q", rep.Chunks[0].Caption)
	}
}

func TestChunksWithoutCaptionAreNotScored(t *testing.T) {
	h := newHarness(t)
	h.captions.cues = []align.Cue{{Text: "hello world", Start: 0.5, End: 9}}
	h.tr.texts["chunk_001.wav"] = "nothing like the captions"
	o := h.start(t)

	id, _ := o.Submit(Request{Source: "talk.wav"})
	s := waitTerminal(t, o, id)
	if s.TerminalStatus != TerminalCompleted {
		t.Fatalf("terminal = %s (%s), want completed", s.TerminalStatus, s.Error)
	}
	if s.Degraded {
		t.Error("Degraded = true, want false with partial captions")
	}
	if c := s.Chunks[0]; c.State != ChunkCompleted || c.WER == nil || *c.WER != 0 {
		t.Errorf("chunk 0 = %+v, want scored with WER 0", c)
	}
	for _, c := range s.Chunks[1:] {
		if c.State != ChunkCompleted || c.WER != nil || c.CER != nil || c.HybridScore != nil {
			t.Errorf("chunk %d = %+v, want completed without metrics", c.Index, c)
		}
		if c.Transcript == "" {
			t.Errorf("chunk %d lost its transcript", c.Index)
		}
	}
	if s.Summary == nil {
		t.Fatal("summary missing")
	}
	if s.Summary.ScoredChunks != 1 || s.Summary.TotalChunks != 3 {
		t.Errorf("summary counts = %d/%d, want 1/3", s.Summary.ScoredChunks, s.Summary.TotalChunks)
	}
	if s.Summary.AvgWER != 0 {
		t.Errorf("AvgWER = %v, want 0", s.Summary.AvgWER)
	}

	rep := h.sink.reports[0]
	if rep.Chunks[1].Comparison != nil || rep.Chunks[1].Transcript == nil {
		t.Errorf("report chunk 1 = %+v, want transcript without comparison", rep.Chunks[1])
	}
}

func TestChunkTimeout(t *testing.T) {
	tests := []struct {
		name       string
		hang       map[string]bool
		wantStatus TerminalStatus
		wantErrors int
	}{
		{"one_slow", map[string]bool{"chunk_001.wav": true}, TerminalCompleted, 1},
		{"all_slow", map[string]bool{"chunk_000.wav": true, "chunk_001.wav": true, "chunk_002.wav": true}, TerminalFailed, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.tr.hang = tt.hang
			h.opts.ChunkTimeout = 50 * time.Millisecond
			o := h.start(t)

			id, _ := o.Submit(Request{Source: "talk.wav"})
			s := waitTerminal(t, o, id)
			if s.TerminalStatus != tt.wantStatus {
				t.Fatalf("terminal = %s (%s), want %s", s.TerminalStatus, s.Error, tt.wantStatus)
			}
			errored := 0
			for _, c := range s.Chunks {
				switch {
				case tt.hang[fmt.Sprintf("chunk_%03d.wav", c.Index)]:
					if c.State != ChunkErrored || !strings.Contains(c.Error, "deadline exceeded") {
						t.Errorf("chunk %d = %s %q, want timed out", c.Index, c.State, c.Error)
					}
					errored++
				case c.State != ChunkCompleted || c.WER == nil:
					t.Errorf("chunk %d = %+v, want scored", c.Index, c)
				}
			}
			if errored != tt.wantErrors {
				t.Errorf("errored chunks = %d, want %d", errored, tt.wantErrors)
			}
			if tt.wantStatus == TerminalFailed && !strings.Contains(s.Error, ErrAllChunksFailed.Error()) {
				t.Errorf("Error = %q, want %q", s.Error, ErrAllChunksFailed)
			}
			if tt.wantStatus == TerminalCompleted && s.Summary.ScoredChunks != 3-tt.wantErrors {
				t.Errorf("ScoredChunks = %d, want %d", s.Summary.ScoredChunks, 3-tt.wantErrors)
			}
		})
	}
}

func TestProgressMonotonic(t *testing.T) {
	h := newHarness(t)
	h.tr.delay = 5 * time.Millisecond
	h.captions.delay = 20 * time.Millisecond
	h.opts.ChunkWorkers = 1
	o := h.start(t)

	id, err := o.Submit(Request{Source: "talk.wav"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	last := -1
	seen := map[int]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := o.Status(id)
		if err != nil {
			t.Fatal(err)
		}
		if s.ProgressPercent < last {
			t.Fatalf("progress went from %d to %d at stage %s", last, s.ProgressPercent, s.Stage)
		}
		last = s.ProgressPercent
		seen[last] = true
		if s.TerminalStatus != TerminalNone {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}
	if len(seen) < 3 {
		t.Errorf("saw only %d distinct progress values", len(seen))
	}
}

func TestCaptionsArriveAfterTranscripts(t *testing.T) {
	h := newHarness(t)
	h.captions.delay = 100 * time.Millisecond
	o := h.start(t)

	id, _ := o.Submit(Request{Source: "talk.wav"})
	s := waitTerminal(t, o, id)
	if s.TerminalStatus != TerminalCompleted {
		t.Fatalf("terminal = %s (%s)", s.TerminalStatus, s.Error)
	}
	for _, c := range s.Chunks {
		if c.State != ChunkCompleted || c.WER == nil {
			t.Errorf("chunk %d = %+v, want compared", c.Index, c)
		}
	}
}

func TestDegradedWithoutCaptions(t *testing.T) {
	tests := []struct {
		name     string
		captions *fakeCaptions
	}{
		{"empty", &fakeCaptions{}},
		{"unreachable", &fakeCaptions{err: errors.New("timedtext 403")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.opts.Captions = tt.captions
			o := h.start(t)

			id, _ := o.Submit(Request{Source: "talk.wav"})
			s := waitTerminal(t, o, id)
			if s.TerminalStatus != TerminalCompleted {
				t.Fatalf("terminal = %s (%s), want completed", s.TerminalStatus, s.Error)
			}
			if !s.Degraded {
				t.Error("Degraded = false")
			}
			for _, c := range s.Chunks {
				if c.State != ChunkCompleted || c.WER != nil || c.Transcript == "" {
					t.Errorf("chunk %d = %+v, want transcript only", c.Index, c)
				}
			}
			found := false
			for _, w := range s.Warnings {
				if strings.Contains(w, "comparison skipped") {
					found = true
				}
			}
			if !found {
				t.Errorf("warnings = %v", s.Warnings)
			}
			if s.Summary.ScoredChunks != 0 {
				t.Errorf("ScoredChunks = %d, want 0", s.Summary.ScoredChunks)
			}
		})
	}
}

func TestJobFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		wantErr string
	}{
		{"download", func(h *harness) { h.fetcher.err = errors.New("HTTP 404") }, "downloading: HTTP 404"},
		{"vad", func(h *harness) { h.detector.err = errors.New("vad offline") }, "segmenting: vad offline"},
		{"no_speech", func(h *harness) { h.detector.frames = silentFrames() }, ErrNoChunks.Error()},
		{"every_chunk_fails", func(h *harness) {
			h.tr.fail = map[string]bool{"chunk_000.wav": true, "chunk_001.wav": true, "chunk_002.wav": true}
		}, ErrAllChunksFailed.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			o := h.start(t)

			id, err := o.Submit(Request{Source: "talk.wav"})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			s := waitTerminal(t, o, id)
			if s.TerminalStatus != TerminalFailed || s.Stage != StageFailed {
				t.Fatalf("status = %s/%s, want failed", s.Stage, s.TerminalStatus)
			}
			if !strings.Contains(s.Error, tt.wantErr) {
				t.Errorf("Error = %q, want %q", s.Error, tt.wantErr)
			}
			if len(h.sink.reports) != 0 {
				t.Error("failed job saved a report")
			}
			eventually(t, func() bool { return o.Stats().Failed == 1 })
		})
	}
}

func TestSubmitRejectsInput(t *testing.T) {
	h := newHarness(t)
	o := h.start(t)

	tests := []struct {
		name string
		req  Request
	}{
		{"empty", Request{}},
		{"whitespace", Request{Source: "   "}},
		{"unsupported", Request{Source: "bad://thing"}},
		{"unknown_model", Request{Source: "talk.wav", Model: "unknown"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := o.Submit(tt.req)
			if !errors.Is(err, ErrInvalidSource) {
				t.Errorf("err = %v, want ErrInvalidSource", err)
			}
			if id != "" {
				t.Errorf("id = %q, want none", id)
			}
		})
	}
	if n := o.Stats().Live; n != 0 {
		t.Errorf("live jobs = %d, want 0", n)
	}
}

func TestSubmitDefaults(t *testing.T) {
	h := newHarness(t)
	o := h.start(t)

	id, err := o.Submit(Request{Source: " talk.wav "})
	if err != nil {
		t.Fatal(err)
	}
	s, _ := o.Status(id)
	if s.Source != "talk.wav" || s.Model != "faster-whisper" || s.Language != "en" {
		t.Errorf("snapshot = %s/%s/%s", s.Source, s.Model, s.Language)
	}
	waitTerminal(t, o, id)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	h.tr.gate = make(chan struct{})
	h.opts.ChunkWorkers = 1
	o := h.start(t)

	id, _ := o.Submit(Request{Source: "talk.wav"})

	// Wait for chunk 0 to be in flight.
	deadline := time.Now().Add(5 * time.Second)
	for h.tr.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("transcriber never called")
		}
		time.Sleep(time.Millisecond)
	}

	if err := o.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := o.Cancel(id); !errors.Is(err, ErrJobFinished) {
		t.Errorf("second Cancel err = %v, want ErrJobFinished", err)
	}
	s, _ := o.Status(id)
	if s.TerminalStatus != TerminalFailed || !strings.Contains(s.Error, "cancelled") {
		t.Fatalf("after cancel = %s %q", s.TerminalStatus, s.Error)
	}
	progress := s.ProgressPercent

	close(h.tr.gate)

	// The in-flight chunk finishes; nothing else is claimed.
	deadline = time.Now().Add(5 * time.Second)
	for {
		s, _ = o.Status(id)
		if s.Chunks[0].State != ChunkProcessing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("in-flight chunk never finished")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	s, _ = o.Status(id)
	if s.Chunks[0].State != ChunkCompleted {
		t.Errorf("chunk 0 = %s, want completed", s.Chunks[0].State)
	}
	for _, c := range s.Chunks[1:] {
		if c.State != ChunkPending {
			t.Errorf("chunk %d = %s, want pending", c.Index, c.State)
		}
	}
	if got := h.tr.calls.Load(); got != 1 {
		t.Errorf("transcriber calls = %d, want 1", got)
	}
	if s.ProgressPercent < progress {
		t.Errorf("progress dropped from %d to %d", progress, s.ProgressPercent)
	}
	if len(h.sink.reports) != 0 {
		t.Error("cancelled job saved a report")
	}

	if err := o.Cancel("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Cancel unknown err = %v", err)
	}
}

func TestConcurrentPolling(t *testing.T) {
	h := newHarness(t)
	h.tr.delay = 2 * time.Millisecond
	h.opts.JobWorkers = 2
	o := h.start(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := o.Submit(Request{Source: "talk.wav"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, id := range ids {
					s, err := o.Status(id)
					if err != nil {
						t.Error(err)
						return
					}
					for _, c := range s.Chunks {
						if c.State == ChunkCompleted && !s.Degraded && c.WER == nil {
							t.Errorf("chunk %d completed without result", c.Index)
							return
						}
					}
				}
				o.List()
			}
		}()
	}
	for _, id := range ids {
		waitTerminal(t, o, id)
	}
	close(stop)
	wg.Wait()

	eventually(t, func() bool { return o.Stats().Completed == 3 })
	if n := len(o.List()); n != 3 {
		t.Errorf("List = %d, want 3", n)
	}
}

func TestStatusUnknown(t *testing.T) {
	o := newHarness(t).start(t)
	if _, err := o.Status("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestOnUpdate(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	stages := map[Stage]bool{}
	h.opts.OnUpdate = func(s Snapshot) {
		mu.Lock()
		stages[s.Stage] = true
		mu.Unlock()
	}
	o := h.start(t)
	id, _ := o.Submit(Request{Source: "talk.wav"})
	waitTerminal(t, o, id)
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stages[StageCompleted]
	})

	mu.Lock()
	defer mu.Unlock()
	for _, st := range []Stage{StageQueued, StageDownloading, StageSegmenting, StageTranscribing, StageComparing, StageReporting, StageCompleted} {
		if !stages[st] {
			t.Errorf("no update for stage %s", st)
		}
	}
}
