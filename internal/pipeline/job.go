package pipeline

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/snarg/subcheck/internal/align"
	"github.com/snarg/subcheck/internal/report"
	"github.com/snarg/subcheck/internal/scoring"
	"github.com/snarg/subcheck/internal/segment"
)

// Request is a job submission.
type Request struct {
	Source   string `json:"source"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
	Captions string `json:"captions,omitempty"` // caption reference, defaults to Source
}

type chunkSlot struct {
	chunk       segment.Chunk
	state       ChunkState
	transcript  *report.Transcript
	caption     align.Aligned
	result      *scoring.Result
	err         string
	transcribed bool
}

// Job is one unit of work. Every field is guarded by mu; callers outside the
// package only ever see a Snapshot.
type Job struct {
	id     string
	req    Request
	ctx    context.Context
	cancel context.CancelFunc
	tr     Transcriber

	mu          sync.Mutex
	stage       Stage
	lastStage   Stage // stage in which a failed job stopped
	chunks      []chunkSlot
	transcribed int
	finished    int
	errored     int
	captioned   bool
	degraded    bool
	err         string
	warnings    []string
	summary     *scoring.Summary
	createdAt   time.Time
	updatedAt   time.Time
	finishedAt  time.Time
}

func newJob(ctx context.Context, id string, req Request, tr Transcriber, now time.Time) *Job {
	ctx, cancel := context.WithCancel(ctx)
	return &Job{
		id:        id,
		req:       req,
		ctx:       ctx,
		cancel:    cancel,
		tr:        tr,
		stage:     StageQueued,
		createdAt: now,
		updatedAt: now,
	}
}

func (j *Job) ID() string { return j.id }

func (j *Job) Request() Request { return j.req }

func (j *Job) touch() { j.updatedAt = time.Now() }

// advance moves the job to stage. It returns ErrJobFinished once the job is
// terminal and an InvariantError for a backwards move.
func (j *Job) advance(stage Stage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stage.Terminal() {
		return ErrJobFinished
	}
	if !canAdvance(j.stage, stage) {
		return invariantf("advance", "stage %s -> %s", j.stage, stage)
	}
	j.stage = stage
	j.touch()
	return nil
}

// Terminal reports whether the job has completed or failed.
func (j *Job) Terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage.Terminal()
}

// fail marks the job failed. It returns false if it was already terminal.
func (j *Job) fail(err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stage.Terminal() {
		return false
	}
	j.lastStage = j.stage
	j.stage = StageFailed
	j.err = err.Error()
	j.touch()
	j.finishedAt = j.updatedAt
	return true
}

func (j *Job) complete(summary scoring.Summary) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stage.Terminal() {
		return ErrJobFinished
	}
	if !canAdvance(j.stage, StageCompleted) {
		return invariantf("complete", "stage %s -> %s", j.stage, StageCompleted)
	}
	j.stage = StageCompleted
	j.summary = &summary
	j.touch()
	j.finishedAt = j.updatedAt
	return nil
}

func (j *Job) warn(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.warnings = append(j.warnings, msg)
	j.touch()
}

func (j *Job) setChunks(chunks []segment.Chunk) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.chunks != nil {
		return invariantf("setChunks", "chunks already set")
	}
	j.chunks = make([]chunkSlot, len(chunks))
	for i, c := range chunks {
		j.chunks[i] = chunkSlot{chunk: c, state: ChunkPending}
	}
	j.touch()
	return nil
}

// setCaptions records the aligned captions. An empty list switches the job to
// degraded mode: transcripts are kept, comparison is skipped.
func (j *Job) setCaptions(aligned []align.Aligned) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.captioned = true
	if len(aligned) == 0 {
		j.degraded = true
	}
	for _, a := range aligned {
		if a.ChunkIndex >= 0 && a.ChunkIndex < len(j.chunks) {
			j.chunks[a.ChunkIndex].caption = a
		}
	}
	j.touch()
}

func (j *Job) numChunks() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.chunks)
}

func (j *Job) chunk(i int) segment.Chunk {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.chunks[i].chunk
}

// claim hands chunk i to the caller. Only one caller ever wins a chunk, and
// nothing is claimed once the job is terminal.
func (j *Job) claim(i int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stage.Terminal() || i < 0 || i >= len(j.chunks) {
		return false
	}
	if !canTransition(j.chunks[i].state, ChunkProcessing) {
		return false
	}
	j.chunks[i].state = ChunkProcessing
	j.touch()
	return true
}

func (j *Job) setTranscript(i int, t *report.Transcript) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := &j.chunks[i]
	if s.state != ChunkProcessing || s.transcribed {
		return invariantf("setTranscript", "chunk %d in state %s", i, s.state)
	}
	s.transcript = t
	s.transcribed = true
	j.transcribed++
	j.touch()
	return nil
}

// failChunk moves chunk i to error.
func (j *Job) failChunk(i int, err error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := &j.chunks[i]
	if !canTransition(s.state, ChunkErrored) {
		return invariantf("failChunk", "chunk %d %s -> %s", i, s.state, ChunkErrored)
	}
	s.state = ChunkErrored
	s.err = err.Error()
	if !s.transcribed {
		s.transcribed = true
		j.transcribed++
	}
	j.finished++
	j.errored++
	j.touch()
	return nil
}

// completeChunk stores the comparison result and the completed state in the
// same critical section so a reader never sees one without the other.
func (j *Job) completeChunk(i int, res *scoring.Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := &j.chunks[i]
	if !s.transcribed || !canTransition(s.state, ChunkCompleted) {
		return invariantf("completeChunk", "chunk %d %s -> %s", i, s.state, ChunkCompleted)
	}
	s.result = res
	s.state = ChunkCompleted
	j.finished++
	j.touch()
	return nil
}

// comparisonInput returns what comparing chunk i needs. ok is false when
// comparison must be skipped: the job is degraded, the transcript is missing,
// or no caption cue overlaps the chunk.
func (j *Job) comparisonInput(i int) (caption, transcript string, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.chunks[i]
	if j.degraded || !j.captioned || s.transcript == nil || !s.caption.HasReference() {
		return "", "", false
	}
	return s.caption.Text, s.transcript.Text, true
}

func (j *Job) allChunksErrored() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.chunks) > 0 && j.errored == len(j.chunks)
}

// progressLocked derives the percentage from the stage band and, in the
// chunk stages, from chunk counts. Both only ever grow, so the value never
// decreases.
func (j *Job) progressLocked() int {
	stage := j.stage
	if stage == StageFailed {
		stage = j.lastStage
	}
	band := stageBand[stage]
	frac := 0.0
	if n := len(j.chunks); n > 0 {
		switch stage {
		case StageTranscribing:
			frac = float64(j.transcribed) / float64(n)
		case StageComparing:
			frac = float64(j.finished) / float64(n)
		}
	}
	return int(math.Floor(band[0] + (band[1]-band[0])*frac))
}

// Snapshot returns a deep copy of the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:              j.id,
		Source:          j.req.Source,
		Model:           j.req.Model,
		Language:        j.req.Language,
		Stage:           j.stage,
		ProgressPercent: j.progressLocked(),
		TerminalStatus:  TerminalNone,
		Error:           j.err,
		Degraded:        j.degraded,
		Warnings:        append([]string(nil), j.warnings...),
		Chunks:          make([]ChunkStatus, len(j.chunks)),
		CreatedAt:       j.createdAt,
		UpdatedAt:       j.updatedAt,
	}
	switch j.stage {
	case StageCompleted:
		s.TerminalStatus = TerminalCompleted
	case StageFailed:
		s.TerminalStatus = TerminalFailed
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	if j.summary != nil {
		sum := *j.summary
		s.Summary = &sum
	}
	for i, c := range j.chunks {
		cs := ChunkStatus{
			Index: c.chunk.Index,
			Start: c.chunk.Start,
			End:   c.chunk.End,
			State: c.state,
			Error: c.err,
		}
		if c.transcript != nil {
			cs.Transcript = c.transcript.Text
		}
		if r := c.result; r != nil {
			cs.WER = ptr(r.WER)
			cs.CER = ptr(r.CER)
			if r.HasSemantic() {
				cs.SemanticSimilarity = ptr(r.SemanticSimilarity)
				cs.HybridScore = ptr(r.HybridScore)
			}
		}
		s.Chunks[i] = cs
	}
	return s
}

func ptr(v float64) *float64 { return &v }

// buildReport assembles the persisted record from the chunk table.
func (j *Job) buildReport() *report.Report {
	j.mu.Lock()
	defer j.mu.Unlock()

	r := &report.Report{
		JobID:     j.id,
		Source:    j.req.Source,
		Model:     j.req.Model,
		Language:  j.req.Language,
		Chunks:    make([]report.Chunk, len(j.chunks)),
		Degraded:  j.degraded,
		Warnings:  append([]string(nil), j.warnings...),
		CreatedAt: j.createdAt,
	}
	for i, c := range j.chunks {
		rc := report.Chunk{
			Chunk:    c.chunk,
			State:    string(c.state),
			Caption:  c.caption.Text,
			CueCount: c.caption.CueCount,
			Error:    c.err,
		}
		if c.transcript != nil {
			t := *c.transcript
			rc.Transcript = &t
		}
		if c.result != nil {
			res := *c.result
			rc.Comparison = &res
		}
		r.Chunks[i] = rc
	}
	r.Resummarize()
	return r
}

func (j *Job) finishedBefore(cutoff time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage.Terminal() && j.finishedAt.Before(cutoff)
}

// Snapshot is an immutable copy of a job's state for pollers.
type Snapshot struct {
	ID              string           `json:"id"`
	Source          string           `json:"source"`
	Model           string           `json:"model"`
	Language        string           `json:"language"`
	Stage           Stage            `json:"stage"`
	ProgressPercent int              `json:"progress_percent"`
	TerminalStatus  TerminalStatus   `json:"terminal_status"`
	Error           string           `json:"error,omitempty"`
	Degraded        bool             `json:"degraded"`
	Warnings        []string         `json:"warnings,omitempty"`
	Chunks          []ChunkStatus    `json:"chunks"`
	Summary         *scoring.Summary `json:"summary,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
}

// ChunkStatus is one chunk in a Snapshot. Metrics are nil until the chunk
// has a comparison result; semantic fields stay nil when the similarity
// service failed for that chunk.
type ChunkStatus struct {
	Index              int        `json:"index"`
	Start              float64    `json:"start"`
	End                float64    `json:"end"`
	State              ChunkState `json:"state"`
	WER                *float64   `json:"wer,omitempty"`
	CER                *float64   `json:"cer,omitempty"`
	SemanticSimilarity *float64   `json:"semantic_similarity,omitempty"`
	HybridScore        *float64   `json:"hybrid_score,omitempty"`
	Transcript         string     `json:"transcript,omitempty"`
	Error              string     `json:"error,omitempty"`
}
