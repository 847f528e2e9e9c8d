package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/subcheck/internal/align"
	"github.com/snarg/subcheck/internal/audio"
	"github.com/snarg/subcheck/internal/dedup"
	"github.com/snarg/subcheck/internal/report"
	"github.com/snarg/subcheck/internal/scoring"
	"github.com/snarg/subcheck/internal/segment"
	"github.com/snarg/subcheck/internal/transcribe"
)

// Options configures an Orchestrator.
type Options struct {
	WorkDir      string
	JobWorkers   int
	QueueSize    int
	ChunkWorkers int
	ChunkTimeout time.Duration
	Retention    time.Duration // how long finished jobs stay pollable; 0 keeps them

	Segment         segment.Options
	DefaultModel    string
	DefaultLanguage string

	Fetcher      Fetcher
	Converter    Converter
	Detector     SpeechDetector
	Captions     CaptionSource
	Transcribers TranscriberFactory
	Engine       *scoring.Engine
	Sinks        []ReportSink

	// OnUpdate receives a snapshot after every committed change. It runs on
	// the worker goroutine and must not block.
	OnUpdate func(Snapshot)

	Log zerolog.Logger
}

// Stats reports orchestrator counters.
type Stats struct {
	Pending         int   `json:"pending"`
	Running         int64 `json:"running"`
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
	ChunksCompleted int64 `json:"chunks_completed"`
	ChunksFailed    int64 `json:"chunks_failed"`
	Live            int   `json:"live"`
}

// Orchestrator owns the job registry and the job worker pool.
type Orchestrator struct {
	opts     Options
	registry *Registry
	queue    chan *Job
	log      zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.RWMutex // guards queue against send-after-close
	stopped bool

	running         atomic.Int64
	completed       atomic.Int64
	failed          atomic.Int64
	chunksCompleted atomic.Int64
	chunksFailed    atomic.Int64
}

func New(opts Options) *Orchestrator {
	if opts.JobWorkers < 1 {
		opts.JobWorkers = 1
	}
	if opts.ChunkWorkers < 1 {
		opts.ChunkWorkers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = 2 * time.Minute
	}
	if opts.Engine == nil {
		opts.Engine = scoring.NewEngine(nil, scoring.DefaultAlpha, 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:     opts,
		registry: NewRegistry(),
		queue:    make(chan *Job, opts.QueueSize),
		log:      opts.Log.With().Str("component", "pipeline").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the job workers and, with a retention window, the evictor.
func (o *Orchestrator) Start() {
	for i := 0; i < o.opts.JobWorkers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	if o.opts.Retention > 0 {
		o.wg.Add(1)
		go o.evictLoop()
	}
	o.log.Info().
		Int("job_workers", o.opts.JobWorkers).
		Int("chunk_workers", o.opts.ChunkWorkers).
		Int("queue_size", o.opts.QueueSize).
		Msg("pipeline started")
}

// Stop rejects new submissions, cancels running jobs and waits for workers.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.queue)
	}
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
	o.log.Info().
		Int64("completed", o.completed.Load()).
		Int64("failed", o.failed.Load()).
		Msg("pipeline stopped")
}

// Submit validates req, creates the job and queues it. Input errors are
// returned before any job exists.
func (o *Orchestrator) Submit(req Request) (string, error) {
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		return "", fmt.Errorf("%w: empty source", ErrInvalidSource)
	}
	if o.opts.Fetcher == nil || !o.opts.Fetcher.Accepts(req.Source) {
		return "", fmt.Errorf("%w: unsupported or missing source %q", ErrInvalidSource, req.Source)
	}
	if req.Model == "" {
		req.Model = o.opts.DefaultModel
	}
	if req.Language == "" {
		req.Language = o.opts.DefaultLanguage
	}
	if req.Captions == "" {
		req.Captions = req.Source
	}
	if o.opts.Transcribers == nil {
		return "", fmt.Errorf("%w: no transcription backend", ErrInvalidSource)
	}
	tr, err := o.opts.Transcribers(req.Model)
	if err != nil {
		return "", fmt.Errorf("%w: model %q: %v", ErrInvalidSource, req.Model, err)
	}

	j := newJob(o.ctx, uuid.NewString(), req, tr, time.Now())
	if err := o.registry.Add(j); err != nil {
		return "", err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.stopped {
		o.registry.Remove(j.id)
		return "", ErrShuttingDown
	}
	select {
	case o.queue <- j:
	default:
		o.registry.Remove(j.id)
		return "", ErrQueueFull
	}
	o.log.Info().Str("job_id", j.id).Str("source", req.Source).Str("model", req.Model).Msg("job queued")
	o.notify(j)
	return j.id, nil
}

// Status returns the latest committed snapshot of a job.
func (o *Orchestrator) Status(id string) (Snapshot, error) {
	j, ok := o.registry.Get(id)
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	return j.Snapshot(), nil
}

// List returns snapshots of all live jobs, newest first.
func (o *Orchestrator) List() []Snapshot {
	jobs := o.registry.List()
	out := make([]Snapshot, len(jobs))
	for i, j := range jobs {
		out[i] = j.Snapshot()
	}
	return out
}

// Cancel fails the job. Workers stop claiming its chunks; chunks already in
// flight run to completion.
func (o *Orchestrator) Cancel(id string) error {
	j, ok := o.registry.Get(id)
	if !ok {
		return ErrJobNotFound
	}
	if !j.fail(ErrCancelled) {
		return ErrJobFinished
	}
	j.cancel()
	o.failed.Add(1)
	o.log.Info().Str("job_id", id).Msg("job cancelled")
	o.notify(j)
	return nil
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Pending:         len(o.queue),
		Running:         o.running.Load(),
		Completed:       o.completed.Load(),
		Failed:          o.failed.Load(),
		ChunksCompleted: o.chunksCompleted.Load(),
		ChunksFailed:    o.chunksFailed.Load(),
		Live:            o.registry.Len(),
	}
}

// Defaults returns the model and language used when a request omits them.
func (o *Orchestrator) Defaults() (model, language string) {
	return o.opts.DefaultModel, o.opts.DefaultLanguage
}

func (o *Orchestrator) notify(j *Job) {
	if o.opts.OnUpdate != nil {
		o.opts.OnUpdate(j.Snapshot())
	}
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()
	log := o.log.With().Int("worker", id).Logger()
	for j := range o.queue {
		if j.Terminal() {
			continue
		}
		o.running.Add(1)
		o.runJob(log.With().Str("job_id", j.id).Logger(), j)
		o.running.Add(-1)
	}
}

func (o *Orchestrator) evictLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if n := o.registry.Evict(now.Add(-o.opts.Retention)); n > 0 {
				o.log.Debug().Int("evicted", n).Msg("finished jobs evicted")
			}
		case <-o.ctx.Done():
			return
		}
	}
}

// failJob records err as the job's failure unless it is already terminal.
func (o *Orchestrator) failJob(log zerolog.Logger, j *Job, err error) {
	if !j.fail(err) {
		return
	}
	o.failed.Add(1)
	var inv *InvariantError
	if errors.As(err, &inv) {
		log.Error().Err(err).Msg("job failed on invariant violation")
	} else {
		log.Warn().Err(err).Msg("job failed")
	}
	o.notify(j)
}

// enter moves the job into stage. It returns false if the job can no longer
// progress (cancelled, or an invariant broke).
func (o *Orchestrator) enter(log zerolog.Logger, j *Job, stage Stage) bool {
	if err := j.ctx.Err(); err != nil {
		o.failJob(log, j, &StageError{Stage: stage, Err: err})
		return false
	}
	if err := j.advance(stage); err != nil {
		if !errors.Is(err, ErrJobFinished) {
			o.failJob(log, j, err)
		}
		return false
	}
	log.Debug().Str("stage", string(stage)).Msg("stage entered")
	o.notify(j)
	return true
}

func (o *Orchestrator) runJob(log zerolog.Logger, j *Job) {
	start := time.Now()
	ctx := j.ctx
	defer j.cancel()

	dir := filepath.Join(o.opts.WorkDir, j.id)

	if !o.enter(log, j, StageDownloading) {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.failJob(log, j, &StageError{Stage: StageDownloading, Err: err})
		return
	}
	media, err := o.opts.Fetcher.Fetch(ctx, j.req.Source, dir)
	if err != nil {
		o.failJob(log, j, &StageError{Stage: StageDownloading, Err: err})
		return
	}

	if !o.enter(log, j, StageConverting) {
		return
	}
	wav := filepath.Join(dir, "audio.wav")
	if err := o.opts.Converter.Convert(ctx, media.Path, wav); err != nil {
		o.failJob(log, j, &StageError{Stage: StageConverting, Err: err})
		return
	}
	duration := media.Duration
	if info, err := audio.Stat(wav); err == nil {
		duration = info.Seconds()
	}

	if !o.enter(log, j, StageSegmenting) {
		return
	}
	chunks, err := o.segment(ctx, wav)
	if err != nil {
		o.failJob(log, j, err)
		return
	}
	if err := j.setChunks(chunks); err != nil {
		o.failJob(log, j, err)
		return
	}
	log.Info().Int("chunks", len(chunks)).Float64("duration", duration).Msg("audio segmented")

	if !o.enter(log, j, StageTranscribing) {
		return
	}
	captionsReady := make(chan struct{})
	go func() {
		defer close(captionsReady)
		o.loadCaptions(log, j, chunks)
	}()

	parked := o.fanOut(log, j, len(chunks), func(i int) (bool, error) {
		return o.transcribeChunk(log, j, i, wav, dir, captionsReady)
	})
	<-captionsReady

	// Chunks transcribed before the captions arrived are compared now.
	// This runs even for a cancelled job: those chunks were already started.
	if err := j.advance(StageComparing); err == nil {
		o.notify(j)
	} else if !errors.Is(err, ErrJobFinished) {
		o.failJob(log, j, err)
	}
	o.fanOutClaimed(parked, func(i int) {
		o.compareChunk(log, j, i)
	})

	if j.Terminal() {
		return
	}
	if j.allChunksErrored() {
		o.failJob(log, j, &StageError{Stage: StageTranscribing, Err: ErrAllChunksFailed})
		return
	}

	if !o.enter(log, j, StageReporting) {
		return
	}
	rep := j.buildReport()
	rep.Title = media.Title
	rep.Duration = duration
	rep.AudioHash = media.Hash
	rep.ProcessingTime = time.Since(start).Seconds()
	o.saveReport(log, j, rep)

	if err := j.complete(rep.Summary); err != nil {
		if !errors.Is(err, ErrJobFinished) {
			o.failJob(log, j, err)
		}
		return
	}
	o.completed.Add(1)
	log.Info().
		Int("chunks", rep.TotalChunks).
		Int("scored", rep.Summary.ScoredChunks).
		Float64("avg_wer", rep.Summary.AvgWER).
		Dur("elapsed", time.Since(start)).
		Msg("job completed")
	o.notify(j)
}

func (o *Orchestrator) segment(ctx context.Context, wav string) ([]segment.Chunk, error) {
	frames, err := o.opts.Detector.SpeechProbabilities(ctx, wav)
	if err != nil {
		return nil, &StageError{Stage: StageSegmenting, Err: err}
	}
	chunks, err := segment.Segment(frames, o.opts.Segment)
	if err != nil {
		return nil, &StageError{Stage: StageSegmenting, Err: err}
	}
	if err := segment.Validate(chunks); err != nil {
		return nil, &InvariantError{Op: "segment", Err: err}
	}
	if len(chunks) == 0 {
		return nil, &StageError{Stage: StageSegmenting, Err: ErrNoChunks}
	}
	return chunks, nil
}

// loadCaptions fetches and aligns the reference. Any failure degrades the
// job instead of failing it.
func (o *Orchestrator) loadCaptions(log zerolog.Logger, j *Job, chunks []segment.Chunk) {
	var cues []align.Cue
	if o.opts.Captions != nil {
		var err error
		cues, err = o.opts.Captions.Captions(j.ctx, j.req.Captions, j.req.Language)
		if err != nil {
			log.Warn().Err(err).Msg("captions unavailable")
			j.warn(fmt.Sprintf("captions unavailable: %v", err))
			cues = nil
		}
	}
	if len(cues) == 0 {
		j.warn("no reference captions; comparison skipped")
		j.setCaptions(nil)
	} else {
		j.setCaptions(align.Align(cues, chunks))
		log.Debug().Int("cues", len(cues)).Msg("captions aligned")
	}
	o.notify(j)
}

// chunkContext bounds one chunk operation. It is detached from job
// cancellation so started chunk work is never interrupted midway.
func (o *Orchestrator) chunkContext(j *Job) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(j.ctx), o.opts.ChunkTimeout)
}

// transcribeChunk extracts and transcribes chunk i. It reports parked=true
// when the transcript is ready but the captions are not, leaving the chunk
// in processing for the comparison pass.
func (o *Orchestrator) transcribeChunk(log zerolog.Logger, j *Job, i int, wav, dir string, captionsReady <-chan struct{}) (parked bool, err error) {
	ctx, cancel := o.chunkContext(j)
	defer cancel()

	c := j.chunk(i)
	path := filepath.Join(dir, fmt.Sprintf("chunk_%03d.wav", i))
	if err := o.opts.Converter.Extract(ctx, wav, path, c.Start, c.End); err != nil {
		return false, &ChunkError{Index: i, Err: fmt.Errorf("extract: %w", err)}
	}

	began := time.Now()
	resp, err := j.tr.Transcribe(ctx, path, transcribe.Options{Language: j.req.Language})
	if err != nil {
		return false, &ChunkError{Index: i, Err: fmt.Errorf("transcribe: %w", err)}
	}

	cleaned := dedup.Dedup(resp.Text)
	lang := resp.Language
	if lang == "" {
		lang = j.req.Language
	}
	t := &report.Transcript{
		ChunkIndex:     i,
		Text:           cleaned.Text,
		RawText:        cleaned.Raw,
		Model:          j.req.Model,
		Language:       lang,
		Confidence:     resp.Confidence,
		ProcessingTime: time.Since(began).Seconds(),
		Deduplicated:   cleaned.Changed(),
	}
	if err := j.setTranscript(i, t); err != nil {
		return false, err
	}
	o.notify(j)

	select {
	case <-captionsReady:
		o.compareChunk(log, j, i)
		return false, nil
	default:
		return true, nil
	}
}

// compareChunk scores chunk i and completes it. Degraded jobs and chunks no
// caption overlaps complete with their transcript only.
func (o *Orchestrator) compareChunk(log zerolog.Logger, j *Job, i int) {
	var res *scoring.Result
	if caption, transcript, ok := j.comparisonInput(i); ok {
		ctx, cancel := o.chunkContext(j)
		r := o.opts.Engine.Compare(ctx, i, caption, transcript)
		cancel()
		if !r.HasSemantic() {
			log.Warn().Int("chunk", i).Str("error", r.SemanticError).Msg("semantic similarity unavailable")
		}
		res = &r
	}
	if err := j.completeChunk(i, res); err != nil {
		log.Error().Err(err).Int("chunk", i).Msg("complete chunk")
		return
	}
	o.chunksCompleted.Add(1)
	o.notify(j)
}

func (o *Orchestrator) saveReport(log zerolog.Logger, j *Job, rep *report.Report) {
	for _, sink := range o.opts.Sinks {
		ctx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
		err := sink.SaveReport(ctx, rep)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("report not saved")
			j.warn(fmt.Sprintf("report not saved: %v", err))
		}
	}
}
