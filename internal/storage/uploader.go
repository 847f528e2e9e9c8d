package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// uploader is the write side of S3 used by AsyncUploader.
type uploader interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
}

// AsyncUploader mirrors artifacts to S3 without blocking report writes.
// Artifacts are already on local disk when enqueued.
type AsyncUploader struct {
	dst      uploader
	ch       chan uploadJob
	workers  int
	log      zerolog.Logger
	wg       sync.WaitGroup
	mu       sync.RWMutex // guards ch against send-after-close
	stopped  bool

	uploaded atomic.Int64
	failed   atomic.Int64
}

type uploadJob struct {
	key         string
	data        []byte
	contentType string
}

func NewAsyncUploader(dst uploader, bufferSize, workers int, log zerolog.Logger) *AsyncUploader {
	if workers < 1 {
		workers = 1
	}
	return &AsyncUploader{
		dst:     dst,
		ch:      make(chan uploadJob, bufferSize),
		workers: workers,
		log:     log.With().Str("component", "async-uploader").Logger(),
	}
}

// Enqueue drops the job with a warning when the queue is full or stopped.
func (u *AsyncUploader) Enqueue(key string, data []byte, contentType string) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.stopped {
		return
	}
	select {
	case u.ch <- uploadJob{key: key, data: data, contentType: contentType}:
	default:
		u.log.Warn().Str("key", key).Msg("async upload queue full, skipping (artifact safe on disk)")
	}
}

func (u *AsyncUploader) Start() {
	for i := 0; i < u.workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	u.log.Info().Int("workers", u.workers).Int("buffer", cap(u.ch)).Msg("async uploader started")
}

// Stop drains queued uploads and waits for the workers.
func (u *AsyncUploader) Stop() {
	u.mu.Lock()
	if !u.stopped {
		u.stopped = true
		close(u.ch)
	}
	u.mu.Unlock()
	u.wg.Wait()
}

// Stats returns the uploaded and failed counts.
func (u *AsyncUploader) Stats() (uploaded, failed int64) {
	return u.uploaded.Load(), u.failed.Load()
}

func (u *AsyncUploader) worker() {
	defer u.wg.Done()
	for job := range u.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := u.dst.Save(ctx, job.key, job.data, job.contentType); err != nil {
			u.failed.Add(1)
			u.log.Error().Err(err).Str("key", job.key).Msg("async S3 upload failed (artifact safe on disk)")
		} else {
			u.uploaded.Add(1)
		}
		cancel()
	}
}
