package metrics

import (
	"sync"
	"time"

	"github.com/snarg/subcheck/internal/pipeline"
)

// JobObserver records job histograms from pipeline snapshots. A job is
// observed once, on its first terminal snapshot.
type JobObserver struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func NewJobObserver() *JobObserver {
	return &JobObserver{seen: make(map[string]time.Time), ttl: time.Hour}
}

// Observe is meant to be chained into the pipeline's OnUpdate hook.
// It reports whether the snapshot was recorded.
func (o *JobObserver) Observe(s pipeline.Snapshot) bool {
	if !s.Stage.Terminal() || s.FinishedAt == nil {
		return false
	}
	now := time.Now()
	o.mu.Lock()
	if _, ok := o.seen[s.ID]; ok {
		o.mu.Unlock()
		return false
	}
	o.seen[s.ID] = now
	for id, at := range o.seen {
		if now.Sub(at) > o.ttl {
			delete(o.seen, id)
		}
	}
	o.mu.Unlock()

	JobDuration.WithLabelValues(string(s.TerminalStatus)).Observe(s.FinishedAt.Sub(s.CreatedAt).Seconds())
	if s.TerminalStatus != pipeline.TerminalCompleted {
		return true
	}
	if s.Degraded {
		DegradedJobsTotal.Inc()
	}
	for _, c := range s.Chunks {
		if c.WER != nil {
			ChunkWER.Observe(*c.WER)
		}
		if c.HybridScore != nil {
			ChunkHybridScore.Observe(*c.HybridScore)
		}
	}
	return true
}
