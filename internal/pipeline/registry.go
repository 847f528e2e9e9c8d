package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is the process-wide map of live jobs.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

func (r *Registry) Add(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.id]; ok {
		return fmt.Errorf("duplicate job id %s", j.id)
	}
	r.jobs[j.id] = j
	return nil
}

func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// List returns the jobs newest first.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].createdAt.Equal(out[b].createdAt) {
			return out[a].id < out[b].id
		}
		return out[a].createdAt.After(out[b].createdAt)
	})
	return out
}

// Evict removes terminal jobs that finished before cutoff and returns how
// many were removed.
func (r *Registry) Evict(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, j := range r.jobs {
		if j.finishedBefore(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n
}
