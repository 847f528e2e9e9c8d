package pipeline

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// fanOut runs fn over chunks 0..n-1 on at most ChunkWorkers goroutines. Each
// chunk is claimed before fn runs, so no chunk is ever worked twice, and
// claiming stops once the job is terminal. An error moves the chunk to
// error. It returns the chunks fn parked, in index order.
func (o *Orchestrator) fanOut(log zerolog.Logger, j *Job, n int, fn func(i int) (parked bool, err error)) []int {
	next := make(chan int)
	var (
		mu     sync.Mutex
		parked []int
		wg     sync.WaitGroup
	)

	workers := min(o.opts.ChunkWorkers, n)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				if !j.claim(i) {
					continue
				}
				o.notify(j)
				p, err := fn(i)
				if err != nil {
					o.chunkFailed(log, j, i, err)
					continue
				}
				if p {
					mu.Lock()
					parked = append(parked, i)
					mu.Unlock()
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		next <- i
	}
	close(next)
	wg.Wait()

	sort.Ints(parked)
	return parked
}

// fanOutClaimed runs fn over chunks the caller already holds.
func (o *Orchestrator) fanOutClaimed(indices []int, fn func(i int)) {
	next := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(o.opts.ChunkWorkers, len(indices)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				fn(i)
			}
		}()
	}
	for _, i := range indices {
		next <- i
	}
	close(next)
	wg.Wait()
}

func (o *Orchestrator) chunkFailed(log zerolog.Logger, j *Job, i int, err error) {
	if ferr := j.failChunk(i, err); ferr != nil {
		log.Error().Err(ferr).Int("chunk", i).Msg("fail chunk")
		return
	}
	o.chunksFailed.Add(1)
	log.Warn().Err(err).Int("chunk", i).Msg("chunk failed")
	o.notify(j)
}
