package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSource   = errors.New("invalid source")
	ErrJobNotFound     = errors.New("job not found")
	ErrJobFinished     = errors.New("job already finished")
	ErrQueueFull       = errors.New("job queue full")
	ErrCancelled       = errors.New("job cancelled")
	ErrNoChunks        = errors.New("no speech chunks detected")
	ErrAllChunksFailed = errors.New("every chunk failed")
	ErrShuttingDown    = errors.New("orchestrator shutting down")
)

// StageError is a whole-job failure in one stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// ChunkError is a failure isolated to one chunk.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string { return fmt.Sprintf("chunk %d: %v", e.Index, e.Err) }

func (e *ChunkError) Unwrap() error { return e.Err }

// InvariantError marks a programming error such as an illegal state
// transition or an overlapping chunk list. It is never retried or degraded.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string { return fmt.Sprintf("invariant violated in %s: %v", e.Op, e.Err) }

func (e *InvariantError) Unwrap() error { return e.Err }

func invariantf(op, format string, args ...any) error {
	return &InvariantError{Op: op, Err: fmt.Errorf(format, args...)}
}
