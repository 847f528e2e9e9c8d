// Package pipeline runs comparison jobs: it sequences the job stages, fans
// chunk work out to a bounded pool and serves consistent snapshots to
// pollers.
package pipeline

// Stage is the job-level position in the pipeline.
type Stage string

const (
	StageQueued       Stage = "queued"
	StageDownloading  Stage = "downloading"
	StageConverting   Stage = "converting"
	StageSegmenting   Stage = "segmenting"
	StageTranscribing Stage = "transcribing" // captions are fetched alongside
	StageComparing    Stage = "comparing"
	StageReporting    Stage = "reporting"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

var stageOrder = map[Stage]int{
	StageQueued:       0,
	StageDownloading:  1,
	StageConverting:   2,
	StageSegmenting:   3,
	StageTranscribing: 4,
	StageComparing:    5,
	StageReporting:    6,
	StageCompleted:    7,
	StageFailed:       7,
}

// progress band [lo, hi] covered by each stage
var stageBand = map[Stage][2]float64{
	StageQueued:       {0, 0},
	StageDownloading:  {0, 10},
	StageConverting:   {10, 15},
	StageSegmenting:   {15, 20},
	StageTranscribing: {20, 80},
	StageComparing:    {80, 95},
	StageReporting:    {95, 99},
	StageCompleted:    {100, 100},
}

func (s Stage) Terminal() bool { return s == StageCompleted || s == StageFailed }

// canAdvance reports whether a job may move from one stage to another.
// Stages only move forward; failed is reachable from any live stage.
func canAdvance(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	o, ok := stageOrder[to]
	return ok && o > stageOrder[from]
}

// ChunkState is the per-chunk sub-status.
type ChunkState string

const (
	ChunkPending    ChunkState = "pending"
	ChunkProcessing ChunkState = "processing"
	ChunkCompleted  ChunkState = "completed"
	ChunkErrored    ChunkState = "error"
)

var chunkTransitions = map[ChunkState][]ChunkState{
	ChunkPending:    {ChunkProcessing},
	ChunkProcessing: {ChunkCompleted, ChunkErrored},
}

func canTransition(from, to ChunkState) bool {
	for _, s := range chunkTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TerminalStatus summarizes how a job ended.
type TerminalStatus string

const (
	TerminalNone      TerminalStatus = "none"
	TerminalCompleted TerminalStatus = "completed"
	TerminalFailed    TerminalStatus = "failed"
)
