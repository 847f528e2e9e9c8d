package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WorkPruner removes per-job work directories (downloaded media, converted
// audio, chunk WAVs) once they are older than the retention window.
type WorkPruner struct {
	workDir   string
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewWorkPruner(workDir string, retention time.Duration, log zerolog.Logger) *WorkPruner {
	return &WorkPruner{
		workDir:   workDir,
		retention: retention,
		interval:  time.Hour,
		log:       log.With().Str("component", "work-pruner").Logger(),
		stop:      make(chan struct{}),
	}
}

func (p *WorkPruner) Start() {
	go p.loop()
}

func (p *WorkPruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *WorkPruner) loop() {
	// Run once on startup to clear any backlog from downtime
	p.Prune(time.Now())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Prune(time.Now())
		case <-p.stop:
			return
		}
	}
}

// Prune deletes job directories last modified before now minus retention
// and returns how many were removed.
func (p *WorkPruner) Prune(now time.Time) int {
	if p.retention <= 0 {
		return 0
	}
	entries, err := os.ReadDir(p.workDir)
	if err != nil {
		return 0
	}

	cutoff := now.Add(-p.retention)
	var pruned int
	var freed int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(p.workDir, e.Name())
		size := dirSize(path)
		if err := os.RemoveAll(path); err != nil {
			p.log.Warn().Err(err).Str("dir", path).Msg("failed to remove work dir")
			continue
		}
		pruned++
		freed += size
	}

	if pruned > 0 {
		p.log.Info().
			Int("pruned", pruned).
			Str("freed", humanizeBytes(freed)).
			Msg("work dir prune complete")
	}
	return pruned
}

func dirSize(dir string) int64 {
	var total int64
	filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
