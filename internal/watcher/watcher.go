// Package watcher submits jobs from request files dropped into an inbox
// directory.
package watcher

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/subcheck/internal/pipeline"
)

// Suffix marks request files. A request file holds a JSON pipeline.Request;
// a relative source or captions path is resolved against the file's
// directory so media can be dropped next to it.
const Suffix = ".job.json"

// Processed request files are renamed with one of these suffixes so a
// restart does not submit them again.
const (
	SubmittedSuffix = ".submitted"
	RejectedSuffix  = ".rejected"
)

// Submitter accepts job requests.
type Submitter interface {
	Submit(req pipeline.Request) (string, error)
}

// Status is the watcher state reported by the health endpoint.
type Status struct {
	Status    string `json:"status"`
	WatchDir  string `json:"watch_dir"`
	Submitted int64  `json:"submitted"`
	Rejected  int64  `json:"rejected"`
}

// Watcher monitors an inbox directory tree for request files.
type Watcher struct {
	sub      Submitter
	dir      string
	debounce time.Duration
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	// serializes processFile so backfill and events never submit a file twice
	procMu sync.Mutex

	submitted atomic.Int64
	rejected  atomic.Int64
	status    atomic.Value // "starting", "backfilling", "watching", "stopped"
}

func New(dir string, sub Submitter, log zerolog.Logger) *Watcher {
	w := &Watcher{
		sub:            sub,
		dir:            dir,
		debounce:       500 * time.Millisecond,
		log:            log.With().Str("component", "watcher").Logger(),
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}
	w.status.Store("starting")
	return w
}

// Start creates the inbox if needed, watches every directory under it and
// submits request files that were already waiting.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	dirCount := 0
	err = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil
		}
		if d.IsDir() {
			if addErr := fw.Add(path); addErr != nil {
				w.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return err
	}

	w.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", w.dir).
		Msg("inbox watcher initialized")

	w.wg.Add(2)
	go w.watchLoop()
	go w.backfill()
	return nil
}

// Stop closes the fsnotify watcher and waits for the loops to exit.
func (w *Watcher) Stop() {
	w.status.Store("stopped")
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()

	w.debounceMu.Lock()
	for path, t := range w.debounceTimers {
		t.Stop()
		delete(w.debounceTimers, path)
	}
	w.debounceMu.Unlock()

	w.log.Info().
		Int64("submitted", w.submitted.Load()).
		Int64("rejected", w.rejected.Load()).
		Msg("inbox watcher stopped")
}

func (w *Watcher) Status() Status {
	s, _ := w.status.Load().(string)
	return Status{
		Status:    s,
		WatchDir:  w.dir,
		Submitted: w.submitted.Load(),
		Rejected:  w.rejected.Load(),
	}
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.watcher.Add(event.Name); err != nil {
					w.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				}
				continue
			}
			if !isRequest(event.Name) {
				continue
			}
			w.scheduleProcess(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

func isRequest(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), Suffix)
}

// scheduleProcess waits for writes to a file to settle before reading it.
func (w *Watcher) scheduleProcess(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(w.debounce)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		_, pending := w.debounceTimers[path]
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		if pending {
			w.processFile(path)
		}
	})
}

// processFile submits one request file and renames it with the outcome.
func (w *Watcher) processFile(path string) {
	w.procMu.Lock()
	defer w.procMu.Unlock()
	log := w.log.With().Str("path", path).Logger()

	data, err := os.ReadFile(path)
	if err != nil {
		// already renamed by an earlier event
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("failed to read request file")
		}
		return
	}

	var req pipeline.Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Msg("failed to parse request file")
		w.finish(log, path, RejectedSuffix)
		return
	}
	base := filepath.Dir(path)
	req.Source = resolve(base, req.Source)
	req.Captions = resolve(base, req.Captions)

	id, err := w.sub.Submit(req)
	if err != nil {
		log.Warn().Err(err).Str("source", req.Source).Msg("request rejected")
		w.finish(log, path, RejectedSuffix)
		return
	}
	log.Info().Str("job_id", id).Str("source", req.Source).Msg("job submitted from inbox")
	w.finish(log, path, SubmittedSuffix)
}

func (w *Watcher) finish(log zerolog.Logger, path, suffix string) {
	if suffix == SubmittedSuffix {
		w.submitted.Add(1)
	} else {
		w.rejected.Add(1)
	}
	if err := os.Rename(path, path+suffix); err != nil {
		log.Warn().Err(err).Msg("failed to mark request file")
	}
}

// resolve makes ref absolute when it names a file relative to base.
func resolve(base, ref string) string {
	if ref == "" || filepath.IsAbs(ref) || strings.Contains(ref, "://") {
		return ref
	}
	p := filepath.Join(base, ref)
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return p
	}
	return ref
}

// backfill submits request files that were waiting before Start, oldest
// first.
func (w *Watcher) backfill() {
	defer w.wg.Done()
	w.status.Store("backfilling")

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry
	_ = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isRequest(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{path: path, modTime: info.ModTime()})
		return nil
	})
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		select {
		case <-w.done:
			return
		default:
		}
		w.processFile(f.path)
	}

	w.status.CompareAndSwap("backfilling", "watching")
	if len(files) > 0 {
		w.log.Info().Int("files", len(files)).Msg("inbox backfill complete")
	}
}
