package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/rs/zerolog"

	"github.com/snarg/subcheck/internal/storage"
)

var (
	ErrNotFound      = errors.New("report not found")
	ErrUnknownFormat = errors.New("unknown report format")
)

type format struct {
	name        string
	contentType string
	write       func(io.Writer, *Report) error
}

var formats = map[string]format{
	"json": {"report.json", "application/json", WriteJSON},
	"srt":  {"transcript.srt", "application/x-subrip", WriteSRT},
	"txt":  {"report.txt", "text/plain; charset=utf-8", WriteText},
}

// Key returns the storage key of a job artifact.
func Key(jobID, name string) string {
	return path.Join(jobID, name)
}

// Archive writes and reads report artifacts through a storage.Store.
type Archive struct {
	store storage.Store
	log   zerolog.Logger
}

func NewArchive(store storage.Store, log zerolog.Logger) *Archive {
	return &Archive{
		store: store,
		log:   log.With().Str("component", "report-archive").Logger(),
	}
}

// SaveReport renders every format and stores it under the job id.
func (a *Archive) SaveReport(ctx context.Context, r *Report) error {
	for _, ext := range []string{"json", "srt", "txt"} {
		f := formats[ext]
		var buf bytes.Buffer
		if err := f.write(&buf, r); err != nil {
			return fmt.Errorf("render %s: %w", f.name, err)
		}
		if err := a.store.Save(ctx, Key(r.JobID, f.name), buf.Bytes(), f.contentType); err != nil {
			return fmt.Errorf("save %s: %w", f.name, err)
		}
	}
	a.log.Debug().Str("job_id", r.JobID).Str("store", a.store.Type()).Msg("report saved")
	return nil
}

// Load reads a saved report.json.
func (a *Archive) Load(ctx context.Context, jobID string) (*Report, error) {
	rc, _, err := a.Open(ctx, jobID, "json")
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ReadJSON(rc)
}

// Open returns a saved artifact and its content type. ext is json, srt or txt.
func (a *Archive) Open(ctx context.Context, jobID, ext string) (io.ReadCloser, string, error) {
	f, ok := formats[ext]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
	key := Key(jobID, f.name)
	if !a.store.Exists(ctx, key) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	rc, err := a.store.Open(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", key, err)
	}
	return rc, f.contentType, nil
}
