// Package storage keeps report artifacts on local disk, in S3, or both.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/subcheck/internal/config"
)

// Store abstracts artifact storage backends. Keys look like
// {job_id}/report.json.
type Store interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// LocalPath returns the on-disk path of key, or "" when not local.
	LocalPath(key string) string

	// URL returns a presigned URL, or "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// New creates a Store based on config. The returned services must be
// started and stopped by the caller. S3 that is configured but unreachable
// is an error.
func New(cfg config.S3Config, dir string, log zerolog.Logger) (Store, []BackgroundService, error) {
	if !cfg.Enabled() {
		return NewLocalStore(dir), nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return s3store, nil, nil
	}

	uploader := NewAsyncUploader(s3store, 64, 2, log)
	tiered := NewTieredStore(s3store, NewLocalStore(dir), uploader, log)
	return tiered, []BackgroundService{uploader}, nil
}
