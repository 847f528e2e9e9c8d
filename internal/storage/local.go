package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for keys that are not clean relative paths, such
// as a job id of "..".
var ErrInvalidKey = errors.New("invalid storage key")

// LocalStore keeps artifacts under a directory on the local filesystem.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

func (s *LocalStore) Type() string { return "local" }

func (s *LocalStore) Dir() string { return s.dir }

// resolve maps key to a path under dir.
func (s *LocalStore) resolve(key string) (string, error) {
	if key == "" || path.IsAbs(key) || path.Clean(key) != key ||
		key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

// Save writes through a temp file in the destination directory so readers
// never observe a partial artifact.
func (s *LocalStore) Save(ctx context.Context, key string, data []byte, contentType string) error {
	dst, err := s.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) LocalPath(key string) string {
	p, err := s.resolve(key)
	if err != nil {
		return ""
	}
	if fi, err := os.Stat(p); err != nil || fi.IsDir() {
		return ""
	}
	return p
}

// URL is always empty; local artifacts are streamed by the API.
func (s *LocalStore) URL(ctx context.Context, key string) (string, error) {
	return "", nil
}

func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (s *LocalStore) Exists(ctx context.Context, key string) bool {
	return s.LocalPath(key) != ""
}
