package audio

import (
	"os"
	"path/filepath"
)

// ResolveFile finds a local media file named by ref.
// Priority: 1) ref as given (absolute or relative to the working directory)
// 2) ref under each search dir in order 3) the basename of ref under each dir.
func ResolveFile(ref string, dirs ...string) string {
	if ref == "" {
		return ""
	}
	if isFile(ref) {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return ref
		}
		return abs
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if full := filepath.Join(d, ref); isFile(full) {
			return full
		}
	}
	// A path from another machine may still match by name in a search dir.
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if full := filepath.Join(d, filepath.Base(ref)); isFile(full) {
			return full
		}
	}
	return ""
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
