package captions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/snarg/subcheck/internal/align"
)

// Source resolves a caption reference to cues. YouTube ids and URLs go to the
// YouTube tracks; subtitle files are parsed directly; a local media file is
// paired with a sidecar subtitle next to it.
type Source struct {
	YouTube *YouTube
}

// Captions implements the caption capability used by the pipeline.
func (s *Source) Captions(ctx context.Context, ref, lang string) ([]align.Cue, error) {
	switch {
	case IsYouTube(ref):
		if s.YouTube == nil {
			return nil, errors.New("YouTube captions are not configured")
		}
		return s.YouTube.Captions(ctx, ref, lang)
	case IsSubtitleFile(ref):
		return ReadSubtitleFile(ref)
	case IsRemote(ref):
		return nil, fmt.Errorf("no caption source for %q", ref)
	}
	if path := Sidecar(ref, lang); path != "" {
		return ReadSubtitleFile(path)
	}
	return []align.Cue{}, nil
}

// Sidecar finds a subtitle file beside a media file: name.<lang>.srt,
// name.<lang>.vtt, name.srt, then name.vtt. It returns "" when none exists.
func Sidecar(mediaPath, lang string) string {
	base := strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath))
	var names []string
	for _, l := range Candidates(lang) {
		names = append(names, base+"."+l+".srt", base+"."+l+".vtt")
	}
	names = append(names, base+".srt", base+".vtt")
	for _, n := range names {
		if fi, err := os.Stat(n); err == nil && !fi.IsDir() {
			return n
		}
	}
	return ""
}
