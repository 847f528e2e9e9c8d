// Package fetch brings a media reference (YouTube video, http URL or local
// file) into a job's work directory.
package fetch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"
	"github.com/rs/zerolog"
	"lukechampine.com/blake3"

	"github.com/snarg/subcheck/internal/audio"
	"github.com/snarg/subcheck/internal/captions"
)

var (
	ErrUnsupported = errors.New("unsupported media reference")
	ErrNoAudio     = errors.New("no audio stream available")
)

// Media is a fetched source file.
type Media struct {
	Path     string  `json:"path"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"` // seconds, 0 when the source does not say
	Hash     string  `json:"hash"`     // blake3 hex of the fetched bytes
	Kind     string  `json:"kind"`     // "youtube", "http" or "file"
}

// Fetcher downloads or locates source media.
type Fetcher struct {
	yt         youtube.Client
	http       *http.Client
	searchDirs []string
	log        zerolog.Logger
}

// New creates a Fetcher. Local references are also looked up under searchDirs.
func New(timeout time.Duration, log zerolog.Logger, searchDirs ...string) *Fetcher {
	hc := &http.Client{Timeout: timeout}
	return &Fetcher{
		yt:         youtube.Client{HTTPClient: hc},
		http:       hc,
		searchDirs: searchDirs,
		log:        log.With().Str("component", "fetch").Logger(),
	}
}

// Accepts reports whether ref can be fetched without touching the network.
func (f *Fetcher) Accepts(ref string) bool {
	if strings.TrimSpace(ref) == "" {
		return false
	}
	return audio.ResolveFile(ref, f.searchDirs...) != "" || captions.IsYouTube(ref) || captions.IsRemote(ref)
}

// Fetch places the media for ref under dir. Local files are used in place.
func (f *Fetcher) Fetch(ctx context.Context, ref, dir string) (*Media, error) {
	var (
		m   *Media
		err error
	)
	switch {
	case audio.ResolveFile(ref, f.searchDirs...) != "":
		m = &Media{Path: audio.ResolveFile(ref, f.searchDirs...), Kind: "file"}
		m.Title = strings.TrimSuffix(filepath.Base(m.Path), filepath.Ext(m.Path))
	case captions.IsYouTube(ref):
		m, err = f.fetchYouTube(ctx, ref, dir)
	case captions.IsRemote(ref):
		m, err = f.fetchHTTP(ctx, ref, dir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ref)
	}
	if err != nil {
		return nil, err
	}

	if m.Hash, err = HashFile(m.Path); err != nil {
		return nil, err
	}
	f.log.Debug().Str("kind", m.Kind).Str("path", m.Path).Str("hash", m.Hash).Msg("media fetched")
	return m, nil
}

func (f *Fetcher) fetchYouTube(ctx context.Context, ref, dir string) (*Media, error) {
	id, _ := captions.VideoID(ref)
	video, err := f.yt.GetVideoContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get video %s: %w", id, err)
	}

	format := bestAudio(video.Formats)
	if format == nil {
		return nil, fmt.Errorf("%w: video %s", ErrNoAudio, id)
	}
	stream, _, err := f.yt.GetStreamContext(ctx, video, format)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	defer stream.Close()

	dst := filepath.Join(dir, "source"+extension(format.MimeType))
	if err := writeFile(dst, stream); err != nil {
		return nil, err
	}
	return &Media{
		Path:     dst,
		Title:    video.Title,
		Duration: video.Duration.Seconds(),
		Kind:     "youtube",
	}, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, ref, dir string) (*Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", ref, resp.StatusCode)
	}

	name := "source"
	if u, err := url.Parse(ref); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			name += ext
		}
	}
	dst := filepath.Join(dir, name)
	if err := writeFile(dst, resp.Body); err != nil {
		return nil, err
	}
	title := ""
	if u, err := url.Parse(ref); err == nil {
		title = strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	}
	return &Media{Path: dst, Title: title, Kind: "http"}, nil
}

// bestAudio picks the highest-bitrate audio-only format, preferring mp4
// containers over webm at equal bitrate.
func bestAudio(formats youtube.FormatList) *youtube.Format {
	var audioOnly []*youtube.Format
	for i := range formats {
		if strings.HasPrefix(formats[i].MimeType, "audio/") {
			audioOnly = append(audioOnly, &formats[i])
		}
	}
	if len(audioOnly) == 0 {
		return nil
	}
	sort.SliceStable(audioOnly, func(i, j int) bool {
		a, b := audioOnly[i], audioOnly[j]
		if a.Bitrate != b.Bitrate {
			return a.Bitrate > b.Bitrate
		}
		return strings.Contains(a.MimeType, "mp4") && !strings.Contains(b.MimeType, "mp4")
	})
	return audioOnly[0]
}

func extension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "mp4"):
		return ".m4a"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	default:
		return ".audio"
	}
}

// writeFile streams r to dst through a temp file and rename so a failed
// download never leaves a partial source behind.
func writeFile(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".fetch-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// HashFile returns the blake3-256 hex digest of the file at path.
func HashFile(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, fh); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
