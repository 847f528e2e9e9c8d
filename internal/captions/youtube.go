package captions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kkdai/youtube/v2"
	"github.com/rs/zerolog"

	"github.com/snarg/subcheck/internal/align"
)

// YouTube reads caption tracks attached to a YouTube video.
type YouTube struct {
	client youtube.Client
	http   *http.Client
	log    zerolog.Logger
}

// NewYouTube creates a YouTube caption source.
func NewYouTube(timeout time.Duration, log zerolog.Logger) *YouTube {
	hc := &http.Client{Timeout: timeout}
	return &YouTube{
		client: youtube.Client{HTTPClient: hc},
		http:   hc,
		log:    log.With().Str("component", "captions").Logger(),
	}
}

// Track describes the caption track that was selected.
type Track struct {
	LanguageCode string `json:"language_code"`
	Name         string `json:"name"`
	Generated    bool   `json:"generated"`
}

// Captions returns the cues of the best matching track for lang. A video
// without caption tracks yields an empty slice and a nil error.
func (y *YouTube) Captions(ctx context.Context, ref, lang string) ([]align.Cue, error) {
	id, ok := VideoID(ref)
	if !ok {
		return nil, fmt.Errorf("not a YouTube reference: %q", ref)
	}
	video, err := y.client.GetVideoContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get video %s: %w", id, err)
	}

	track := selectTrack(video.CaptionTracks, Candidates(lang))
	if track == nil {
		y.log.Warn().Str("video_id", id).Msg("no captions available")
		return []align.Cue{}, nil
	}

	cues, err := y.fetchTrack(ctx, track.BaseURL)
	if err != nil {
		return nil, err
	}
	y.log.Info().
		Str("video_id", id).
		Str("language", track.LanguageCode).
		Bool("generated", track.Kind == "asr").
		Int("cues", len(cues)).
		Msg("captions retrieved")
	return cues, nil
}

// selectTrack prefers auto-generated tracks in the candidate languages, then
// manual tracks in those languages, then whatever track exists.
func selectTrack(tracks []youtube.CaptionTrack, langs []string) *youtube.CaptionTrack {
	if len(tracks) == 0 {
		return nil
	}
	for _, generated := range []bool{true, false} {
		for _, lang := range langs {
			for i := range tracks {
				if tracks[i].LanguageCode == lang && (tracks[i].Kind == "asr") == generated {
					return &tracks[i]
				}
			}
		}
	}
	return &tracks[0]
}

func (y *YouTube) fetchTrack(ctx context.Context, baseURL string) ([]align.Cue, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := y.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("caption request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("caption request: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read captions: %w", err)
	}
	return ParseTimedText(body)
}
