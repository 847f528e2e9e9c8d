package vad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snarg/subcheck/internal/segment"
)

// Client calls a VAD service that returns per-frame speech probabilities.
//
// Request: POST {base}/v1/vad, multipart field "file".
// Response: {"frame_interval": 0.032, "probabilities": [0.01, 0.93, ...]}
type Client struct {
	url    string
	client *http.Client
}

type vadResponse struct {
	FrameInterval float64   `json:"frame_interval"`
	Probabilities []float64 `json:"probabilities"`
}

// NewClient creates a VAD service client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		url:    strings.TrimRight(baseURL, "/") + "/v1/vad",
		client: &http.Client{Timeout: timeout},
	}
}

func (c *Client) SpeechProbabilities(ctx context.Context, path string) ([]segment.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vad request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vad API error (status %d): %s", resp.StatusCode, string(body))
	}

	var out vadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	interval := out.FrameInterval
	if interval <= 0 {
		interval = segment.DefaultFrameInterval
	}
	frames := make([]segment.Frame, len(out.Probabilities))
	for i, p := range out.Probabilities {
		frames[i] = segment.Frame{Offset: float64(i) * interval, Probability: p}
	}
	return frames, nil
}
