package transcribe

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
)

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint
// (faster-whisper-server, speaches, whisper.cpp server, LocalAI).
type WhisperClient struct {
	url    string
	model  string
	client *http.Client
}

// whisperResponse is the verbose_json body.
type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// NewWhisperClient creates a client for the server at baseURL. A baseURL that
// already ends in the transcription path is used as is.
func NewWhisperClient(baseURL, model string, timeout time.Duration) *WhisperClient {
	url := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(url, "/v1/audio/transcriptions") {
		url += "/v1/audio/transcriptions"
	}
	return &WhisperClient{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

func (wc *WhisperClient) Name() string { return "whisper" }

func (wc *WhisperClient) Model() string { return wc.model }

// Transcribe uploads the audio as multipart/form-data and requests
// verbose_json so segment log-probabilities are available for confidence.
func (wc *WhisperClient) Transcribe(ctx context.Context, audioPath string, opts Options) (*Response, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}

	if wc.model != "" {
		w.WriteField("model", wc.model)
	}
	if lang := language(opts); lang != "" {
		w.WriteField("language", lang)
	}
	if opts.Prompt != "" {
		w.WriteField("prompt", opts.Prompt)
	}
	w.WriteField("temperature", fmt.Sprintf("%.2f", opts.Temperature))
	w.WriteField("response_format", "verbose_json")
	w.WriteField("timestamp_granularities[]", "word")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := wc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result whisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	logprobs := make([]float64, len(result.Segments))
	for i, s := range result.Segments {
		logprobs[i] = s.AvgLogprob
	}
	var words []Word
	for _, ww := range result.Words {
		words = append(words, Word{Word: strings.TrimSpace(ww.Word), Start: ww.Start, End: ww.End})
	}
	return &Response{
		Text:       strings.TrimSpace(result.Text),
		Language:   result.Language,
		Duration:   result.Duration,
		Confidence: meanProb(logprobs),
		Words:      words,
	}, nil
}
