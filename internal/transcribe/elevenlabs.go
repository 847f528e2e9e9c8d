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

const elevenLabsSTTEndpoint = "https://api.elevenlabs.io/v1/speech-to-text"

// ElevenLabsClient calls the ElevenLabs Speech-to-Text API.
type ElevenLabsClient struct {
	apiKey   string
	model    string // "scribe_v1" or "scribe_v2"
	keyterms string // comma-separated boost terms
	endpoint string
	client   *http.Client
}

type elevenlabsResponse struct {
	LanguageCode        string           `json:"language_code"`
	LanguageProbability float64          `json:"language_probability"`
	Text                string           `json:"text"`
	Words               []elevenlabsWord `json:"words"`
}

type elevenlabsWord struct {
	Text    string  `json:"text"`
	Type    string  `json:"type"` // "word" or "spacing"
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Logprob float64 `json:"logprob"`
}

func NewElevenLabsClient(apiKey, model, keyterms string, timeout time.Duration) *ElevenLabsClient {
	return &ElevenLabsClient{
		apiKey:   apiKey,
		model:    model,
		keyterms: keyterms,
		endpoint: elevenLabsSTTEndpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (el *ElevenLabsClient) Name() string { return "elevenlabs" }

func (el *ElevenLabsClient) Model() string { return el.model }

func (el *ElevenLabsClient) Transcribe(ctx context.Context, audioPath string, opts Options) (*Response, error) {
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

	w.WriteField("model_id", el.model)
	if lang := language(opts); lang != "" {
		w.WriteField("language_code", lang)
	}
	w.WriteField("timestamps_granularity", "word")
	if kt := buildKeyterms(el.keyterms, opts.Prompt); kt != "" {
		w.WriteField("keyterms", kt)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, el.endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("xi-api-key", el.apiKey)

	resp, err := el.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result elevenlabsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var words []Word
	var logprobs []float64
	for _, ew := range result.Words {
		if ew.Type != "word" {
			continue
		}
		words = append(words, Word{Word: ew.Text, Start: ew.Start, End: ew.End})
		logprobs = append(logprobs, ew.Logprob)
	}

	var dur float64
	if len(words) > 0 {
		dur = words[len(words)-1].End
	}
	return &Response{
		Text:       strings.TrimSpace(result.Text),
		Language:   result.LanguageCode,
		Duration:   dur,
		Confidence: meanProb(logprobs),
		Words:      words,
	}, nil
}

// buildKeyterms merges the configured terms with comma-separated prompt
// terms into the JSON array the API expects.
func buildKeyterms(lists ...string) string {
	var terms []string
	for _, list := range lists {
		for _, t := range strings.Split(list, ",") {
			if t = strings.TrimSpace(t); t != "" {
				terms = append(terms, t)
			}
		}
	}
	if len(terms) == 0 {
		return ""
	}
	b, _ := json.Marshal(terms)
	return string(b)
}
