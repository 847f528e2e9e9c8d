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

const deepInfraBaseURL = "https://api.deepinfra.com/v1/inference/"

// DeepInfraClient calls DeepInfra's hosted inference API. The model name is
// part of the URL, e.g. "openai/whisper-large-v3".
type DeepInfraClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type deepInfraResponse struct {
	Text     string             `json:"text"`
	Language string             `json:"language"`
	Duration float64            `json:"duration"`
	Words    []deepInfraWord    `json:"words"`
	Segments []deepInfraSegment `json:"segments"`
}

// DeepInfra uses "text" for the word field.
type deepInfraWord struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type deepInfraSegment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	AvgLogprob float64 `json:"avg_logprob"`
}

func NewDeepInfraClient(apiKey, model string, timeout time.Duration) *DeepInfraClient {
	return &DeepInfraClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: deepInfraBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (di *DeepInfraClient) Name() string { return "deepinfra" }

func (di *DeepInfraClient) Model() string { return di.model }

// Transcribe posts the audio under the "audio" field, DeepInfra's convention.
func (di *DeepInfraClient) Transcribe(ctx context.Context, audioPath string, opts Options) (*Response, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	if lang := language(opts); lang != "" {
		w.WriteField("language", lang)
	}
	if opts.Prompt != "" {
		w.WriteField("initial_prompt", opts.Prompt)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, di.baseURL+di.model, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+di.apiKey)

	resp, err := di.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepinfra request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepinfra API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result deepInfraResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var words []Word
	if len(result.Words) > 0 {
		words = make([]Word, len(result.Words))
		for i, dw := range result.Words {
			words[i] = Word{Word: dw.Text, Start: dw.Start, End: dw.End}
		}
	} else {
		words = wordsFromSegments(result.Segments)
	}

	logprobs := make([]float64, len(result.Segments))
	for i, s := range result.Segments {
		logprobs[i] = s.AvgLogprob
	}
	return &Response{
		Text:       strings.TrimSpace(result.Text),
		Language:   result.Language,
		Duration:   result.Duration,
		Confidence: meanProb(logprobs),
		Words:      words,
	}, nil
}

// wordsFromSegments spreads each segment's words evenly across its time range.
func wordsFromSegments(segments []deepInfraSegment) []Word {
	var words []Word
	for _, seg := range segments {
		tokens := strings.Fields(seg.Text)
		if len(tokens) == 0 {
			continue
		}
		step := (seg.End - seg.Start) / float64(len(tokens))
		for i, tok := range tokens {
			words = append(words, Word{
				Word:  tok,
				Start: seg.Start + float64(i)*step,
				End:   seg.Start + float64(i+1)*step,
			})
		}
	}
	return words
}
