package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// LexicalSimilarity is the cosine of the two texts' term-frequency vectors.
// It needs no model and is used when no embedding service is configured.
type LexicalSimilarity struct{}

func (LexicalSimilarity) Similarity(_ context.Context, a, b string) (float64, error) {
	ta, tb := termFreq(a), termFreq(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0, nil
	}
	var dot, na, nb float64
	for w, ca := range ta {
		na += ca * ca
		dot += ca * tb[w]
	}
	for _, cb := range tb {
		nb += cb * cb
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

func termFreq(s string) map[string]float64 {
	m := make(map[string]float64)
	for _, w := range strings.Fields(s) {
		m[w]++
	}
	return m
}

// EmbeddingClient computes similarity through an OpenAI-compatible
// /v1/embeddings endpoint.
type EmbeddingClient struct {
	url    string
	model  string
	client *http.Client
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewEmbeddingClient creates a client for the embedding service at baseURL.
func NewEmbeddingClient(baseURL, model string, timeout time.Duration) *EmbeddingClient {
	return &EmbeddingClient{
		url:    strings.TrimRight(baseURL, "/") + "/v1/embeddings",
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *EmbeddingClient) Similarity(ctx context.Context, a, b string) (float64, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: []string{a, b}})
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("embedding API error (status %d): %s", resp.StatusCode, string(raw))
	}

	var out embeddingResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Data) != 2 {
		return 0, fmt.Errorf("expected 2 embeddings, got %d", len(out.Data))
	}
	vecs := [2][]float64{}
	for _, d := range out.Data {
		if d.Index < 0 || d.Index > 1 {
			return 0, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return Cosine(vecs[0], vecs[1])
}

// ErrZeroVector is returned by Cosine when either vector has no magnitude.
var ErrZeroVector = errors.New("zero-length embedding")

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding dimensions differ: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, ErrZeroVector
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
