package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "text-embedding-3-small"
	defaultDimension = 1536
)

// Remote is an OpenAI-compatible embeddings API backend.
type Remote struct {
	apiKey    string
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

// NewRemote builds the remote backend from config.
func NewRemote(cfg Config) (*Remote, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding: remote backend requires an api key")
	}
	r := &Remote{
		apiKey:    cfg.APIKey,
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
	if r.baseURL == "" {
		r.baseURL = defaultBaseURL
	}
	if r.model == "" {
		r.model = defaultModel
	}
	if r.dimension <= 0 {
		r.dimension = defaultDimension
	}
	return r, nil
}

// Dimension returns the configured output width.
func (r *Remote) Dimension() int { return r.dimension }

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed calls the embeddings endpoint for the whole batch.
func (r *Remote) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embeddingsRequest{Input: texts, Model: r.model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding: api returned %s: %s", resp.Status, body)
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding: decoding response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) != r.dimension {
			return nil, fmt.Errorf("embedding: vector %d has width %d, expected %d", i, len(d.Embedding), r.dimension)
		}
		out[i] = d.Embedding
	}
	return out, nil
}
