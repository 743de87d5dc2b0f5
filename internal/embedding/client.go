// Package embedding talks to an OpenAI-compatible /embeddings endpoint.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"cotamatch/internal/apperr"
	"cotamatch/internal/config"
)

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	httpClient *http.Client
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func NewClient(cfg config.Config) *Client {
	timeout := time.Duration(cfg.EmbeddingTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.EmbeddingAPIBaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.EmbeddingAPIKey),
		model:      cfg.EmbeddingModel,
		maxRetries: 3,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewWithHTTPClient is used by tests to avoid network access.
func NewWithHTTPClient(cfg config.Config, httpClient *http.Client) *Client {
	c := NewClient(cfg)
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c
}

// Embed returns one vector per input. Failures are wrapped as DependencyError.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	if c.apiKey == "" {
		return nil, apperr.Dependency("embedding", errors.New("missing EMBEDDING_API_KEY"))
	}

	body, err := json.Marshal(embeddingsRequest{Model: c.model, Input: inputs})
	if err != nil {
		return nil, err
	}

	var resp embeddingsResponse
	if err := c.post(ctx, "/embeddings", body, &resp); err != nil {
		return nil, apperr.Dependency("embedding", err)
	}

	out := make([][]float32, len(inputs))
	for pos, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = pos
		}
		if idx >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[idx] = vec
	}
	for i := range out {
		if len(out[i]) == 0 {
			return nil, apperr.Dependency("embedding", fmt.Errorf("missing vector for input %d (model=%s)", i, c.model))
		}
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("embedding api status=%d body=%s", resp.StatusCode, truncate(string(raw), 300))
			if isRetryableStatus(resp.StatusCode) && attempt < c.maxRetries {
				backoff := time.Duration(250*(1<<(attempt-1))+rand.Intn(100)) * time.Millisecond
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				continue
			}
			return lastErr
		}

		return json.Unmarshal(raw, out)
	}

	if lastErr == nil {
		lastErr = errors.New("embedding request failed")
	}
	return lastErr
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
