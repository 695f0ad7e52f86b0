// Package embedclient is the outbound HTTP client for the embedding
// endpoint: POST {base_url}/api/embeddings with {model, prompt} →
// {embedding: f32[]}. Endpoint shape resolved from
// original_source/python-sidecar/ollama_client.py's get_embedding (not
// translated — only the wire contract was read); transport style
// (plain net/http, no framework) is the teacher's own throughout.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nlsql/pipeline/internal/pipelineerr"
)

type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

func New(baseURL, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed produces a dense vector for arbitrary text (spec §2 "Embedding
// client"). A transient connection failure is retried with backoff; repeated
// failure surfaces as Unreachable, which spec §4.4/§7 mark non-repairable.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(embedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, pipelineerr.New(pipelineerr.KindInternal, "", "marshal embed request", err)
	}

	var out embedResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err // retryable: connection-level failure
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("embed: status %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, pipelineerr.New(pipelineerr.KindUnreachable, "", "embedding endpoint unreachable", err)
	}
	return out.Embedding, nil
}

// EmbedBatch embeds many texts, matching spec §6's embed_batch RPC
// (sequential; the embedding endpoint has no native batch API).
func (c *Client) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, model, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// HealthCheck reports whether the endpoint is reachable (spec §6 health
// RPC's llm_reachable field; grounded on the teacher pattern of a
// dedicated liveness call, per the original's health_check()/api/tags).
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
