// Package llmclient is the outbound HTTP client for SQL-completion
// generation (POST {base_url}/api/generate with {model, prompt, system,
// options:{temperature, seed, num_ctx, stop}} -> {response}). Wire shape
// resolved from original_source/python-sidecar/ollama_client.py's
// generate_sql (contract only, not translated); the plain-net/http client
// style with no framework is the teacher's own.
package llmclient

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

// Options mirrors the generation knobs the pipeline varies per candidate
// (spec §4.3: distinct seeds per candidate, fixed low temperature).
type Options struct {
	Temperature float64  `json:"temperature"`
	Seed        int64    `json:"seed"`
	NumCtx      int      `json:"num_ctx,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	System  string  `json:"system,omitempty"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Complete sends one composed prompt (spec §4.2's base+delta text) and
// returns the raw model text, unmodified (fence-stripping and gibberish
// checks live in internal/generator, not here).
func (c *Client) Complete(ctx context.Context, system, prompt string, opts Options) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		System:  system,
		Stream:  false,
		Options: opts,
	})
	if err != nil {
		return "", pipelineerr.New(pipelineerr.KindInternal, "", "marshal generate request", err)
	}

	var out generateResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("generate: status %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return "", pipelineerr.New(pipelineerr.KindUnreachable, "", "generation endpoint unreachable", err)
	}
	return out.Response, nil
}

// HealthCheck reports whether the generation endpoint is reachable.
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
