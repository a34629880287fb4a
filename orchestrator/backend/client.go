// Package backend implements the Model Backend Client: a thin REST client
// over a local model-serving backend, with health checking, cached catalog
// listing, retryable unary generation, and chunked streaming generation.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/corvid-run/orchestrator/orchestrator/modelmanager"
)

const (
	healthCacheTTL = 30 * time.Second
	catalogCacheTTL = 5 * time.Minute
	maxRetries      = 3
)

// Client is a REST-backed implementation of modelmanager.Backend.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter

	healthMu     sync.Mutex
	healthCached bool
	healthAt     time.Time

	catalogMu     sync.Mutex
	catalogCached []modelmanager.CatalogEntry
	catalogAt     time.Time
}

// New constructs a Client against baseURL, rate-limited to ratePerSecond
// requests per second with a burst of the same size.
func New(baseURL string, timeout time.Duration, ratePerSecond float64) *Client {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1),
	}
}

// IsHealthy reports backend reachability, caching the result for
// healthCacheTTL to avoid hammering the backend on every selection.
func (c *Client) IsHealthy(ctx context.Context) bool {
	c.healthMu.Lock()
	if time.Since(c.healthAt) < healthCacheTTL {
		ok := c.healthCached
		c.healthMu.Unlock()
		return ok
	}
	c.healthMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	healthy := err == nil && resp != nil && resp.StatusCode == http.StatusOK
	if resp != nil {
		_ = resp.Body.Close()
	}

	c.healthMu.Lock()
	c.healthCached = healthy
	c.healthAt = time.Now()
	c.healthMu.Unlock()

	return healthy
}

// ListModels returns the backend's catalog, cached for catalogCacheTTL.
func (c *Client) ListModels(ctx context.Context) ([]modelmanager.CatalogEntry, error) {
	return c.listModels(ctx, false)
}

// ForceRefreshModels bypasses the catalog cache and re-fetches immediately.
func (c *Client) ForceRefreshModels(ctx context.Context) ([]modelmanager.CatalogEntry, error) {
	return c.listModels(ctx, true)
}

func (c *Client) listModels(ctx context.Context, force bool) ([]modelmanager.CatalogEntry, error) {
	c.catalogMu.Lock()
	if !force && time.Since(c.catalogAt) < catalogCacheTTL && c.catalogCached != nil {
		cached := c.catalogCached
		c.catalogMu.Unlock()
		return cached, nil
	}
	c.catalogMu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: list models: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: list models: status %d", resp.StatusCode)
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("backend: decode catalog: %w", err)
	}

	entries := make([]modelmanager.CatalogEntry, 0, len(payload.Models))
	for _, m := range payload.Models {
		entries = append(entries, modelmanager.CatalogEntry{
			Name:      m.Name,
			Tier:      modelmanager.TierLocal,
			SizeBytes: m.Size,
		})
	}

	c.catalogMu.Lock()
	c.catalogCached = entries
	c.catalogAt = time.Now()
	c.catalogMu.Unlock()

	return entries, nil
}

// EnsureLoaded pulls model into the backend if it is not already resident,
// draining the streaming progress response without surfacing it (callers
// needing progress should use PullWithProgress directly).
func (c *Client) EnsureLoaded(ctx context.Context, model string) error {
	return c.withRetry(ctx, func() error {
		body, _ := json.Marshal(map[string]string{"name": model})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("backend: model not found: %s", model))
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("backend: pull rejected: status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("backend: pull failed: status %d", resp.StatusCode)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
}

// Generate runs one unary generation call.
func (c *Client) Generate(ctx context.Context, model, prompt string, opts modelmanager.GenerateOptions) (modelmanager.GenerateResult, error) {
	var result modelmanager.GenerateResult

	err := c.withRetry(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		reqBody, _ := json.Marshal(map[string]interface{}{
			"model":  model,
			"prompt": prompt,
			"system": opts.SystemPrompt,
			"stream": false,
			"options": map[string]interface{}{
				"num_predict": opts.MaxTokens,
				"temperature": opts.Temperature,
			},
		})

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(reqBody))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("backend: model not found: %s", model))
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("backend: generate rejected: status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("backend: generate failed: status %d", resp.StatusCode)
		}

		var payload struct {
			Response       string `json:"response"`
			PromptEvalCount int   `json:"prompt_eval_count"`
			EvalCount       int   `json:"eval_count"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return backoff.Permanent(fmt.Errorf("backend: decode generate response: %w", err))
		}

		result = modelmanager.GenerateResult{
			Text:         payload.Response,
			InputTokens:  payload.PromptEvalCount,
			OutputTokens: payload.EvalCount,
			Elapsed:      time.Since(start),
		}
		return nil
	})

	return result, err
}

// StreamChunk is one piece of a streaming generation response.
type StreamChunk struct {
	Text string
	Done bool
	Err  error
}

// GenerateStream runs a streaming generation call, decoding the backend's
// newline-delimited JSON response and emitting one StreamChunk per line.
// The returned channel is closed when the stream ends or ctx is canceled.
func (c *Client) GenerateStream(ctx context.Context, model, prompt string, opts modelmanager.GenerateOptions) (<-chan StreamChunk, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":  model,
		"prompt": prompt,
		"system": opts.SystemPrompt,
		"stream": true,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: stream generate: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("backend: stream generate: status %d", resp.StatusCode)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				out <- StreamChunk{Err: ctx.Err()}
				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk struct {
				Response string `json:"response"`
				Done     bool   `json:"done"`
			}
			if err := json.Unmarshal(line, &chunk); err != nil {
				out <- StreamChunk{Err: err}
				return
			}
			out <- StreamChunk{Text: chunk.Response, Done: chunk.Done}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: err}
		}
	}()

	return out, nil
}

// withRetry wraps op with an exponential backoff retry policy, up to
// maxRetries attempts; 4xx/model-not-found errors (wrapped in
// backoff.Permanent by op) fail immediately without retrying.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries)
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
