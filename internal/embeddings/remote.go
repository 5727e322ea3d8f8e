// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/config"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/sashabaranov/go-openai"
)

// RemoteOptions configures an OpenAI-compatible embedding client
type RemoteOptions struct {
	BaseURL       string
	APIKey        string
	Model         string
	Dimensions    int
	Timeout       time.Duration // per attempt
	MaxAttempts   int
	RetryInterval time.Duration // initial backoff interval
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// OpenAIClient implements the Client interface for OpenAI-compatible embeddings APIs
type OpenAIClient struct {
	client        *openai.Client
	model         string
	dimensions    int
	timeout       time.Duration
	maxAttempts   int
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewOpenAIClient creates a new OpenAI embedding client
func NewOpenAIClient(opts RemoteOptions) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}

	c := &OpenAIClient{
		client:        openai.NewClientWithConfig(cfg),
		model:         opts.Model,
		dimensions:    opts.Dimensions,
		timeout:       opts.Timeout,
		maxAttempts:   opts.MaxAttempts,
		retryInterval: opts.RetryInterval,
		logger:        logging.OrDefault(opts.Logger),
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	if c.retryInterval <= 0 {
		c.retryInterval = 200 * time.Millisecond
	}
	return c
}

// Embed generates an embedding vector for the given text
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embedding vectors for multiple texts. Transient
// failures are retried with jittered exponential backoff; exhaustion
// surfaces as an embedding_unavailable error.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.model),
		Dimensions: c.dimensions,
	}

	var vectors [][]float32
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.client.CreateEmbeddings(callCtx, req)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		out := make([][]float32, len(texts))
		for _, data := range resp.Data {
			if data.Index < 0 || data.Index >= len(out) {
				return backoff.Permanent(fmt.Errorf("embedding index %d out of range", data.Index))
			}
			if len(data.Embedding) != c.dimensions {
				return backoff.Permanent(fmt.Errorf("model returned dimension %d, expected %d", len(data.Embedding), c.dimensions))
			}
			out[data.Index] = data.Embedding
		}
		for i, v := range out {
			if v == nil {
				return backoff.Permanent(fmt.Errorf("no embedding returned for input %d", i))
			}
		}
		vectors = out
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("embedding request failed, retrying",
			"model", c.model, "attempt", attempt, "wait", wait, "error", err)
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, retry, notify); err != nil {
		return nil, &apperr.Error{
			Kind:    apperr.KindEmbeddingUnavailable,
			Op:      "embeddings.remote",
			Message: fmt.Sprintf("model %s failed after %d attempt(s)", c.model, attempt),
			Err:     err,
		}
	}

	return vectors, nil
}

// isPermanent reports whether a request error will fail again on retry:
// client errors other than timeout and rate limiting
func isPermanent(err error) bool {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status < 400 || status >= 500 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

// GetModelInfo returns information about the embedding model
func (c *OpenAIClient) GetModelInfo() ModelInfo {
	return ModelInfo{
		Name:       c.model,
		Version:    "v1",
		Dimensions: c.dimensions,
		Provider:   config.EmbeddingBackendRemote,
	}
}
