// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gentleomega/proofmem/internal/config"
)

// Client is the interface for embedding providers
type Client interface {
	// Embed generates an embedding vector for the given text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// GetModelInfo returns information about the embedding model
	GetModelInfo() ModelInfo
}

// ModelInfo contains metadata about the embedding model
type ModelInfo struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Dimensions int    `json:"dimensions"`
	Provider   string `json:"provider"` // backend mode: local, remote or stub
}

// New builds the client for the configured backend. The backend is fixed
// for the lifetime of the client; there is no fallback between backends.
func New(cfg config.EmbeddingConfig, logger *slog.Logger) (Client, error) {
	switch cfg.Backend {
	case config.EmbeddingBackendLocal:
		return NewLocalClient(cfg.Dimensions), nil

	case config.EmbeddingBackendStub:
		return NewStubClient(cfg.Dimensions), nil

	case config.EmbeddingBackendRemote:
		remote := NewOpenAIClient(RemoteOptions{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.ResolveAPIKey(),
			Model:       cfg.Model,
			Dimensions:  cfg.Dimensions,
			Timeout:     cfg.Timeout(),
			MaxAttempts: cfg.MaxAttempts,
			Logger:      logger,
		})
		if cfg.CacheSize <= 0 {
			return remote, nil
		}
		cached, err := NewCachedClient(remote, cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding cache: %w", err)
		}
		return cached, nil

	default:
		return nil, fmt.Errorf("unsupported embedding backend: %s", cfg.Backend)
	}
}

// MockClient is a mock implementation for testing
type MockClient struct {
	EmbedFunc func(text string) ([]float32, error)
	ModelInfo ModelInfo

	mu        sync.Mutex
	callCount int
}

// Embed calls the mock function
func (m *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.callCount++
	m.mu.Unlock()
	if m.EmbedFunc != nil {
		return m.EmbedFunc(text)
	}
	return make([]float32, m.GetModelInfo().Dimensions), nil
}

// EmbedBatch calls Embed for each text
func (m *MockClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

// CallCount returns how many texts were embedded
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// GetModelInfo returns mock model info
func (m *MockClient) GetModelInfo() ModelInfo {
	if m.ModelInfo.Name != "" {
		return m.ModelInfo
	}
	return ModelInfo{
		Name:       "mock-model",
		Version:    "v1",
		Dimensions: 4,
		Provider:   "mock",
	}
}
