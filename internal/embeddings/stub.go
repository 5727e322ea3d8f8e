// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embeddings

import (
	"context"
	"math"

	"github.com/gentleomega/proofmem/internal/config"
)

// StubClient returns the same unit vector for every input
type StubClient struct {
	dimensions int
	value      float32
}

// NewStubClient creates a stub embedder; every component is 1/sqrt(D)
func NewStubClient(dimensions int) *StubClient {
	return &StubClient{
		dimensions: dimensions,
		value:      float32(1 / math.Sqrt(float64(dimensions))),
	}
}

// Embed returns the constant vector
func (c *StubClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, c.dimensions)
	for i := range vec {
		vec[i] = c.value
	}
	return vec, nil
}

// EmbedBatch returns one constant vector per text
func (c *StubClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i], _ = c.Embed(ctx, texts[i])
	}
	return vectors, nil
}

// GetModelInfo returns information about the embedding model
func (c *StubClient) GetModelInfo() ModelInfo {
	return ModelInfo{
		Name:       "constant",
		Version:    "v1",
		Dimensions: c.dimensions,
		Provider:   config.EmbeddingBackendStub,
	}
}
