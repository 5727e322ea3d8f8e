// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embeddings

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/gentleomega/proofmem/internal/config"
)

// bigramWeight down-weights word pairs relative to single words
const bigramWeight = 0.5

// LocalClient is an in-process feature-hashing embedder. Unigrams and
// bigrams are hashed with FNV-1a into signed buckets and L2-normalized,
// so texts sharing words have positive cosine similarity.
type LocalClient struct {
	dimensions int
}

// NewLocalClient creates a local embedder producing vectors of the given dimension
func NewLocalClient(dimensions int) *LocalClient {
	return &LocalClient{dimensions: dimensions}
}

// Embed generates an embedding vector for the given text
func (c *LocalClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, c.dimensions)
	tokens := tokenize(text)
	for i, tok := range tokens {
		c.addFeature(vec, tok, 1)
		if i+1 < len(tokens) {
			c.addFeature(vec, tok+" "+tokens[i+1], bigramWeight)
		}
	}
	return Normalize(vec), nil
}

func (c *LocalClient) addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()

	idx := sum % uint64(c.dimensions)
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

// EmbedBatch generates embedding vectors for multiple texts
func (c *LocalClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

// GetModelInfo returns information about the embedding model
func (c *LocalClient) GetModelInfo() ModelInfo {
	return ModelInfo{
		Name:       "fnv-feature-hash",
		Version:    "v1",
		Dimensions: c.dimensions,
		Provider:   config.EmbeddingBackendLocal,
	}
}

// tokenize lowercases text and splits it on anything that isn't a letter or digit
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
