// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embeddings

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/gentleomega/proofmem/internal/crypto"
)

// CachedClient memoizes vectors of an inner client keyed by
// (provider, model, text). Vectors are copied in and out.
type CachedClient struct {
	inner  Client
	cache  *ristretto.Cache
	prefix string
}

// NewCachedClient wraps inner with a cache holding up to size vectors
func NewCachedClient(inner Client, size int64) (*CachedClient, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	info := inner.GetModelInfo()
	return &CachedClient{
		inner:  inner,
		cache:  cache,
		prefix: fmt.Sprintf("%s|%s|%d|", info.Provider, info.Name, info.Dimensions),
	}, nil
}

func (c *CachedClient) key(text string) string {
	return c.prefix + crypto.SHA256Hex([]byte(text))
}

// Embed returns a cached vector or embeds and caches it
func (c *CachedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds only the texts missing from the cache
func (c *CachedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if v, ok := c.cache.Get(c.key(text)); ok {
			out[i] = copyVector(v.([]float32))
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range fresh {
		out[missingIdx[j]] = v
		c.cache.Set(c.key(missing[j]), copyVector(v), 1)
	}
	return out, nil
}

// Wait blocks until pending cache writes are visible
func (c *CachedClient) Wait() {
	c.cache.Wait()
}

// Close releases the cache
func (c *CachedClient) Close() {
	c.cache.Close()
}

// GetModelInfo returns the inner client's model info
func (c *CachedClient) GetModelInfo() ModelInfo {
	return c.inner.GetModelInfo()
}

func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
