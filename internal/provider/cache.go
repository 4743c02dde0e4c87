package provider

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder memoises query-mode embeddings. Document embeddings are
// always computed fresh since they are persisted next to their content.
type CachedEmbedder struct {
	next  Embedder
	cache *ristretto.Cache
}

func NewCachedEmbedder(next Embedder, maxEntries int) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("query cache size must be > 0")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxEntries) * 10,
		MaxCost:     int64(maxEntries),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

func (c *CachedEmbedder) Dimensions() int { return c.next.Dimensions() }

func (c *CachedEmbedder) Embed(ctx context.Context, text string, mode EmbedMode) ([]float32, error) {
	if mode != ModeQuery {
		return c.next.Embed(ctx, text, mode)
	}
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}
	vec, err := c.next.Embed(ctx, text, mode)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, append([]float32(nil), vec...), 1)
	c.cache.Wait()
	return vec, nil
}

func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
