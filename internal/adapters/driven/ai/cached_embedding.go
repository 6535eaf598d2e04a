package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Ensure CachedEmbedding implements EmbeddingService
var _ driven.EmbeddingService = (*CachedEmbedding)(nil)

// CachedEmbedding memoises query embeddings in memory. Every stage of a run
// embeds the same analytical questions, so the cache turns most of those
// calls into lookups. Bulk Embed calls pass through.
type CachedEmbedding struct {
	driven.EmbeddingService
	cache *gocache.Cache
}

// NewCachedEmbedding wraps inner with a TTL cache on EmbedQuery
func NewCachedEmbedding(inner driven.EmbeddingService, ttl time.Duration) *CachedEmbedding {
	return &CachedEmbedding{
		EmbeddingService: inner,
		cache:            gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedEmbedding) key(query string) string {
	sum := sha256.Sum256([]byte(c.Model() + "\x00" + query))
	return hex.EncodeToString(sum[:])
}

// EmbedQuery returns a cached vector when one exists
func (c *CachedEmbedding) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	key := c.key(query)
	if v, found := c.cache.Get(key); found {
		return v.([]float32), nil
	}

	vector, err := c.EmbeddingService.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, vector)
	return vector, nil
}

// Len returns the number of cached queries
func (c *CachedEmbedding) Len() int {
	return c.cache.ItemCount()
}

// Close flushes the cache and closes the wrapped service
func (c *CachedEmbedding) Close() error {
	c.cache.Flush()
	return c.EmbeddingService.Close()
}
