package chc

import (
	"context"

	"github.com/couchcryptid/precip-forecast-etl/internal/observability"
	"github.com/couchcryptid/precip-forecast-etl/internal/pipeline"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedFetcher wraps a Fetcher with an in-memory LRU cache keyed by URL.
// CHC filenames encode their forecast window, so a URL's content never changes.
// A nil cache disables caching.
type CachedFetcher struct {
	inner   pipeline.Fetcher
	cache   *lru.Cache[string, []byte]
	metrics *observability.Metrics
}

// NewCachedFetcher creates a cache decorator holding up to maxEntries
// payloads. maxEntries <= 0 passes every fetch through.
func NewCachedFetcher(inner pipeline.Fetcher, maxEntries int, metrics *observability.Metrics) *CachedFetcher {
	c := &CachedFetcher{inner: inner, metrics: metrics}
	if maxEntries > 0 {
		// NewWithEvict only fails on a non-positive size.
		c.cache, _ = lru.NewWithEvict(maxEntries, func(string, []byte) {
			metrics.RasterCache.WithLabelValues("evict").Inc()
		})
	}
	return c
}

func (c *CachedFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if c.cache != nil {
		if data, ok := c.cache.Get(url); ok {
			c.metrics.RasterCache.WithLabelValues("hit").Inc()
			return data, nil
		}
	}
	c.metrics.RasterCache.WithLabelValues("miss").Inc()

	data, err := c.inner.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Add(url, data)
	}
	return data, nil
}

// Len reports the number of cached payloads.
func (c *CachedFetcher) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
