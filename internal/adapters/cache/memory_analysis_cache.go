package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
)

// MemoryAnalysisCache keeps analysis results in a size-bounded, TTL-bounded LRU.
// Reads use Peek so eviction order stays insertion order.
type MemoryAnalysisCache struct {
	lru *expirable.LRU[string, *entities.AnalysisCacheEntry]
}

// NewMemoryAnalysisCache creates an in-process analysis cache
func NewMemoryAnalysisCache(maxEntries int, ttl time.Duration) providers.AnalysisCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryAnalysisCache{
		lru: expirable.NewLRU[string, *entities.AnalysisCacheEntry](maxEntries, nil, ttl),
	}
}

// Get retrieves an entry
func (c *MemoryAnalysisCache) Get(_ context.Context, key string) (*entities.AnalysisCacheEntry, bool, error) {
	entry, ok := c.lru.Peek(key)
	return entry, ok, nil
}

// Set stores an entry
func (c *MemoryAnalysisCache) Set(_ context.Context, entry *entities.AnalysisCacheEntry) error {
	c.lru.Add(entry.Key, entry)
	return nil
}

// Delete removes an entry
func (c *MemoryAnalysisCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Len returns the number of entries
func (c *MemoryAnalysisCache) Len(_ context.Context) (int, error) {
	return c.lru.Len(), nil
}
