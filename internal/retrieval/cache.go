package retrieval

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/chatcore/internal/chat"
)

// DefaultCacheCapacity bounds the embedding cache when no capacity is configured.
const DefaultCacheCapacity = 1000

// CacheEntry is one cached text → embedding mapping.
type CacheEntry struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
}

// EmbeddingCache memoizes text → embedding so identical text is embedded at
// most once, across conversations. Entries are evicted by insertion recency:
// once the cache grows past its capacity only the newest capacity/2 survive.
//
// Returned vectors are shared with the cache and must not be modified.
type EmbeddingCache struct {
	embedder ContentEmbedder
	capacity int
	group    singleflight.Group

	mu      sync.Mutex
	entries map[string][]float32
	order   []string // insertion order, oldest first

	hits    atomic.Int64
	misses  atomic.Int64
	metrics Metrics
}

// NewEmbeddingCache creates a cache in front of embedder. A capacity of zero
// or less selects DefaultCacheCapacity.
func NewEmbeddingCache(embedder ContentEmbedder, capacity int) *EmbeddingCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &EmbeddingCache{
		embedder: embedder,
		capacity: capacity,
		entries:  make(map[string][]float32),
	}
}

// SetMetrics attaches a metrics sink. Call before the cache is shared.
func (c *EmbeddingCache) SetMetrics(m Metrics) {
	c.metrics = m
}

// GetOrCompute returns the cached embedding for text, calling the provider on
// a miss. Concurrent misses for the same text share a single provider call.
func (c *EmbeddingCache) GetOrCompute(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.lookup(text); ok {
		c.recordHit()
		return vec, nil
	}

	v, err, _ := c.group.Do(text, func() (any, error) {
		// Another flight may have filled the entry while we were queued.
		if vec, ok := c.lookup(text); ok {
			c.recordHit()
			return vec, nil
		}
		c.recordMiss()
		vec, err := c.embedder.Embed(ctx, text)
		if err != nil {
			return nil, chat.NewProviderError("embedding", "computing embedding", err)
		}
		c.insert(text, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Prune evicts the oldest entries when the cache holds more than capacity,
// keeping the most recently inserted capacity/2. It returns the number of
// entries evicted.
func (c *EmbeddingCache) Prune(capacity int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(capacity)
}

func (c *EmbeddingCache) pruneLocked(capacity int) int {
	if capacity < 0 || len(c.order) <= capacity {
		return 0
	}
	keep := capacity / 2
	evict := len(c.order) - keep
	for _, text := range c.order[:evict] {
		delete(c.entries, text)
	}
	remaining := make([]string, keep, max(keep, c.capacity))
	copy(remaining, c.order[evict:])
	c.order = remaining
	return evict
}

// Len returns the number of cached entries.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Hits returns how many lookups were served from the cache.
func (c *EmbeddingCache) Hits() int64 { return c.hits.Load() }

// Misses returns how many lookups required a provider call.
func (c *EmbeddingCache) Misses() int64 { return c.misses.Load() }

// Entries returns a copy of the cache contents in insertion order.
func (c *EmbeddingCache) Entries() []CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CacheEntry, 0, len(c.order))
	for _, text := range c.order {
		out = append(out, CacheEntry{Text: text, Embedding: c.entries[text]})
	}
	return out
}

// Restore replaces the cache contents with entries, oldest first. Entries
// without a vector are ignored. The capacity bound is applied afterwards.
func (c *EmbeddingCache) Restore(entries []CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]float32, len(entries))
	c.order = c.order[:0]
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		c.putLocked(e.Text, e.Embedding)
	}
	c.pruneLocked(c.capacity)
}

func (c *EmbeddingCache) lookup(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.entries[text]
	return vec, ok
}

func (c *EmbeddingCache) insert(text string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(text, vec)
	c.pruneLocked(c.capacity)
}

func (c *EmbeddingCache) putLocked(text string, vec []float32) {
	if _, ok := c.entries[text]; !ok {
		c.order = append(c.order, text)
	}
	c.entries[text] = vec
}

func (c *EmbeddingCache) recordHit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHit()
	}
}

func (c *EmbeddingCache) recordMiss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMiss()
	}
}
