package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/prediction-subnet/internal/models"
)

// Cache defines the interface for candle series caching implementations.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.CandleSeries, bool, error)
	Set(ctx context.Context, key string, value models.CandleSeries, ttl time.Duration) error
}

// InMemoryCache implements Cache using a mutex-guarded map with TTL-based expiration.
// Expired entries are removed on access.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     models.CandleSeries
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get retrieves the cached series for key if present and not expired.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.CandleSeries, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.CandleSeries{}, false, nil
	}

	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		return models.CandleSeries{}, false, nil
	}

	return entry.value, true, nil
}

// Set stores a series with the given TTL. The candle slice is copied so callers
// cannot mutate cached data.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.CandleSeries, ttl time.Duration) error {
	value.Candles = append([]models.Candle(nil), value.Candles...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
