package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashare-arena/settlement/internal/model"
)

// QuoteCache holds the latest quote per security.
type QuoteCache interface {
	// Get returns a copy of the cached quotes keyed by security.
	Get() map[string]model.Quote
	// Set merges quotes into the cache.
	Set(quotes []model.Quote)
}

// MemoryQuoteCache is a QuoteCache under one mutex.
type MemoryQuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

// NewMemoryQuoteCache creates an empty cache.
func NewMemoryQuoteCache() *MemoryQuoteCache {
	return &MemoryQuoteCache{quotes: make(map[string]model.Quote)}
}

func (c *MemoryQuoteCache) Get() map[string]model.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]model.Quote, len(c.quotes))
	for k, v := range c.quotes {
		out[k] = v
	}
	return out
}

func (c *MemoryQuoteCache) Set(quotes []model.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range quotes {
		c.quotes[q.Security] = q
	}
}

// RedisQuoteCache serves reads from memory and mirrors every Set into a
// Redis hash so other processes can read the latest quotes.
type RedisQuoteCache struct {
	*MemoryQuoteCache
	rdb     *redis.Client
	key     string
	timeout time.Duration
}

// NewRedisQuoteCache creates a cache mirrored to the hash at key.
func NewRedisQuoteCache(rdb *redis.Client, key string) *RedisQuoteCache {
	return &RedisQuoteCache{
		MemoryQuoteCache: NewMemoryQuoteCache(),
		rdb:              rdb,
		key:              key,
		timeout:          2 * time.Second,
	}
}

func (c *RedisQuoteCache) Set(quotes []model.Quote) {
	c.MemoryQuoteCache.Set(quotes)

	fields := make(map[string]any, len(quotes))
	for _, q := range quotes {
		data, err := json.Marshal(q)
		if err != nil {
			continue
		}
		fields[q.Security] = data
	}
	if len(fields) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.rdb.HSet(ctx, c.key, fields).Err(); err != nil {
		slog.Warn("quote mirror write failed", "key", c.key, "err", err)
	}
}

// Restore loads the mirrored quotes into memory, typically at startup.
func (c *RedisQuoteCache) Restore(ctx context.Context) (int, error) {
	raw, err := c.rdb.HGetAll(ctx, c.key).Result()
	if err != nil {
		return 0, err
	}
	quotes := make([]model.Quote, 0, len(raw))
	for code, data := range raw {
		var q model.Quote
		if err := json.Unmarshal([]byte(data), &q); err != nil {
			slog.Warn("skipping corrupt mirrored quote", "security", code, "err", err)
			continue
		}
		quotes = append(quotes, q)
	}
	c.MemoryQuoteCache.Set(quotes)
	return len(quotes), nil
}
