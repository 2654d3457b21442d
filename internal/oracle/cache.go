package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// MemoryCache keeps prices in process for ttl.
type MemoryCache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]cachedPrice
}

type cachedPrice struct {
	price   decimal.Decimal
	expires time.Time
}

// NewMemoryCache creates an in-process price cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedPrice),
	}
}

func (c *MemoryCache) Get(_ context.Context, symbols []string) map[string]decimal.Decimal {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if e, ok := c.entries[s]; ok && now.Before(e.expires) {
			out[s] = e.price
		}
	}
	return out
}

func (c *MemoryCache) Set(_ context.Context, prices map[string]decimal.Decimal) {
	expires := c.now().Add(c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()

	for s, p := range prices {
		c.entries[s] = cachedPrice{price: p, expires: expires}
	}
}

// RedisCache shares prices between service instances.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a Redis-backed price cache.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, symbols []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return out
	}
	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = priceKey(s)
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		slog.Warn("price cache read failed", "error", err)
		return out
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if p, err := decimal.NewFromString(str); err == nil {
			out[symbols[i]] = p
		}
	}
	return out
}

func (c *RedisCache) Set(ctx context.Context, prices map[string]decimal.Decimal) {
	pipe := c.rdb.Pipeline()
	for s, p := range prices {
		pipe.Set(ctx, priceKey(s), p.String(), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("price cache write failed", "error", err)
	}
}

func priceKey(symbol string) string { return fmt.Sprintf("price:%s", symbol) }
