package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMemorySize = 256

// MemoryCache is the single-process fallback when no Redis is configured.
// Entries expire after the TTL given at construction; the per-call ttl in
// Set is ignored.
type MemoryCache struct {
	lru *expirable.LRU[string, string]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = defaultMemorySize
	}
	return &MemoryCache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := c.lru.Get(key)
	return v, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.lru.Add(key, value)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		c.lru.Remove(k)
	}
	return nil
}
