package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// cachePrefix must not overlap the limiter's "search:rl:" keys, which share
// the same Redis.
const cachePrefix = "search:cache:"

// Cache keeps search results in Redis until the index changes.
type Cache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewCache creates a Cache whose entries live for ttl.
func NewCache(rdb redis.UniversalClient, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// Get returns the cached hits for the folded query.
func (c *Cache) Get(ctx context.Context, query string) ([]Entry, bool, error) {
	raw, err := c.rdb.Get(ctx, cachePrefix+query).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("search cache get: %w", err)
	}
	var hits []Entry
	if err := json.Unmarshal(raw, &hits); err != nil {
		return nil, false, fmt.Errorf("search cache decode: %w", err)
	}
	return hits, true, nil
}

// Set caches hits for the folded query.
func (c *Cache) Set(ctx context.Context, query string, hits []Entry) error {
	raw, err := json.Marshal(hits)
	if err != nil {
		return fmt.Errorf("search cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, cachePrefix+query, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("search cache set: %w", err)
	}
	return nil
}

// Flush drops every cached result.
func (c *Cache) Flush(ctx context.Context) error {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, cachePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("search cache scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("search cache flush: %w", err)
	}
	return nil
}
