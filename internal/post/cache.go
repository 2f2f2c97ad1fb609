package post

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache keeps rendered posts and post pages in Redis. A miss or a Redis
// failure is never fatal to the caller.
type Cache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewCache creates a Cache whose entries live for ttl.
func NewCache(rdb redis.UniversalClient, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func postKey(id string) string { return "post:" + id }

func pageKey(page, limit int) string { return fmt.Sprintf("posts:%d:%d", page, limit) }

// Page is a cached page of posts.
type Page struct {
	Posts      []Post `json:"posts"`
	Page       int    `json:"currentPage"`
	TotalPages int    `json:"totalPages"`
	Total      int    `json:"totalPosts"`
}

// GetPost returns the cached post with id. found is false on a miss.
func (c *Cache) GetPost(ctx context.Context, id string) (p Post, found bool, err error) {
	found, err = c.get(ctx, postKey(id), &p)
	return p, found, err
}

// SetPost caches p.
func (c *Cache) SetPost(ctx context.Context, p Post) error {
	return c.set(ctx, postKey(p.ID), p)
}

// GetPage returns a cached page.
func (c *Cache) GetPage(ctx context.Context, page, limit int) (pg Page, found bool, err error) {
	found, err = c.get(ctx, pageKey(page, limit), &pg)
	return pg, found, err
}

// SetPage caches a page.
func (c *Cache) SetPage(ctx context.Context, limit int, pg Page) error {
	return c.set(ctx, pageKey(pg.Page, limit), pg)
}

// Invalidate drops the post with id (when not empty) and every cached page.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	var errs []error
	if id != "" {
		if err := c.rdb.Del(ctx, postKey(id)).Err(); err != nil {
			errs = append(errs, err)
		}
	}

	iter := c.rdb.Scan(ctx, 0, "posts:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := iter.Err(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalidate post cache: %w", err)
	}
	return nil
}

func (c *Cache) get(ctx context.Context, key string, v any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}
