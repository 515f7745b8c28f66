package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKey is the list that holds encoded entries.
	DefaultRedisKey = "genie-upload:recent"
	// DefaultMaxEntries caps the length of the redis list.
	DefaultMaxEntries = 1000
)

// RedisCatalog stores entries as JSON in a capped redis list, newest first,
// so several daemons and the recent subcommand can share one view.
type RedisCatalog struct {
	client     *redis.Client
	key        string
	maxEntries int64
	ttl        time.Duration
}

// NewRedisCatalog returns a catalog writing to the list key. The list is
// trimmed to maxEntries and its expiry refreshed to ttl on every Record; a ttl
// of zero or less leaves the list without expiry.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	cat := NewRedisCatalog(client, DefaultRedisKey, DefaultMaxEntries, 24*time.Hour)
func NewRedisCatalog(client *redis.Client, key string, maxEntries int64, ttl time.Duration) *RedisCatalog {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	return &RedisCatalog{
		client:     client,
		key:        key,
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Record implements Catalog.
func (c *RedisCatalog) Record(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, c.key, data)
	pipe.LTrim(ctx, c.key, 0, c.maxEntries-1)
	if c.ttl > 0 {
		pipe.Expire(ctx, c.key, c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record error: %w", err)
	}

	return nil
}

// Recent implements Catalog.
func (c *RedisCatalog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	values, err := c.client.LRange(ctx, c.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange error: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// Close closes the underlying redis client.
func (c *RedisCatalog) Close() error {
	return c.client.Close()
}
