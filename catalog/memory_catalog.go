package catalog

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryCatalog keeps entries in process memory for a fixed TTL, backed by
// go-cache. Entries are keyed by session and file name, so a file appended to
// by several sessions appears once per session.
type MemoryCatalog struct {
	cache *cache.Cache
}

// NewMemoryCatalog returns a catalog whose entries expire after ttl. A ttl of
// zero or less keeps entries until the process exits.
func NewMemoryCatalog(ttl time.Duration) *MemoryCatalog {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}

	cleanup := ttl
	if cleanup == cache.NoExpiration || cleanup > 10*time.Minute {
		cleanup = 10 * time.Minute
	}

	return &MemoryCatalog{cache: cache.New(ttl, cleanup)}
}

// Record implements Catalog.
func (c *MemoryCatalog) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.SetDefault(strconv.FormatUint(uint64(e.SessionID), 10)+"/"+e.Name, e)
	return nil
}

// Recent implements Catalog.
func (c *MemoryCatalog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := c.cache.Items()
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if e, ok := item.Object.(Entry); ok {
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Finished.Equal(entries[j].Finished) {
			return entries[i].SessionID > entries[j].SessionID
		}
		return entries[i].Finished.After(entries[j].Finished)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	return entries, nil
}

// Len returns the number of retained entries.
func (c *MemoryCatalog) Len() int {
	return c.cache.ItemCount()
}
