package materials

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached remembers resolved materials for ttl. Misses always reach the
// wrapped lookup so newly added materials become visible immediately.
type Cached struct {
	next   Lookup
	cache  *expirable.LRU[string, Material]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCached wraps next with an LRU of size entries.
func NewCached(next Lookup, size int, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, Material](size, nil, ttl),
	}
}

// FindByIDs implements Lookup.
func (c *Cached) FindByIDs(ctx context.Context, ids []string) ([]Material, error) {
	ids = dedupe(ids)
	found := make(map[string]Material, len(ids))
	var missing []string
	for _, id := range ids {
		if m, ok := c.cache.Get(id); ok {
			found[id] = m
			c.hits.Add(1)
			continue
		}
		c.misses.Add(1)
		missing = append(missing, id)
	}
	if len(missing) > 0 {
		fetched, err := c.next.FindByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, m := range fetched {
			c.cache.Add(m.ID, m)
			found[m.ID] = m
		}
	}
	return order(ids, found), nil
}

// Stats returns cumulative cache hits and misses.
func (c *Cached) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Close closes the wrapped lookup.
func (c *Cached) Close() error { return c.next.Close() }
