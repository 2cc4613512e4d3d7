// Package cache holds resolved prices keyed by ticker and as-of date.
package cache

import (
	"time"

	"priceresolver/internal/price"
	"priceresolver/internal/shard"
)

// DefaultFreshness is how long a live price is served before it counts as a miss.
const DefaultFreshness = 60 * time.Second

// Cache is a concurrency-safe price store. Historical entries never expire;
// live entries are a miss once older than the freshness window.
type Cache struct {
	entries   *shard.Map[price.Key, price.Record]
	freshness time.Duration
	now       func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty Cache.
func New(freshness time.Duration, opts ...Option) *Cache {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	c := &Cache{
		entries:   shard.New[price.Key, price.Record](shard.DefaultShards, hashKey),
		freshness: freshness,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func hashKey(k price.Key) uint64 {
	return shard.StringHash(k.String())
}

// Get returns the cached record for key if it is present and fresh.
func (c *Cache) Get(key price.Key) (price.Record, bool) {
	rec, ok := c.entries.Load(key)
	if !ok {
		return price.Record{}, false
	}
	if key.AsOf.IsLive() && c.now().Sub(rec.FetchedAt) > c.freshness {
		return price.Record{}, false
	}
	return rec, true
}

// Peek returns the stored record for key regardless of age.
func (c *Cache) Peek(key price.Key) (price.Record, bool) {
	return c.entries.Load(key)
}

// Put stores rec, replacing any previous record for the same key.
func (c *Cache) Put(rec price.Record) {
	c.entries.Store(rec.Key(), rec)
}

// Delete drops the record for key.
func (c *Cache) Delete(key price.Key) bool {
	return c.entries.Delete(key)
}

// GetAllLive returns a copy of every live record, fresh or stale.
// The scheduler uses it as its refresh work list.
func (c *Cache) GetAllLive() []price.Record {
	var out []price.Record
	c.entries.Range(func(k price.Key, rec price.Record) bool {
		if k.AsOf.IsLive() {
			out = append(out, rec)
		}
		return true
	})
	return out
}

// Len returns the number of stored records.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Freshness returns the live-entry freshness window.
func (c *Cache) Freshness() time.Duration {
	return c.freshness
}
