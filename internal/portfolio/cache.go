package portfolio

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// PriceCache holds USD prices per mint with a freshness window.
type PriceCache struct {
	shards [numShards]*priceShard
	ttl    time.Duration
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     decimal.Decimal
	source    string
	updatedAt time.Time
}

func NewPriceCache(ttl time.Duration) *PriceCache {
	c := &PriceCache{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

func (c *PriceCache) shard(mint string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(mint))
	return c.shards[h.Sum32()%numShards]
}

func (c *PriceCache) Set(mint string, price decimal.Decimal, source string) {
	s := c.shard(mint)
	s.mu.Lock()
	s.items[mint] = priceEntry{price: price, source: source, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns a price younger than the TTL.
func (c *PriceCache) Get(mint string) (decimal.Decimal, string, bool) {
	s := c.shard(mint)
	s.mu.RLock()
	entry, ok := s.items[mint]
	s.mu.RUnlock()
	if !ok || (c.ttl > 0 && c.now().Sub(entry.updatedAt) > c.ttl) {
		return decimal.Zero, "", false
	}
	return entry.price, entry.source, true
}

func (c *PriceCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup drops entries older than the TTL.
func (c *PriceCache) Cleanup() int {
	if c.ttl <= 0 {
		return 0
	}
	removed := 0
	cutoff := c.now().Add(-c.ttl)
	for _, s := range c.shards {
		s.mu.Lock()
		for mint, entry := range s.items {
			if entry.updatedAt.Before(cutoff) {
				delete(s.items, mint)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
