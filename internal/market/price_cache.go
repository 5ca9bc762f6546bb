package market

import (
	"sync"
	"time"
)

// CachedPrice holds a last-trade price with its update timestamp
type CachedPrice struct {
	Price     float64
	UpdatedAt time.Time
}

// PriceCache provides thread-safe caching of live prices fed by the
// websocket stream. The control loop only reads from it and falls back to a
// provider call when an entry is missing or stale.
type PriceCache struct {
	prices   sync.Map // instrument -> *CachedPrice
	staleAge time.Duration

	statsMu   sync.Mutex
	hitCount  int64
	missCount int64
}

// NewPriceCache creates a cache whose entries go stale after staleAge
func NewPriceCache(staleAge time.Duration) *PriceCache {
	if staleAge <= 0 {
		staleAge = 30 * time.Second
	}
	return &PriceCache{staleAge: staleAge}
}

// Get returns the cached price for an instrument, or false when the entry
// is missing or stale
func (c *PriceCache) Get(instrument string) (float64, bool) {
	if val, ok := c.prices.Load(instrument); ok {
		cached := val.(*CachedPrice)
		if time.Since(cached.UpdatedAt) < c.staleAge {
			c.recordHit()
			return cached.Price, true
		}
	}
	c.recordMiss()
	return 0, false
}

// Update stores a price from the stream
func (c *PriceCache) Update(instrument string, price float64) {
	c.prices.Store(instrument, &CachedPrice{Price: price, UpdatedAt: time.Now()})
}

// Stats returns cache hit/miss counters
func (c *PriceCache) Stats() (hits, misses int64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.hitCount, c.missCount
}

func (c *PriceCache) recordHit() {
	c.statsMu.Lock()
	c.hitCount++
	c.statsMu.Unlock()
}

func (c *PriceCache) recordMiss() {
	c.statsMu.Lock()
	c.missCount++
	c.statsMu.Unlock()
}
