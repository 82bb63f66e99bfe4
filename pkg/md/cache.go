package md

import (
	"sync"
	"time"
)

// DefaultSeriesTTL is how long a fetched series stays fresh.
const DefaultSeriesTTL = 300 * time.Second

type ttlEntry[V any] struct {
	value    V
	storedAt time.Time
}

// TTLCache is a key -> (timestamp, value) store with expiry checked on read.
// There is no sweeper; expired entries are simply treated as absent and
// overwritten by the next Put.
type TTLCache[K comparable, V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[K]ttlEntry[V]
}

func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	if ttl <= 0 {
		ttl = DefaultSeriesTTL
	}
	return &TTLCache[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]ttlEntry[V]),
	}
}

// Get returns the stored value if it has not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores the value, replacing both value and timestamp for an existing key.
func (c *TTLCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry[V]{value: value, storedAt: c.now()}
}

// Len counts live (possibly expired but unswept) entries. Debug use only.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type quoteEntry struct {
	quote    Quote
	storedAt time.Time
}

// QuoteCache holds the last-known-good quote per instrument. The feed
// manager writes it from the pump goroutine; any goroutine may read it.
type QuoteCache struct {
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]quoteEntry
}

func NewQuoteCache() *QuoteCache {
	return &QuoteCache{
		now:     time.Now,
		entries: make(map[string]quoteEntry),
	}
}

// Put overwrites the entry unconditionally; last write wins.
func (c *QuoteCache) Put(q Quote) {
	c.mu.Lock()
	c.entries[q.Instrument] = quoteEntry{quote: q, storedAt: c.now()}
	c.mu.Unlock()
}

// Get returns the last quote regardless of age.
func (c *QuoteCache) Get(instrument string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[instrument]
	return e.quote, ok
}

// GetFresh returns the last quote only if it was stored within maxAge.
func (c *QuoteCache) GetFresh(instrument string, maxAge time.Duration) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[instrument]
	if !ok || c.now().Sub(e.storedAt) >= maxAge {
		return Quote{}, false
	}
	return e.quote, true
}

// Clear drops every entry.
func (c *QuoteCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]quoteEntry)
	c.mu.Unlock()
}
