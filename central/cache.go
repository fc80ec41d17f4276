package central

import (
	"sync"
	"time"

	"github.com/bluewire/bluewire"
)

// valueCache is the read-through characteristic value store. Every
// successful read and every notification refreshes it; lookups consult the
// caller's cache policy against the record's age. The cache empties on
// disconnect and on handle release.
type valueCache struct {
	mu   sync.Mutex
	recs map[string]cacheRecord

	now func() time.Time // swapped in tests
}

type cacheRecord struct {
	data []byte
	at   time.Time
}

func newValueCache() *valueCache {
	return &valueCache{
		recs: make(map[string]cacheRecord),
		now:  time.Now,
	}
}

// lookup returns the cached value for key when policy accepts its age.
func (c *valueCache) lookup(key string, policy bluewire.CachePolicy) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recs[key]
	if !ok {
		return nil, false
	}
	if !policy.Accepts(c.now().Sub(rec.at)) {
		return nil, false
	}
	return rec.data, true
}

// store records data for key with a fresh timestamp. The slice is copied so
// later caller mutation cannot corrupt the cache.
func (c *valueCache) store(key string, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	c.recs[key] = cacheRecord{data: cp, at: c.now()}
	c.mu.Unlock()
}

// invalidateAll empties the cache.
func (c *valueCache) invalidateAll() {
	c.mu.Lock()
	c.recs = make(map[string]cacheRecord)
	c.mu.Unlock()
}
