package vram

import (
	"sync"
	"time"
)

const defaultCacheTTL = 30 * time.Minute

type cacheEntry struct {
	res   RemoteResult
	err   error
	until time.Time
}

// resultCache memoizes remote estimates by URL. Failures are stored too, so a
// model whose header cannot be read is not fetched again on every listing.
type resultCache struct {
	ttl   time.Duration
	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &resultCache{ttl: ttl, cache: make(map[string]cacheEntry), now: time.Now}
}

func (c *resultCache) get(url string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[url]
	if !ok {
		return cacheEntry{}, false
	}
	if c.now().After(e.until) {
		delete(c.cache, url)
		return cacheEntry{}, false
	}
	return e, true
}

func (c *resultCache) put(url string, res RemoteResult, err error) {
	c.mu.Lock()
	c.cache[url] = cacheEntry{res: res, err: err, until: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
