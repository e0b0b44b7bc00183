package github

import (
	"sync"
	"time"

	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// PullCache remembers the last normalized patch per pull request so that a
// re-listed pull with an unchanged updated_at (the checkpoint boundary, or a
// retried batch) costs no detail calls.
type PullCache struct {
	mu      sync.RWMutex
	entries map[string]*cachedPull
	ttl     time.Duration
}

type cachedPull struct {
	updatedAt time.Time
	patch     *workitem.Patch
	cachedAt  time.Time
}

// NewPullCache creates a new pull cache
func NewPullCache(ttl time.Duration) *PullCache {
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	return &PullCache{
		entries: make(map[string]*cachedPull),
		ttl:     ttl,
	}
}

// Put stores the patch built for key at updatedAt
func (c *PullCache) Put(key string, updatedAt time.Time, p *workitem.Patch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cachedPull{updatedAt: updatedAt, patch: p, cachedAt: time.Now()}
}

// Get returns the cached patch if it was built from the same updated_at and
// has not expired
func (c *PullCache) Get(key string, updatedAt time.Time) (*workitem.Patch, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !e.updatedAt.Equal(updatedAt) || time.Since(e.cachedAt) > c.ttl {
		return nil, false
	}
	return e.patch, true
}

// Delete removes a pull from the cache
func (c *PullCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// CleanExpired removes expired entries
func (c *PullCache) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if time.Since(e.cachedAt) > c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Count returns the number of cached pulls
func (c *PullCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
