package catalog

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how stale a served level config can be.
const DefaultCacheTTL = 5 * time.Minute

// Cache wraps a Store with a TTL cache over level configs. Rates are
// looked up on every payment confirmation; courses change rarely but
// level configs are the hot read.
type Cache struct {
	store Store
	ttl   time.Duration

	mu        sync.RWMutex
	levels    map[int]*LevelConfig
	fetchedAt time.Time
}

// NewCache wraps store with a level-config cache. ttl <= 0 uses
// DefaultCacheTTL.
func NewCache(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{store: store, ttl: ttl}
}

// Level returns the config for one ambassador level, refreshing the
// whole level table when the cache has expired.
func (c *Cache) Level(ctx context.Context, level int) (*LevelConfig, error) {
	c.mu.RLock()
	if time.Since(c.fetchedAt) < c.ttl {
		lc, ok := c.levels[level]
		c.mu.RUnlock()
		if ok {
			cp := *lc
			return &cp, nil
		}
		return nil, ErrLevelNotFound
	}
	c.mu.RUnlock()

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	lc, ok := c.levels[level]
	if !ok {
		return nil, ErrLevelNotFound
	}
	cp := *lc
	return &cp, nil
}

// Invalidate drops the cached levels so the next read refetches.
// Admin level updates call this.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Cache) refresh(ctx context.Context) error {
	all, err := c.store.ListLevels(ctx)
	if err != nil {
		return err
	}
	fresh := make(map[int]*LevelConfig, len(all))
	for _, lc := range all {
		fresh[lc.Level] = lc
	}
	c.mu.Lock()
	c.levels = fresh
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}
