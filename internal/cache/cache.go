// Package cache provides a TTL cache for resolved best performers so the
// hot serving path avoids a repository round trip per request.
package cache

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkaneda/queryloop/internal/repository"
)

// Entry is a cached best-performer resolution for a group.
type Entry struct {
	Query      *repository.Query
	Evaluation *repository.Evaluation
}

type item struct {
	entry     Entry
	expiresAt time.Time
}

// PerformerCache caches best performers keyed by group ID with a fixed TTL.
type PerformerCache struct {
	mu    sync.RWMutex
	items map[uuid.UUID]item
	ttl   time.Duration
	stop  chan struct{}
}

// New creates a cache with the given TTL and starts a background sweeper.
// Call Close to stop the sweeper.
func New(ttl time.Duration) *PerformerCache {
	c := &PerformerCache{
		items: make(map[uuid.UUID]item),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the cached entry for the group, if present and unexpired.
func (c *PerformerCache) Get(groupID uuid.UUID) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[groupID]
	if !ok || time.Now().After(it.expiresAt) {
		return Entry{}, false
	}
	return it.entry, true
}

// Set stores the entry for the group.
func (c *PerformerCache) Set(groupID uuid.UUID, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[groupID] = item{entry: entry, expiresAt: time.Now().Add(c.ttl)}
}

// Invalidate drops the cached entry for a group. Call after a promotion or
// evaluation deletion so stale performers are not served for a full TTL.
func (c *PerformerCache) Invalidate(groupID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, groupID)
}

// Len returns the number of entries, expired ones included.
func (c *PerformerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// Close stops the background sweeper.
func (c *PerformerCache) Close() {
	close(c.stop)
}

func (c *PerformerCache) sweep() {
	interval := c.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for id, it := range c.items {
				if now.After(it.expiresAt) {
					delete(c.items, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
