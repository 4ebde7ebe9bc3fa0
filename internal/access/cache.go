package access

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultCacheTTL bounds how long a resolved AuthorizedSet may be served
// without re-resolution, independent of explicit invalidation.
const DefaultCacheTTL = time.Minute

// Cache holds resolved AuthorizedSets per user. Entries are immutable
// snapshots; invalidation never mutates a published set, it only makes
// the entry stale so the next read recomputes. Monotonic version
// counters order invalidations against resolutions: a global counter
// for broad invalidations plus a per-user counter for user-scoped ones.
// A set built before the latest applicable invalidation is never served
// and never stored, even when its Put lands after the invalidation.
type Cache struct {
	version atomic.Uint64

	mu       sync.RWMutex
	entries  map[uuid.UUID]cacheEntry
	userVers map[uuid.UUID]uint64
	ttl      time.Duration
	now      func() time.Time
}

type cacheEntry struct {
	set      *AuthorizedSet
	storedAt time.Time
}

// NewCache creates a cache with the given TTL (<= 0 uses
// DefaultCacheTTL).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		entries:  make(map[uuid.UUID]cacheEntry),
		userVers: make(map[uuid.UUID]uint64),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Version returns the current invalidation version for the user: the
// global counter plus the user's own. Sets resolved now are stamped
// with this value; any later invalidation touching the user changes it.
func (c *Cache) Version(userID uuid.UUID) uint64 {
	c.mu.RLock()
	uv := c.userVers[userID]
	c.mu.RUnlock()
	return c.version.Load() + uv
}

// Get returns the cached set for the user if it is fresh: stored within
// the TTL and not built before the latest invalidation.
func (c *Cache) Get(userID uuid.UUID) (*AuthorizedSet, bool) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	uv := c.userVers[userID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.set.Version != c.version.Load()+uv {
		return nil, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		return nil, false
	}
	return e.set, true
}

// Put stores a freshly resolved set. Sets stamped with an outdated
// version are dropped: an invalidation raced the resolution and the
// result may already be wrong.
func (c *Cache) Put(set *AuthorizedSet) {
	if set == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if set.Version != c.version.Load()+c.userVers[set.UserID] {
		return
	}
	c.entries[set.UserID] = cacheEntry{set: set, storedAt: c.now()}
}

// InvalidateUser drops the entry for a single user and bumps the user's
// version so an in-flight resolution stamped earlier cannot republish
// pre-invalidation state. Used for mutations whose blast radius is one
// explicit share target.
func (c *Cache) InvalidateUser(userID uuid.UUID) {
	c.mu.Lock()
	c.userVers[userID]++
	delete(c.entries, userID)
	c.mu.Unlock()
}

// InvalidateAll marks every cached set stale by bumping the version.
// Used conservatively for organization, membership and document
// mutations, whose affected-user set is not cheaply computable.
// Readers holding an already-returned set keep a consistent snapshot;
// they simply re-resolve on next use.
func (c *Cache) InvalidateAll() {
	c.version.Add(1)
}
