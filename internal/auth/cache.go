package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL cache of verified keys, so bcrypt runs once per key per
// TTL window.
//
// Stale-while-revalidate: an expired entry is still returned by Get, with
// NeedsRefresh set for exactly one caller until the entry is replaced.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	identity   *Identity
	expiresAt  time.Time
	refreshing atomic.Bool
}

func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, now: time.Now}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Identity     *Identity
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // the entry expired and this caller should refresh it
}

// Get looks up the API key in the cache.
//
//   - Fresh hit:  {Identity, Hit=true,  NeedsRefresh=false}
//   - Stale hit:  {Identity, Hit=true,  NeedsRefresh=true once}
//   - Miss:       {nil,      Hit=false, NeedsRefresh=false}
func (c *AuthCache) Get(apiKey string) GetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return GetResult{}
	}

	entry := val.(*cacheEntry)
	if c.now().Before(entry.expiresAt) {
		return GetResult{Identity: entry.identity, Hit: true}
	}

	return GetResult{
		Identity:     entry.identity,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a verified identity with the configured TTL.
func (c *AuthCache) Set(apiKey string, identity *Identity) {
	c.store.Store(apiKey, &cacheEntry{
		identity:  identity,
		expiresAt: c.now().Add(c.ttl),
	})
}

func (c *AuthCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
