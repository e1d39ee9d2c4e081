package authn

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// roleEntry is a cache value with its own expiry, giving the otherwise
// eviction-only LRU a TTL dimension. Grounded on anasdox-workline's go.mod
// dependency on the same LRU package, here put to direct use for C1's
// per-sub roles/permissions cache.
type roleEntry struct {
	roles       []string
	permissions []string
	expiresAt   time.Time
}

// RoleCache is a process-local, thread-safe LRU-with-TTL cache mapping a
// user subject to the roles/permissions the identity store last reported.
type RoleCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, roleEntry]
	ttl time.Duration
}

func NewRoleCache(size int, ttl time.Duration) *RoleCache {
	c, _ := lru.New[string, roleEntry](size)
	return &RoleCache{lru: c, ttl: ttl}
}

func (c *RoleCache) Get(subject string) (roles, permissions []string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.lru.Get(subject)
	if !found || time.Now().After(entry.expiresAt) {
		return nil, nil, false
	}
	return entry.roles, entry.permissions, true
}

func (c *RoleCache) Set(subject string, roles, permissions []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(subject, roleEntry{
		roles:       roles,
		permissions: permissions,
		expiresAt:   time.Now().Add(c.ttl),
	})
}

func (c *RoleCache) Invalidate(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(subject)
}
