// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"sync"
	"time"
)

// DefaultCacheTTL is how long a cached decision is trusted.
const DefaultCacheTTL = time.Hour

type cacheEntry struct {
	authorized bool
	at         time.Time
}

// Cache holds authorization decisions. A TTL of zero never expires entries.
type Cache struct {
	entries sync.Map // int64 -> cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a cache. A negative ttl is treated as zero.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if ttl < 0 {
		ttl = 0
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now}
}

// Get returns the cached decision. ok is false on a miss or an expired entry.
func (c *Cache) Get(participant int64) (authorized, ok bool) {
	v, found := c.entries.Load(participant)
	if !found {
		return false, false
	}
	e := v.(cacheEntry)
	if c.ttl > 0 && c.now().Sub(e.at) >= c.ttl {
		c.entries.CompareAndDelete(participant, v)
		return false, false
	}
	return e.authorized, true
}

// Set records a decision.
func (c *Cache) Set(participant int64, authorized bool) {
	c.entries.Store(participant, cacheEntry{authorized: authorized, at: c.now()})
}

// Invalidate drops a participant's entry.
func (c *Cache) Invalidate(participant int64) {
	c.entries.Delete(participant)
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
