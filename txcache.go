package main

import (
	"sync"
	"time"
)

// cachedTx stores one explorer lookup result.
type cachedTx struct {
	Tx        *ExplorerTx
	CachedAt  time.Time
	ExpiresAt time.Time
}

// TxLookupCache provides thread-safe, short-TTL caching of explorer
// transaction lookups. The upstream API is rate limited, and a payer retrying
// the verify endpoint typically asks about the same transaction id; serving
// the repeat from cache keeps the retry from burning the upstream budget.
type TxLookupCache struct {
	mu         sync.RWMutex
	entries    map[string]*cachedTx
	maxEntries int
	ttl        time.Duration
}

// NewTxLookupCache creates a cache with default settings.
func NewTxLookupCache() *TxLookupCache {
	return &TxLookupCache{
		entries:    make(map[string]*cachedTx),
		maxEntries: 1000,
		ttl:        30 * time.Second,
	}
}

// Get returns the cached transaction for id, or nil if absent or expired.
func (c *TxLookupCache) Get(id string) *ExplorerTx {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[id]
	if !exists {
		return nil
	}
	if time.Now().After(entry.ExpiresAt) {
		return nil
	}
	return entry.Tx
}

// Set stores a lookup result under id, evicting the oldest entry when full.
func (c *TxLookupCache) Set(id string, tx *ExplorerTx) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range c.entries {
			if oldestKey == "" || v.CachedAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.CachedAt
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
		}
	}

	now := time.Now()
	c.entries[id] = &cachedTx{
		Tx:        tx,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
}

// CleanupExpired removes expired entries and returns how many were removed.
func (c *TxLookupCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for k, v := range c.entries {
		if now.After(v.ExpiresAt) {
			delete(c.entries, k)
			cleaned++
		}
	}
	return cleaned
}

// Len returns the current number of cached lookups.
func (c *TxLookupCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
