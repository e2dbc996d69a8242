// Package cache provides the expiring key/value store backing per-channel
// reminder debouncing.
package cache

import (
	"sync"
	"time"
)

// Expiring is the collaborator interface: set a key with a TTL, read it back
// until it expires.
type Expiring interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
}

// TTL is an in-process Expiring implementation.
type TTL struct {
	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	value     string
	expiresAt time.Time
}

// NewTTL creates an empty TTL cache.
func NewTTL() *TTL {
	return &TTL{entries: map[string]entry{}}
}

// Get returns the value for key if present and not expired. Expired entries
// are removed lazily on read.
func (c *TTL) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

// Set stores value under key for ttl.
func (c *TTL) Set(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
}
