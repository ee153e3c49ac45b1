package fetch

import (
	"strings"
	"sync"
	"time"
)

// CookieEntry is one cached Cookie header value for a domain group.
type CookieEntry struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the entry has passed its TTL.
func (e CookieEntry) Expired() bool {
	return time.Now().After(e.ExpiresAt)
}

// CookieCache holds short-lived Cookie header values keyed by domain group.
// Entries carry their own expiry; a short TTL tolerates session rotation
// without refetching cookies on every request.
type CookieCache struct {
	mu      sync.RWMutex
	entries map[string]CookieEntry
	ttl     time.Duration
}

const defaultCookieTTL = 90 * time.Second

// NewCookieCache creates a cache with the given default TTL.
func NewCookieCache(ttl time.Duration) *CookieCache {
	if ttl <= 0 {
		ttl = defaultCookieTTL
	}
	return &CookieCache{
		entries: make(map[string]CookieEntry),
		ttl:     ttl,
	}
}

// Get returns the cached Cookie header for a domain group, if fresh.
func (c *CookieCache) Get(group string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[group]
	c.mu.RUnlock()
	if !ok || entry.Expired() {
		return "", false
	}
	return entry.Value, true
}

// Set stores a Cookie header value with the default TTL.
func (c *CookieCache) Set(group, value string) {
	c.SetWithTTL(group, value, c.ttl)
}

// SetWithTTL stores a Cookie header value with an explicit TTL. Solver-proven
// session cookies use a longer TTL than ambient ones.
func (c *CookieCache) SetWithTTL(group, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[group] = CookieEntry{
		Value:     value,
		ExpiresAt: time.Now().Add(ttl),
	}
}

// Merge folds name=value pairs into the existing header for a group,
// replacing cookies with the same name.
func (c *CookieCache) Merge(group string, pairs map[string]string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make(map[string]string)
	if existing, ok := c.entries[group]; ok && !existing.Expired() {
		for _, part := range strings.Split(existing.Value, "; ") {
			if name, value, found := strings.Cut(part, "="); found {
				merged[name] = value
			}
		}
	}
	for name, value := range pairs {
		merged[name] = value
	}

	parts := make([]string, 0, len(merged))
	for name, value := range merged {
		parts = append(parts, name+"="+value)
	}
	c.entries[group] = CookieEntry{
		Value:     strings.Join(parts, "; "),
		ExpiresAt: time.Now().Add(ttl),
	}
}

// Invalidate drops the entry for a domain group.
func (c *CookieCache) Invalidate(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, group)
}

// Sweep removes expired entries and returns how many were dropped.
func (c *CookieCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for group, entry := range c.entries {
		if entry.Expired() {
			delete(c.entries, group)
			dropped++
		}
	}
	return dropped
}
