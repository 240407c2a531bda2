// Package geo resolves request geography through a tiered fallback chain
// (trusted edge headers, local/remote providers, language heuristics) with
// a TTL cache in front of the expensive tiers.
package geo

import (
	"sync"
	"time"

	"github.com/koltyakov/visitid/internal/domain"
	"github.com/koltyakov/visitid/internal/ipaddr"
	"github.com/koltyakov/visitid/internal/metrics"
)

// internalCacheKey is the single shared key all private/loopback IPs
// collapse to; caching them individually would be useless cardinality.
const internalCacheKey = "internal"

// minCacheConfidence is the floor below which resolutions are not worth
// remembering: a cached bad guess is worse than a retried lookup.
const minCacheConfidence = 50

// TTL scales with confidence: trustworthy resolutions are stable enough to
// keep for days, shaky ones get retried soon.
const (
	cacheTTLHigh = 7 * 24 * time.Hour // confidence >= 90
	cacheTTLMid  = 72 * time.Hour     // confidence >= 70
	cacheTTLLow  = 24 * time.Hour
)

type cacheEntry struct {
	data      domain.GeoResolution
	timestamp time.Time
	expiresAt time.Time
	hitCount  int
}

// Cache is a bounded TTL cache of geo resolutions keyed by IP class. It is
// safe for concurrent use; a coarse lock is fine since every operation is
// O(1) and replaces a network round-trip.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewCache creates a cache holding at most maxEntries resolutions.
func NewCache(maxEntries int, m *metrics.Metrics) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		metrics:    m,
		now:        time.Now,
	}
}

// CacheKey derives the cache key for an IP: private and loopback addresses
// share one key, public addresses are keyed by their truncated subnet so
// the cache never stores a full client IP.
func CacheKey(ip string) string {
	if ipaddr.IsPrivate(ip) {
		return internalCacheKey
	}
	return ipaddr.Subnet(ip)
}

// TTLFor returns the retention for a resolution of the given confidence.
func TTLFor(confidence int) time.Duration {
	switch {
	case confidence >= 90:
		return cacheTTLHigh
	case confidence >= 70:
		return cacheTTLMid
	default:
		return cacheTTLLow
	}
}

// Get returns the cached resolution for ip, or false on miss or expiry.
// Expired entries are deleted lazily. Hits return a copy re-tagged with
// the cache source so callers can tell it apart from a fresh pass.
func (c *Cache) Get(ip string) (domain.GeoResolution, bool) {
	key := CacheKey(ip)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.metrics.GeoCacheMiss()
		return domain.GeoResolution{}, false
	}
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		c.metrics.GeoCacheMiss()
		return domain.GeoResolution{}, false
	}
	e.hitCount++
	c.metrics.GeoCacheHit()

	data := e.data
	data.Source = domain.GeoSourceCache
	return data, true
}

// Set caches a resolution with a confidence-derived TTL. Resolutions below
// the confidence floor are refused with [domain.ErrLowConfidence].
func (c *Cache) Set(ip string, data domain.GeoResolution) error {
	return c.SetTTL(ip, data, TTLFor(data.Confidence))
}

// SetTTL is like [Cache.Set] with an explicit TTL.
func (c *Cache) SetTTL(ip string, data domain.GeoResolution, ttl time.Duration) error {
	if data.Confidence < minCacheConfidence {
		return domain.ErrLowConfidence
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	key := CacheKey(ip)
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = &cacheEntry{
		data:      data,
		timestamp: now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Sweep removes all expired entries and returns how many were purged. The
// server janitor runs it periodically so one-off IPs cannot accumulate
// between lazy evictions.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	purged := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			purged++
		}
	}
	return purged
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked drops the single entry with the oldest insertion
// timestamp. Access recency is deliberately not tracked; insertion order
// is a good-enough approximation at this cache's scale.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, e := range c.entries {
		if oldestKey == "" || e.timestamp.Before(oldest) {
			oldestKey = key
			oldest = e.timestamp
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
