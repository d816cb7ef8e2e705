package downloader

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CacheEntry holds resolved metadata and its expiry. Entries are replaced
// wholesale on refresh, never mutated in place.
type CacheEntry struct {
	Metadata  SourceMetadata `json:"metadata"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Expired reports whether the entry passed its expiry
func (e CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// MetadataCache memoizes resolved source metadata for a short period so a
// repeated submission of the same locator skips a round of resolution.
// It is never a source of truth: a miss or eviction only costs a
// re-resolution, never incorrect output.
type MetadataCache struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
	hits    int64
	misses  int64

	ttl           time.Duration
	sweepInterval time.Duration
	capacity      int

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewMetadataCache creates a cache with the given default ttl, sweep
// interval and capacity bound. A capacity of zero disables the bound.
func NewMetadataCache(ttl, sweepInterval time.Duration, capacity int, logger *zap.Logger) *MetadataCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataCache{
		entries:       make(map[string]CacheEntry),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		capacity:      capacity,
		stopCh:        make(chan struct{}),
		logger:        logger.Named("cache"),
	}
}

// Get returns the metadata cached for a locator. Expired entries count
// as misses; the sweeper reclaims their memory later.
func (c *MetadataCache) Get(locator string) (SourceMetadata, bool) {
	key := normalizeLocator(locator)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.Expired(now) {
		c.misses++
		return SourceMetadata{}, false
	}
	c.hits++
	return entry.Metadata, true
}

// Put stores metadata for a locator, replacing any previous entry. A
// non-positive ttl falls back to the cache default.
func (c *MetadataCache) Put(locator string, metadata SourceMetadata, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := normalizeLocator(locator)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.capacity > 0 && len(c.entries) >= c.capacity {
		c.evictSoonestLocked()
	}
	c.entries[key] = CacheEntry{Metadata: metadata, ExpiresAt: now.Add(ttl)}
}

// evictSoonestLocked removes the entry closest to expiry to make room.
// Caller holds c.mu.
func (c *MetadataCache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for key, entry := range c.entries {
		if victim == "" || entry.ExpiresAt.Before(soonest) {
			victim = key
			soonest = entry.ExpiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

// Sweep evicts every entry expired as of now and returns how many went
func (c *MetadataCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of entries currently held, expired or not
func (c *MetadataCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cumulative hit and miss counts and the current size
func (c *MetadataCache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}

// Start launches the periodic sweep in a background goroutine
func (c *MetadataCache) Start(ctx context.Context) {
	go c.sweepLoop(ctx)
}

// Stop halts the periodic sweep
func (c *MetadataCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *MetadataCache) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if evicted := c.Sweep(time.Now()); evicted > 0 {
				c.logger.Debug("swept expired entries",
					zap.Int("evicted", evicted),
					zap.Int("remaining", c.Len()))
			}
		}
	}
}

// normalizeLocator canonicalizes a locator for use as a cache key.
// Scheme and host casing carry no meaning, and fragments never reach
// the source, so both are normalized away.
func normalizeLocator(locator string) string {
	trimmed := strings.TrimSpace(locator)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" {
		return trimmed
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	if parsed.Path != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}
	return parsed.String()
}
