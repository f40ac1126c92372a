package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/filecdn/filecdn/pkg/types"
)

var _ types.Cache = (*BoundedCache)(nil)

// DefaultHysteresis is the fraction of a ceiling a default prune reduces usage to.
const DefaultHysteresis = 0.9

// EvictionReason tells an OnEvict callback why an entry left the cache.
type EvictionReason string

const (
	ReasonSize       EvictionReason = "size"
	ReasonAge        EvictionReason = "age"
	ReasonDelete     EvictionReason = "delete"
	ReasonReplace    EvictionReason = "replace"
	ReasonInvalidate EvictionReason = "invalidate"
	ReasonClear      EvictionReason = "clear"
)

// Config represents cache configuration
type Config struct {
	MaxBytes   int64   `yaml:"max_bytes"`
	MaxEntries int     `yaml:"max_entries"`
	Hysteresis float64 `yaml:"hysteresis"`
}

// DefaultConfig returns a 1GB / 1000 entry cache.
func DefaultConfig() Config {
	return Config{
		MaxBytes:   1 << 30,
		MaxEntries: 1000,
		Hysteresis: DefaultHysteresis,
	}
}

type entry struct {
	key            string
	payload        []byte
	size           int64
	lastAccessedAt time.Time
	// touch orders accesses strictly; wall clock readings can tie.
	touch uint64
}

// BoundedCache is an in-memory key to payload map with a byte ceiling and an
// entry ceiling. All methods are safe for concurrent use.
type BoundedCache struct {
	mu         sync.Mutex
	items      map[string]*entry
	totalBytes int64
	clock      uint64

	maxBytes   int64
	maxEntries int
	hysteresis float64

	now     func() time.Time
	onEvict func(key string, size int64, reason EvictionReason)

	stats types.CacheStats
}

// Option configures a BoundedCache.
type Option func(*BoundedCache)

// WithClock overrides the wall clock used for access stamps.
func WithClock(now func() time.Time) Option {
	return func(c *BoundedCache) { c.now = now }
}

// WithEvictionCallback registers fn to run for every removed entry. fn is
// called with the cache lock held and must not call back into the cache.
func WithEvictionCallback(fn func(key string, size int64, reason EvictionReason)) Option {
	return func(c *BoundedCache) { c.onEvict = fn }
}

// NewBounded creates a cache. Non-positive ceilings fall back to DefaultConfig.
func NewBounded(cfg Config, opts ...Option) *BoundedCache {
	def := DefaultConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.Hysteresis <= 0 || cfg.Hysteresis > 1 {
		cfg.Hysteresis = def.Hysteresis
	}

	c := &BoundedCache{
		items:      make(map[string]*entry),
		maxBytes:   cfg.MaxBytes,
		maxEntries: cfg.MaxEntries,
		hysteresis: cfg.Hysteresis,
		now:        time.Now,
		stats:      types.CacheStats{Capacity: cfg.MaxBytes},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add admits payload under key, evicting as needed. It returns false, leaving
// the cache unchanged, when payload alone exceeds the byte ceiling. The cache
// keeps payload without copying it; callers must not modify it afterwards,
// and slices returned by Get must be treated as read-only.
func (c *BoundedCache) Add(key string, payload []byte) bool {
	size := int64(len(payload))
	if size > c.maxBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items[key]; ok {
		c.remove(old, ReasonReplace)
	}
	if c.totalBytes+size > c.maxBytes {
		c.evictBySize(c.maxBytes - size)
	}
	if len(c.items) >= c.maxEntries {
		c.evictByAge(c.maxEntries - 1)
	}

	c.clock++
	c.items[key] = &entry{
		key:            key,
		payload:        payload,
		size:           size,
		lastAccessedAt: c.now(),
		touch:          c.clock,
	}
	c.totalBytes += size
	return true
}

// Get returns the payload under key and refreshes its recency.
func (c *BoundedCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.clock++
	e.touch = c.clock
	e.lastAccessedAt = c.now()
	c.stats.Hits++
	return e.payload, true
}

// Has reports membership without affecting recency.
func (c *BoundedCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Delete removes key and reports whether it was present.
func (c *BoundedCache) Delete(key string) bool {
	return c.drop(key, ReasonDelete)
}

// Invalidate removes key because its durable record is gone.
func (c *BoundedCache) Invalidate(key string) bool {
	return c.drop(key, ReasonInvalidate)
}

func (c *BoundedCache) drop(key string, reason EvictionReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(e, reason)
	return true
}

// Clear removes every entry, reporting each to the eviction callback.
func (c *BoundedCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.items {
		c.remove(e, ReasonClear)
	}
}

// Len returns the number of entries.
func (c *BoundedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the sum of all entry sizes.
func (c *BoundedCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Limits returns the byte and entry ceilings.
func (c *BoundedCache) Limits() (maxBytes int64, maxEntries int) {
	return c.maxBytes, c.maxEntries
}

// PruneSize evicts largest entries until usage is at the hysteresis target.
// It returns the number of entries removed.
func (c *BoundedCache) PruneSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictBySize(int64(float64(c.maxBytes) * c.hysteresis))
}

// PruneAge evicts least recently used entries until the entry count is at the
// hysteresis target. It returns the number of entries removed.
func (c *BoundedCache) PruneAge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictByAge(int(float64(c.maxEntries) * c.hysteresis))
}

// Stats returns a snapshot of cache statistics.
func (c *BoundedCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = c.totalBytes
	s.Entries = len(c.items)
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if c.maxBytes > 0 {
		s.Utilization = float64(c.totalBytes) / float64(c.maxBytes)
	}
	return s
}

// evictBySize removes the largest entries until totalBytes <= target.
// Equal sizes fall back to least recently used first.
func (c *BoundedCache) evictBySize(target int64) int {
	if c.totalBytes <= target {
		return 0
	}
	entries := c.snapshot()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].size != entries[j].size {
			return entries[i].size > entries[j].size
		}
		return entries[i].touch < entries[j].touch
	})

	removed := 0
	for _, e := range entries {
		if c.totalBytes <= target {
			break
		}
		c.remove(e, ReasonSize)
		removed++
	}
	return removed
}

// evictByAge removes the least recently used entries until len <= target.
func (c *BoundedCache) evictByAge(target int) int {
	if target < 0 {
		target = 0
	}
	if len(c.items) <= target {
		return 0
	}
	entries := c.snapshot()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].touch < entries[j].touch
	})

	removed := 0
	for _, e := range entries {
		if len(c.items) <= target {
			break
		}
		c.remove(e, ReasonAge)
		removed++
	}
	return removed
}

func (c *BoundedCache) snapshot() []*entry {
	entries := make([]*entry, 0, len(c.items))
	for _, e := range c.items {
		entries = append(entries, e)
	}
	return entries
}

func (c *BoundedCache) remove(e *entry, reason EvictionReason) {
	delete(c.items, e.key)
	c.totalBytes -= e.size
	if reason == ReasonSize || reason == ReasonAge {
		c.stats.Evictions++
	}
	if c.onEvict != nil {
		c.onEvict(e.key, e.size, reason)
	}
}
