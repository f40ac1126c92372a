/*
Package cache provides the in-memory payload cache that fronts blob storage.

BoundedCache maps lookup tokens to payload bytes under two ceilings at once:
a total byte budget and a maximum entry count. Each ceiling has its own
eviction strategy, and each runs only when its own ceiling is breached.

# Eviction

	┌───────────────────────────────┐
	│ Add(key, payload)             │
	└───────────────────────────────┘
	           │
	   len(payload) > MaxBytes? ──── yes ──▶ reject, cache unchanged
	           │ no
	   bytes + len > MaxBytes? ───── yes ──▶ evict by size to MaxBytes - len
	           │
	   entries >= MaxEntries? ────── yes ──▶ evict by age to MaxEntries - 1
	           │
	        insert

Evict-by-size removes the largest remaining entry until the byte target is
met, which frees room with the fewest removals. Evict-by-age removes the least
recently used entry until the count target is met. Both rescan and sort the
whole map; at the intended scale of a few thousand entries this is cheaper
than keeping ordered indexes current on every hit.

PruneSize and PruneAge run the same strategies against the hysteresis target,
90% of the respective ceiling by default.

# Concurrency

One mutex covers the whole admit, evict and insert sequence, so concurrent
Add calls never jointly overshoot a ceiling. Get takes the same lock to
refresh recency. A logical counter orders accesses so entries touched within
the same clock tick still have a strict LRU order.

# Invalidation

The cache holds no durable state. Callers remove entries whose records were
deleted or swept with Invalidate, which is reported separately from pressure
evictions to an optional callback:

	c := cache.NewBounded(cache.Config{MaxBytes: 1 << 30, MaxEntries: 1000},
		cache.WithEvictionCallback(func(key string, size int64, r cache.EvictionReason) {
			collector.RecordEviction(string(r), size)
		}))
*/
package cache
