package codelink

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// EvictionReason explains why a cache entry was removed or overwritten.
type EvictionReason int

// Eviction reasons reported to the OnEvict callback.
const (
	ReasonExpired EvictionReason = iota
	ReasonLRU
	ReasonReplaced
	ReasonCleared
)

func (r EvictionReason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonLRU:
		return "lru"
	case ReasonReplaced:
		return "replaced"
	case ReasonCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// EvictionFunc observes cache evictions. It is called outside the cache
// lock, after the entry is gone.
type EvictionFunc func(method string, reason EvictionReason)

// CacheConfig configures a Cache.
type CacheConfig struct {
	// MaxEntries bounds the entry count.
	MaxEntries int
	// MemoryLimit bounds the cumulative size estimate in bytes.
	MemoryLimit int64
	// MaxEntrySize is the per-entry ceiling; larger values are not stored.
	MaxEntrySize int64
	// DefaultTTL applies to entries stored with Set. Zero means entries
	// stored with Set never expire.
	DefaultTTL time.Duration
	// CleanupInterval paces the background sweep of expired entries.
	CleanupInterval time.Duration
	// OnEvict, if set, observes every eviction.
	OnEvict EvictionFunc
}

const (
	fallbackCacheMaxEntries  = 100
	fallbackCacheMemoryLimit = 10 << 20
	fallbackCacheEntrySize   = 1 << 20
	fallbackCacheSweep       = time.Minute

	cacheEntryOverhead = 64
	maxCanonicalDepth  = 10
)

// CacheStats is a point-in-time snapshot of cache occupancy and lifetime
// hit/miss/eviction counters.
type CacheStats struct {
	Entries   int
	Memory    int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache memoizes values keyed by method name and canonicalized parameters.
// It holds entry count and estimated memory within configured bounds by
// evicting in strict least-recently-used order, and expires entries lazily
// on access plus periodically in a background sweep.
type Cache struct {
	cfg    CacheConfig
	logger *slog.Logger

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
	memory  int64
	stats   CacheStats

	done     chan struct{}
	stopOnce sync.Once
}

type cacheEntry struct {
	key         string
	method      string
	value       any
	size        int64
	createdAt   time.Time
	expiresAt   time.Time
	lastAccess  time.Time
	accessCount uint64
}

type evictionEvent struct {
	method string
	reason EvictionReason
}

// NewCache builds a cache with the given configuration and starts its
// background sweep. A nil logger falls back to slog.Default.
func NewCache(cfg CacheConfig, logger *slog.Logger) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = fallbackCacheMaxEntries
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = fallbackCacheMemoryLimit
	}
	if cfg.MaxEntrySize <= 0 {
		cfg.MaxEntrySize = fallbackCacheEntrySize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = fallbackCacheSweep
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "cache")),
		order:   list.New(),
		entries: make(map[string]*list.Element),
		done:    make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

// Close stops the background sweep. The cache remains usable afterwards but
// expired entries are then only removed lazily.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// Get returns the cached value for method and params. Expired entries are
// removed and reported as misses.
func (c *Cache) Get(method string, params map[string]any) (any, bool) {
	key := cacheKey(method, params)
	now := time.Now()

	c.mu.Lock()
	elem, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		c.mu.Unlock()
		return nil, false
	}

	e := elem.Value.(*cacheEntry)
	if e.expired(now) {
		c.remove(elem)
		c.stats.Evictions++
		c.stats.Misses++
		c.mu.Unlock()
		c.emit([]evictionEvent{{method: e.method, reason: ReasonExpired}})
		return nil, false
	}

	c.order.MoveToFront(elem)
	e.lastAccess = now
	e.accessCount++
	c.stats.Hits++
	value := e.value
	c.mu.Unlock()

	return value, true
}

// Set stores value under method and params with the default TTL.
func (c *Cache) Set(method string, params map[string]any, value any) {
	c.SetWithTTL(method, params, value, c.cfg.DefaultTTL)
}

// SetWithTTL stores value with an explicit TTL; ttl <= 0 means no expiry.
// Values beyond the per-entry ceiling or the whole-cache memory limit are
// dropped without error.
func (c *Cache) SetWithTTL(method string, params map[string]any, value any, ttl time.Duration) {
	key := cacheKey(method, params)
	size := estimateSize(value, 0) + int64(len(key)) + cacheEntryOverhead
	if size > c.cfg.MaxEntrySize || size > c.cfg.MemoryLimit {
		c.logger.Debug("value too large to cache",
			slog.String("method", method),
			slog.Int64("size", size))
		return
	}

	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	var events []evictionEvent

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*cacheEntry)
		c.memory += size - e.size
		e.value = value
		e.size = size
		e.createdAt = now
		e.expiresAt = expiresAt
		e.lastAccess = now
		c.order.MoveToFront(elem)
		events = append(events, evictionEvent{method: method, reason: ReasonReplaced})
	} else {
		e := &cacheEntry{
			key:        key,
			method:     method,
			value:      value,
			size:       size,
			createdAt:  now,
			expiresAt:  expiresAt,
			lastAccess: now,
		}
		c.entries[key] = c.order.PushFront(e)
		c.memory += size
	}

	for c.order.Len() > 0 && (c.memory > c.cfg.MemoryLimit || c.order.Len() > c.cfg.MaxEntries) {
		tail := c.order.Back()
		e := tail.Value.(*cacheEntry)
		c.remove(tail)
		c.stats.Evictions++
		events = append(events, evictionEvent{method: e.method, reason: ReasonLRU})
	}
	c.mu.Unlock()

	c.emit(events)
}

// Invalidate removes entries whose method matches the glob pattern. An
// empty pattern removes everything. It returns the number of entries
// removed.
func (c *Cache) Invalidate(pattern string) (int, error) {
	var matcher glob.Glob
	if pattern != "" {
		g, err := glob.Compile(pattern)
		if err != nil {
			return 0, fmt.Errorf("compile pattern: %w", err)
		}
		matcher = g
	}

	var events []evictionEvent

	c.mu.Lock()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*cacheEntry)
		if matcher == nil || matcher.Match(e.method) {
			c.remove(elem)
			c.stats.Evictions++
			events = append(events, evictionEvent{method: e.method, reason: ReasonCleared})
		}
		elem = next
	}
	c.mu.Unlock()

	c.emit(events)
	return len(events), nil
}

// Cleanup removes every expired entry and returns how many were removed.
// The background sweep calls this on the configured interval.
func (c *Cache) Cleanup() int {
	now := time.Now()
	var events []evictionEvent

	c.mu.Lock()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*cacheEntry)
		if e.expired(now) {
			c.remove(elem)
			c.stats.Evictions++
			events = append(events, evictionEvent{method: e.method, reason: ReasonExpired})
		}
		elem = next
	}
	c.mu.Unlock()

	c.emit(events)
	return len(events)
}

// Stats returns a snapshot of cache occupancy and counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = c.order.Len()
	stats.Memory = c.memory
	return stats
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := c.Cleanup(); removed > 0 {
				c.logger.Debug("swept expired entries", slog.Int("removed", removed))
			}
		case <-c.done:
			return
		}
	}
}

// remove must be called with the lock held.
func (c *Cache) remove(elem *list.Element) {
	e := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, e.key)
	c.memory -= e.size
}

// emit runs the eviction callback outside the lock.
func (c *Cache) emit(events []evictionEvent) {
	if c.cfg.OnEvict == nil {
		return
	}
	for _, ev := range events {
		c.cfg.OnEvict(ev.method, ev.reason)
	}
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// cacheKey derives a fixed-length digest from the method name and a
// canonical rendering of the parameters, so equal parameter sets map to the
// same entry regardless of map iteration order.
func cacheKey(method string, params map[string]any) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(0)
	writeCanonical(&b, params, 0)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// writeCanonical renders v deterministically: object keys sorted, nesting
// truncated beyond maxCanonicalDepth.
func writeCanonical(b *strings.Builder, v any, depth int) {
	if depth > maxCanonicalDepth {
		b.WriteByte('#')
		return
	}

	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case string:
		b.WriteString(strconv.Quote(val))
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item, depth+1)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeCanonical(b, val[k], depth+1)
		}
		b.WriteByte('}')
	default:
		fmt.Fprintf(b, "%v", val)
	}
}

// estimateSize approximates the in-memory footprint of a cached value.
func estimateSize(v any, depth int) int64 {
	if depth > maxCanonicalDepth {
		return 8
	}

	switch val := v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	case json.RawMessage:
		return int64(len(val))
	case float64, int, int64, uint64:
		return 8
	case []any:
		var total int64
		for _, item := range val {
			total += estimateSize(item, depth+1) + 8
		}
		return total
	case map[string]any:
		var total int64
		for k, item := range val {
			total += int64(len(k)) + estimateSize(item, depth+1) + 16
		}
		return total
	default:
		return int64(len(fmt.Sprint(val)))
	}
}
