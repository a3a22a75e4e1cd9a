// Package cache provides a bounded in-process key/value store with
// least-recently-used eviction and per-entry expiry.
package cache

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wolfman30/rental-concierge/internal/observability/metrics"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

const (
	DefaultMaxSize       = 1000
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 15 * time.Minute
)

type entry[V any] struct {
	value      V
	insertedAt time.Time
	expiresAt  time.Time
}

func (e entry[V]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size     int     `json:"size"`
	MaxSize  int     `json:"maxSize"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	Sets     int64   `json:"sets"`
	Deletes  int64   `json:"deletes"`
	HitRate  float64 `json:"hitRate"`
	UptimeMs int64   `json:"uptimeMs"`
}

type options struct {
	name          string
	maxSize       int
	ttl           time.Duration
	sweepInterval time.Duration
	metrics       *metrics.CacheMetrics
	logger        *logging.Logger
	now           func() time.Time
}

// Option customizes a Cache.
type Option func(*options)

// WithName labels the cache in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithMaxSize bounds the number of live entries.
func WithMaxSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSize = n
		}
	}
}

// WithTTL sets the expiry applied when Set is called without an explicit TTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithSweepInterval sets how often Run purges expired entries.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

func WithMetrics(m *metrics.CacheMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Cache is safe for concurrent use. A Get never returns an entry past its
// expiry, whether or not the background sweep has run.
type Cache[V any] struct {
	store *lru.Cache[string, entry[V]]
	opts  options

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64

	startedAt time.Time
}

// New creates a cache with the defaults overridden by opts.
func New[V any](opts ...Option) *Cache[V] {
	o := options{
		name:          "default",
		maxSize:       DefaultMaxSize,
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Default()
	}

	store, err := lru.New[string, entry[V]](o.maxSize)
	if err != nil {
		// only reachable with a non-positive size, which WithMaxSize rejects
		panic("cache: " + err.Error())
	}

	return &Cache[V]{
		store:     store,
		opts:      o,
		startedAt: o.now(),
	}
}

// Name returns the label the cache was created with.
func (c *Cache[V]) Name() string {
	return c.opts.name
}

// Get returns the value for key, counting a hit or miss and refreshing recency.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	e, ok := c.store.Get(key)
	if ok && e.expired(c.opts.now()) {
		c.store.Remove(key)
		c.opts.metrics.ObserveEviction(c.opts.name, "expired", 1)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		c.opts.metrics.ObserveLookup(c.opts.name, false)
		return zero, false
	}
	c.hits.Add(1)
	c.opts.metrics.ObserveLookup(c.opts.name, true)
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key; a non-positive ttl uses the default.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.ttl
	}
	now := c.opts.now()
	evicted := c.store.Add(key, entry[V]{
		value:      value,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	})
	c.sets.Add(1)
	c.opts.metrics.ObserveWrite(c.opts.name, "set")
	if evicted {
		c.opts.metrics.ObserveEviction(c.opts.name, "lru", 1)
	}
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	removed := c.store.Remove(key)
	if removed {
		c.deletes.Add(1)
		c.opts.metrics.ObserveWrite(c.opts.name, "delete")
	}
	return removed
}

// Peek returns a live value without touching counters or recency.
func (c *Cache[V]) Peek(key string) (V, bool) {
	var zero V
	e, ok := c.store.Peek(key)
	if !ok || e.expired(c.opts.now()) {
		return zero, false
	}
	return e.value, true
}

// Has reports whether a live entry exists without touching counters or recency.
func (c *Cache[V]) Has(key string) bool {
	e, ok := c.store.Peek(key)
	return ok && !e.expired(c.opts.now())
}

// FindKeys returns live keys matching a glob pattern ("thread:*", "chat_info:??").
// A malformed pattern matches nothing.
func (c *Cache[V]) FindKeys(pattern string) []string {
	if !doublestar.ValidatePattern(pattern) {
		c.opts.logger.Warn("cache: invalid key pattern", "cache", c.opts.name, "pattern", pattern)
		return nil
	}
	now := c.opts.now()
	var keys []string
	for _, key := range c.store.Keys() {
		if matched, _ := doublestar.Match(pattern, key); !matched {
			continue
		}
		if e, ok := c.store.Peek(key); ok && !e.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// DeletePattern removes every live key matching pattern and returns the count.
func (c *Cache[V]) DeletePattern(pattern string) int {
	removed := 0
	for _, key := range c.FindKeys(pattern) {
		if c.Delete(key) {
			removed++
		}
	}
	if removed > 0 {
		c.opts.logger.Debug("cache pattern delete", "cache", c.opts.name, "pattern", pattern, "removed", removed)
	}
	return removed
}

// Range calls fn for each live entry, oldest first, until fn returns false.
// It does not touch counters or recency.
func (c *Cache[V]) Range(fn func(key string, value V) bool) {
	now := c.opts.now()
	for _, key := range c.store.Keys() {
		e, ok := c.store.Peek(key)
		if !ok || e.expired(now) {
			continue
		}
		if !fn(key, e.value) {
			return
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	return c.store.Len()
}

// Clear drops every entry. Counters are preserved.
func (c *Cache[V]) Clear() {
	c.store.Purge()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = math.Round(float64(hits)/float64(total)*10000) / 100
	}
	return Stats{
		Size:     c.store.Len(),
		MaxSize:  c.opts.maxSize,
		Hits:     hits,
		Misses:   misses,
		Sets:     c.sets.Load(),
		Deletes:  c.deletes.Load(),
		HitRate:  rate,
		UptimeMs: c.opts.now().Sub(c.startedAt).Milliseconds(),
	}
}

// PurgeExpired removes entries whose expiry has passed and returns the count.
func (c *Cache[V]) PurgeExpired() int {
	now := c.opts.now()
	purged := 0
	for _, key := range c.store.Keys() {
		if e, ok := c.store.Peek(key); ok && e.expired(now) {
			if c.store.Remove(key) {
				purged++
			}
		}
	}
	c.opts.metrics.ObserveEviction(c.opts.name, "expired", purged)
	return purged
}

// Run purges expired entries on the sweep interval until ctx is done.
func (c *Cache[V]) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if purged := c.PurgeExpired(); purged > 0 {
				c.opts.logger.Debug("cache sweep", "cache", c.opts.name, "purged", purged, "size", c.store.Len())
			}
		}
	}
}
