// Package cache memoizes scan reports by normalized request parameters.
//
// Entries expire after a TTL (checked lazily on Get and proactively by Sweep) and
// the least recently used entry is evicted once the cache grows past MaxSize.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
	"github.com/JakeFAU/site-audit-scheduler/internal/clock"
)

// Config bounds the cache.
type Config struct {
	MaxSize       int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 100
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

// Entry is a stored report.
type Entry struct {
	Key       string
	Report    audit.Report
	CachedAt  time.Time
	ExpiresAt time.Time
	Hits      int
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Stats summarises cache effectiveness.
type Stats struct {
	Size      int        `json:"size"`
	MaxSize   int        `json:"max_size"`
	Hits      uint64     `json:"hits"`
	Misses    uint64     `json:"misses"`
	HitRate   float64    `json:"hit_rate"`
	Evictions uint64     `json:"evictions"`
	Oldest    *time.Time `json:"oldest_entry,omitempty"`
	Newest    *time.Time `json:"newest_entry,omitempty"`
}

// Cache is a TTL and LRU bounded report cache. It is safe for concurrent use.
type Cache struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	lru       *simplelru.LRU[string, *Entry]
	hits      uint64
	misses    uint64
	evictions uint64

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
	started  bool
}

// New builds an empty cache.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) (*Cache, error) {
	cfg = cfg.withDefaults()
	lru, err := simplelru.NewLRU[string, *Entry](cfg.MaxSize, nil)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		lru:     lru,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Get returns the cached report for params. An expired entry is removed and counts as a miss.
func (c *Cache) Get(params audit.ScanParams) (audit.Report, bool) {
	key := Key(params)
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		c.misses++
		return audit.Report{}, false
	}
	if e.expired(c.clock.Now()) {
		c.lru.Remove(key)
		c.misses++
		return audit.Report{}, false
	}
	c.lru.Get(key)
	e.Hits++
	c.hits++
	return e.Report, true
}

// Set stores report under params for ttl, or DefaultTTL when ttl is not positive.
func (c *Cache) Set(params audit.ScanParams, report audit.Report, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	key := Key(params)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
	if c.lru.Add(key, &Entry{Key: key, Report: report, CachedAt: now, ExpiresAt: now.Add(ttl)}) {
		c.evictions++
		c.logger.Debug("cache evicted least recently used entry")
	}
}

// Invalidate removes the entry for params and reports whether one existed.
func (c *Cache) Invalidate(params audit.ScanParams) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(Key(params))
}

// InvalidateURL removes every entry whose report URL contains url, ignoring case.
func (c *Cache) InvalidateURL(url string) int {
	needle := strings.ToLower(url)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && strings.Contains(strings.ToLower(e.Report.URL), needle) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Clear drops all entries and resets counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Sweep deletes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && e.expired(now) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats reports counters and the age range of stored entries.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:      c.lru.Len(),
		MaxSize:   c.cfg.MaxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	for _, e := range c.lru.Values() {
		if s.Oldest == nil || e.CachedAt.Before(*s.Oldest) {
			t := e.CachedAt
			s.Oldest = &t
		}
		if s.Newest == nil || e.CachedAt.After(*s.Newest) {
			t := e.CachedAt
			s.Newest = &t
		}
	}
	return s
}

// Start runs Sweep every SweepInterval until Stop is called.
func (c *Cache) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.stopped)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("cache sweep", zap.Int("removed", n))
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the background sweep. It is safe to call without Start and more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.stopped
		}
	})
}
