// Package ratelimit spaces out local audits of the same host with per-host token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
)

const defaultMaxHosts = 1024

// Config holds rate limiter configuration. DefaultRPS <= 0 disables limiting.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// MaxHosts bounds how many host buckets are remembered; the least recently used is dropped.
	MaxHosts int
	// OnWait, when set, receives every non-trivial delay.
	OnWait func(host string, waited time.Duration)
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters *simplelru.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
	onWait   func(string, time.Duration)
}

// New creates a new Limiter.
func New(cfg Config) (*Limiter, error) {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	size := cfg.MaxHosts
	if size <= 0 {
		size = defaultMaxHosts
	}
	lru, err := simplelru.NewLRU[string, *rate.Limiter](size, nil)
	if err != nil {
		return nil, fmt.Errorf("create host lru: %w", err)
	}
	return &Limiter{limiters: lru, rate: r, burst: burst, onWait: cfg.OnWait}, nil
}

// Wait blocks until a token is available for rawURL's host. A context that ends first
// yields ErrResourceExhausted.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	limiter := l.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: host %s rate limit: %w", audit.ErrResourceExhausted, host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.onWait != nil {
		l.onWait(host, waited)
	}
	return nil
}

// Hosts reports how many host buckets are tracked.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiters.Len()
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters.Get(host); ok {
		return limiter
	}
	limiter := rate.NewLimiter(l.rate, l.burst)
	l.limiters.Add(host, limiter)
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
