// Package cache wraps a key/value Store with audit-specific keying, TTL
// policy, and fail-open error handling. A cache failure never fails an audit.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/clock/system"
	"github.com/JakeFAU/webaudit/internal/hash/sha256"
	"github.com/JakeFAU/webaudit/internal/metrics"
)

// DefaultTTL is used when Store is called without a positive TTL.
const DefaultTTL = 24 * time.Hour

// Stats summarizes cache effectiveness.
type Stats struct {
	Backend string  `json:"backend"`
	Count   int     `json:"count"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Gateway is the audit-facing cache API.
type Gateway struct {
	store   Store
	backend string
	hasher  audit.Hasher
	clock   audit.Clock
	ttl     time.Duration
	logger  *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithTTL sets the default entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock audit.Clock) Option {
	return func(g *Gateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithBackendName labels the backend in Stats.
func WithBackendName(name string) Option {
	return func(g *Gateway) { g.backend = name }
}

// NewGateway wraps store.
func NewGateway(store Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:   store,
		backend: "memory",
		hasher:  sha256.New(),
		clock:   system.New(),
		ttl:     DefaultTTL,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Key derives the cache key for a normalized URL and the stage set that
// shapes its result.
func (g *Gateway) Key(normalizedURL string, stages []audit.Stage) string {
	return g.hasher.HashParts(normalizedURL, audit.Fingerprint(stages))
}

// TTL returns the default entry lifetime.
func (g *Gateway) TTL() time.Duration {
	return g.ttl
}

// Lookup returns the cached result for key. Expired, undecodable, or
// unreadable entries are reported as misses.
func (g *Gateway) Lookup(ctx context.Context, key string) (audit.Result, bool) {
	entry, err := g.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			g.unavailable("get", key, err)
			metrics.ObserveCacheLookup("error")
		} else {
			metrics.ObserveCacheLookup("miss")
		}
		g.misses.Add(1)
		return audit.Result{}, false
	}
	if entry.Expired(g.clock.Now()) {
		g.remove(ctx, key)
		g.misses.Add(1)
		metrics.ObserveCacheLookup("miss")
		return audit.Result{}, false
	}
	var result audit.Result
	if err := json.Unmarshal(entry.Value, &result); err != nil {
		g.unavailable("decode", key, err)
		g.remove(ctx, key)
		g.misses.Add(1)
		metrics.ObserveCacheLookup("error")
		return audit.Result{}, false
	}
	g.hits.Add(1)
	metrics.ObserveCacheLookup("hit")
	return result, true
}

// Store saves result under key. ttl <= 0 uses the default TTL. Failures are
// logged and swallowed.
func (g *Gateway) Store(ctx context.Context, key string, result audit.Result, ttl time.Duration) {
	if ttl <= 0 {
		ttl = g.ttl
	}
	value, err := json.Marshal(result)
	if err != nil {
		g.unavailable("encode", key, err)
		return
	}
	now := g.clock.Now()
	entry := Entry{Key: key, Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)}
	if err := g.store.Put(ctx, entry); err != nil {
		g.unavailable("put", key, err)
	}
}

// Invalidate removes key.
func (g *Gateway) Invalidate(ctx context.Context, key string) {
	g.remove(ctx, key)
}

// Stats reports the entry count and hit rate since startup. The count is -1
// when the store cannot be reached.
func (g *Gateway) Stats(ctx context.Context) Stats {
	hits, misses := g.hits.Load(), g.misses.Load()
	stats := Stats{Backend: g.backend, Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	count, err := g.store.Count(ctx)
	if err != nil {
		g.unavailable("count", "", err)
		count = -1
	}
	stats.Count = count
	return stats
}

// Cleanup removes expired entries and returns how many were deleted.
func (g *Gateway) Cleanup(ctx context.Context) int {
	n, err := g.store.DeleteExpired(ctx, g.clock.Now())
	if err != nil {
		g.unavailable("cleanup", "", err)
		return 0
	}
	if n > 0 {
		g.logger.Info("removed expired cache entries", zap.Int("removed", n))
	}
	return n
}

// Clear removes every entry and returns how many were deleted.
func (g *Gateway) Clear(ctx context.Context) int {
	n, err := g.store.Clear(ctx)
	if err != nil {
		g.unavailable("clear", "", err)
		return 0
	}
	return n
}

// Ping checks the backing store.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}
	return nil
}

// Run deletes expired entries every interval until ctx is done.
func (g *Gateway) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Cleanup(ctx)
		}
	}
}

func (g *Gateway) remove(ctx context.Context, key string) {
	if err := g.store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		g.unavailable("delete", key, err)
	}
}

func (g *Gateway) unavailable(op, key string, err error) {
	cacheErr := &audit.CacheUnavailableError{Op: op, Err: err}
	g.logger.Warn("cache unavailable; continuing without cache",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(cacheErr),
	)
}
