package cache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/skycast/internal/metrics"
)

// FetchFunc produces the payload for a key on a cache miss, typically by
// calling the weather provider.
type FetchFunc func(ctx context.Context) ([]byte, error)

// WeatherCache fronts a Store with per-key duplicate-fetch suppression:
// concurrent callers racing on the same uncached key share one upstream fetch
// while distinct keys proceed independently.
type WeatherCache struct {
	store   Store
	ttl     time.Duration
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewWeatherCache wraps a backend store. The logger and recorder may be nil.
func NewWeatherCache(store Store, ttl time.Duration, logger *slog.Logger, rec *metrics.Recorder) *WeatherCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &WeatherCache{
		store:   store,
		ttl:     ttl,
		logger:  logger,
		metrics: rec,
	}
}

// GetOrFetch returns the live cached payload for key, or invokes fetch and
// caches the successful result. Fetch failures propagate unchanged and are
// never cached. The second return value reports whether the payload came from
// the cache.
func (c *WeatherCache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) ([]byte, bool, error) {
	if payload, ok := c.lookup(ctx, key); ok {
		return payload, true, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		// A caller that lost the lookup race may arrive just after the
		// winner stored its result; re-checking avoids a redundant fetch.
		if payload, ok := c.lookup(ctx, key); ok {
			return payload, nil
		}
		payload, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.insert(ctx, key, payload)
		return payload, nil
	})
	if err != nil {
		return nil, false, err
	}
	return result.([]byte), false, nil
}

// Size reports the number of live entries in the backend.
func (c *WeatherCache) Size(ctx context.Context) (int64, error) {
	return c.store.Size(ctx)
}

// Clear drops every cached entry.
func (c *WeatherCache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// Close releases the backend.
func (c *WeatherCache) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

func (c *WeatherCache) lookup(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	entry, ok, err := c.store.Lookup(ctx, key)
	if err != nil {
		// Backend trouble degrades to a miss; the fetch path still works.
		c.metrics.ObserveCacheLookup(metrics.CacheLookupError, time.Since(start))
		if c.logger != nil {
			c.logger.Warn("cache lookup failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	if !ok {
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
		return nil, false
	}
	c.metrics.ObserveCacheLookup(metrics.CacheLookupHit, time.Since(start))
	return entry.Payload, true
}

func (c *WeatherCache) insert(ctx context.Context, key string, payload []byte) {
	now := time.Now().UTC()
	entry := Entry{
		Payload:   payload,
		StoredAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	start := time.Now()
	if err := c.store.Insert(ctx, key, entry); err != nil {
		c.metrics.ObserveCacheStore(metrics.CacheStoreError, time.Since(start))
		if c.logger != nil {
			c.logger.Warn("cache store failed", slog.String("key", key), slog.Any("error", err))
		}
		return
	}
	c.metrics.ObserveCacheStore(metrics.CacheStoreStored, time.Since(start))
}
