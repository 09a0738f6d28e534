package analytics

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Cache stores serialized aggregates under explicit keys.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CacheHooks are optional callbacks for cache observability.
type CacheHooks struct {
	OnHit   func(kind string)
	OnMiss  func(kind string)
	OnError func(kind string)
}

const (
	DefaultCacheTTL    = time.Minute
	DefaultGranularity = time.Minute
)

// CachedAggregator fronts an Aggregator with a TTL cache keyed by window and
// group-by. Keys use window bounds truncated to Granularity so requests for
// "now" share entries; misses are computed over the window as requested.
// Cache failures fall through to a direct computation.
type CachedAggregator struct {
	agg         *Aggregator
	cache       Cache
	ttl         time.Duration
	granularity time.Duration
	logger      log.Logger
	hooks       CacheHooks
}

// NewCachedAggregator wraps agg. Zero ttl and granularity use the defaults.
func NewCachedAggregator(agg *Aggregator, cache Cache, ttl, granularity time.Duration, logger log.Logger, hooks CacheHooks) *CachedAggregator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &CachedAggregator{
		agg:         agg,
		cache:       cache,
		ttl:         ttl,
		granularity: granularity,
		logger:      logger,
		hooks:       hooks,
	}
}

// Normalize truncates w to the cache granularity. The result is only a cache
// key and may be empty when w lies within one granule.
func (c *CachedAggregator) Normalize(w Window) Window {
	return Window{Start: w.Start.UTC().Truncate(c.granularity), End: w.End.UTC().Truncate(c.granularity)}
}

// Key is the invalidation key for a window and group-by.
func Key(kind string, w Window, groupBy GroupBy) string {
	k := kind + ":" + strconv.FormatInt(w.Start.Unix(), 10) + ":" + strconv.FormatInt(w.End.Unix(), 10)
	if groupBy != GroupNone {
		k += ":" + string(groupBy)
	}
	return k
}

// Dashboard returns dashboard metrics for w, cached per normalized window.
func (c *CachedAggregator) Dashboard(ctx context.Context, w Window) (*DashboardMetrics, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	var out DashboardMetrics
	err := c.cached(ctx, "dashboard", Key("dashboard", c.Normalize(w), GroupNone), &out, func() (any, error) {
		return c.agg.Dashboard(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PopulationAnalytics returns the summary for w and groupBy, cached per
// normalized window.
func (c *CachedAggregator) PopulationAnalytics(ctx context.Context, w Window, groupBy GroupBy) (*Summary, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	var out Summary
	err := c.cached(ctx, "population", Key("population", c.Normalize(w), groupBy), &out, func() (any, error) {
		return c.agg.PopulationAnalytics(ctx, w, groupBy)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Invalidate drops the cached entries for w and groupBy.
func (c *CachedAggregator) Invalidate(ctx context.Context, w Window, groupBy GroupBy) error {
	w = c.Normalize(w)
	if err := c.cache.Delete(ctx, Key("dashboard", w, GroupNone)); err != nil {
		return err
	}
	return c.cache.Delete(ctx, Key("population", w, groupBy))
}

// cached decodes the entry at key into out, or computes, stores and decodes it.
func (c *CachedAggregator) cached(ctx context.Context, kind, key string, out any, compute func() (any, error)) error {
	if b, ok, err := c.cache.Get(ctx, key); err != nil {
		c.cacheError(ctx, kind, key, err)
	} else if ok {
		if err := json.Unmarshal(b, out); err == nil {
			if c.hooks.OnHit != nil {
				c.hooks.OnHit(kind)
			}
			return nil
		}
		c.cacheError(ctx, kind, key, err)
	}
	if c.hooks.OnMiss != nil {
		c.hooks.OnMiss(kind)
	}

	v, err := compute()
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.cache.Set(ctx, key, b, c.ttl); err != nil {
		c.cacheError(ctx, kind, key, err)
	}
	return json.Unmarshal(b, out)
}

func (c *CachedAggregator) cacheError(ctx context.Context, kind, key string, err error) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(kind)
	}
	c.logger.Warn(ctx, "analytics cache unavailable, computing directly", "kind", kind, "key", key, "err", err)
}

var _ Service = (*CachedAggregator)(nil)
