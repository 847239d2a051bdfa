package cache

import (
	"context"
	"encoding/json"
	"time"
)

// RouteCache is a cache specialised for routing-collaborator responses,
// keyed by the (from, to) coordinate pair of the request.
type RouteCache struct {
	cache      Cache
	defaultTTL time.Duration
}

// CachedRoute is the serialised form of a route computation result.
type CachedRoute struct {
	DistanceMeters float64        `json:"distance_meters"`
	DurationSec    float64        `json:"duration_seconds"`
	Polyline       []CachedLatLon `json:"polyline,omitempty"`
	Fallback       bool           `json:"fallback"`
	ComputedAt     time.Time      `json:"computed_at"`
}

// CachedLatLon is a single waypoint of a cached route polyline.
type CachedLatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NewRouteCache wraps a generic Cache with route-computation semantics.
func NewRouteCache(cache Cache, defaultTTL time.Duration) *RouteCache {
	if defaultTTL <= 0 {
		defaultTTL = 2 * time.Minute
	}
	return &RouteCache{
		cache:      cache,
		defaultTTL: defaultTTL,
	}
}

// Get returns the cached route for the given coordinate pair, if present.
func (rc *RouteCache) Get(ctx context.Context, fromLat, fromLon, toLat, toLon float64) (*CachedRoute, bool, error) {
	key := BuildRouteKey(RouteHash(fromLat, fromLon, toLat, toLon))

	data, err := rc.cache.Get(ctx, key)
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}

	var result CachedRoute
	if err := json.Unmarshal(data, &result); err != nil {
		// Corrupt entry: evict and treat as a miss, best-effort cleanup.
		_ = rc.cache.Delete(ctx, key) //nolint:errcheck
		return nil, false, nil
	}

	return &result, true, nil
}

// Set stores a route computation result, overriding the default TTL when ttl > 0.
func (rc *RouteCache) Set(ctx context.Context, fromLat, fromLon, toLat, toLon float64, result *CachedRoute, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = rc.defaultTTL
	}

	key := BuildRouteKey(RouteHash(fromLat, fromLon, toLat, toLon))
	result.ComputedAt = time.Now()

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	return rc.cache.Set(ctx, key, data, ttl)
}

// Invalidate removes the cached route for a single coordinate pair.
func (rc *RouteCache) Invalidate(ctx context.Context, fromLat, fromLon, toLat, toLon float64) error {
	key := BuildRouteKey(RouteHash(fromLat, fromLon, toLat, toLon))
	return rc.cache.Delete(ctx, key)
}

// InvalidateAll removes every cached route.
func (rc *RouteCache) InvalidateAll(ctx context.Context) (int64, error) {
	return rc.cache.DeleteByPattern(ctx, "route:*")
}
