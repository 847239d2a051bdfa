// Package routing is the Dispatch Core's C2 component: it calls the
// external route-computation collaborator, caches results by coordinate
// pair, and falls back to a straight-line estimate through a circuit
// breaker so that route computation never blocks or errors the caller.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"dispatchcore/internal/geo"
	"dispatchcore/pkg/cache"
	"dispatchcore/pkg/logger"
	"dispatchcore/pkg/otelient"
)

// AssumedSpeedMps is the straight-line fallback's travel speed (~50 km/h),
// used to turn a fallback distance into a duration estimate. Also used by
// httpapi's position-estimation route to turn elapsed route time into a
// traveled distance when no fresher telemetry sample is available.
const AssumedSpeedMps = 13.89

// Result is a computed or estimated route.
type Result struct {
	Waypoints    []geo.Point
	DistanceM    float64
	DurationS    float64
	Source       string
	IsFallback   bool
	CalculatedAt time.Time
}

// Config configures the external collaborator call and breaker thresholds.
type Config struct {
	ServiceURL      string
	Timeout         time.Duration
	BreakerMaxFails uint32
	BreakerOpenFor  time.Duration
}

// Client computes routes between two points, preferring the external
// collaborator and degrading to a straight line when it is slow, erroring,
// or the breaker has opened.
type Client struct {
	cfg     Config
	http    *http.Client
	cache   *cache.RouteCache
	breaker *gobreaker.CircuitBreaker[Result]
}

// New builds a routing Client. routeCache may be nil to disable caching.
func New(cfg Config, routeCache *cache.RouteCache) *Client {
	breaker := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        "routing-collaborator",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.Info("routing breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   routeCache,
		breaker: breaker,
	}
}

// collaboratorRequest/collaboratorResponse are the external service's wire
// shapes, deliberately minimal: waypoints plus summary distance/duration.
type collaboratorRequest struct {
	FromLat float64 `json:"fromLat"`
	FromLon float64 `json:"fromLon"`
	ToLat   float64 `json:"toLat"`
	ToLon   float64 `json:"toLon"`
}

type collaboratorResponse struct {
	Waypoints []geo.Point `json:"waypoints"`
	DistanceM float64     `json:"distanceM"`
	DurationS float64     `json:"durationS"`
}

// Compute returns a route from `from` to `to`, trying the cache, then the
// external collaborator through the circuit breaker, then falling back to
// a straight line. It never returns an error: routing degradation is
// always absorbed into a fallback result (spec testable property 7).
func (c *Client) Compute(ctx context.Context, from, to geo.Point) Result {
	ctx, span := otelient.StartSpan(ctx, "routing.Compute")
	defer span.End()

	if c.cache != nil {
		if cached, hit, err := c.cache.Get(ctx, from.Lat, from.Lon, to.Lat, to.Lon); err == nil && hit {
			return fromCached(cached)
		}
	}

	result, err := c.callCollaborator(ctx, from, to)
	if err != nil {
		logger.Log.Warn("routing: collaborator call degraded, using fallback", "error", err)
		return c.fallback(from, to)
	}

	if c.cache != nil {
		_ = c.cache.Set(ctx, from.Lat, from.Lon, to.Lat, to.Lon, toCached(result), 0)
	}

	return result
}

func (c *Client) callCollaborator(ctx context.Context, from, to geo.Point) (Result, error) {
	return c.breaker.Execute(func() (Result, error) {
		return c.doRequest(ctx, from, to)
	})
}

func (c *Client) doRequest(ctx context.Context, from, to geo.Point) (Result, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(collaboratorRequest{FromLat: from.Lat, FromLon: from.Lon, ToLat: to.Lat, ToLon: to.Lon})
	if err != nil {
		return Result{}, fmt.Errorf("marshal routing request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.ServiceURL+"/routes/calculate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build routing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("routing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("routing collaborator returned status %d", resp.StatusCode)
	}

	var decoded collaboratorResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("decode routing response: %w", err)
	}

	return Result{
		Waypoints:    decoded.Waypoints,
		DistanceM:    decoded.DistanceM,
		DurationS:    decoded.DurationS,
		Source:       "external",
		IsFallback:   false,
		CalculatedAt: time.Now(),
	}, nil
}

// fallback computes a straight-line route at the assumed average speed.
func (c *Client) fallback(from, to geo.Point) Result {
	distance := geo.Distance(from, to)
	return Result{
		Waypoints:    []geo.Point{from, to},
		DistanceM:    distance,
		DurationS:    distance / AssumedSpeedMps,
		Source:       "fallback",
		IsFallback:   true,
		CalculatedAt: time.Now(),
	}
}

func toCached(r Result) *cache.CachedRoute {
	poly := make([]cache.CachedLatLon, len(r.Waypoints))
	for i, w := range r.Waypoints {
		poly[i] = cache.CachedLatLon{Lat: w.Lat, Lon: w.Lon}
	}
	return &cache.CachedRoute{
		DistanceMeters: r.DistanceM,
		DurationSec:    r.DurationS,
		Polyline:       poly,
		Fallback:       r.IsFallback,
		ComputedAt:     r.CalculatedAt,
	}
}

func fromCached(c *cache.CachedRoute) Result {
	waypoints := make([]geo.Point, len(c.Polyline))
	for i, w := range c.Polyline {
		waypoints[i] = geo.Point{Lat: w.Lat, Lon: w.Lon}
	}
	source := "external"
	if c.Fallback {
		source = "fallback"
	}
	return Result{
		Waypoints:    waypoints,
		DistanceM:    c.DistanceMeters,
		DurationS:    c.DurationSec,
		Source:       source,
		IsFallback:   c.Fallback,
		CalculatedAt: c.ComputedAt,
	}
}
