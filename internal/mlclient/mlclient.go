// Package mlclient is the Dispatch Core's C7 component: an optional HTTP
// call to the ML scoring collaborator. Any failure — timeout, non-2xx
// status, malformed response, failed health probe — is surfaced as the
// internal MLUnavailable condition, never as an apperror.Error, so the
// dispatch engine can fall back to the rule-based scorer transparently.
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"dispatchcore/pkg/otelient"
)

// ErrUnavailable is the internal sentinel for any ML collaborator failure.
// It is never wrapped into an apperror.Error: the caller treats it purely
// as a signal to fall back to the rule-based scorer.
var ErrUnavailable = errors.New("ml collaborator unavailable")

// Candidate is one vehicle under consideration for a fault, described by
// the features spec §4.7 defines.
type Candidate struct {
	VehicleID string
	Features  Features
}

// Features are the ML model's per-candidate inputs.
type Features struct {
	DistanceM     float64 `json:"distanceM"`
	DistanceCat   int     `json:"distanceCat"`   // 0, 1, or 2
	PastPerf      float64 `json:"pastPerf"`      // [1,10], default 5.5
	FaultHistory  int     `json:"faultHistory"`  // >= 0
	FatigueH      float64 `json:"fatigueH"`      // [0,24]
	FaultSeverity int     `json:"faultSeverity"` // 1, 2, or 3
}

// Prediction is the collaborator's verdict: the winning candidate's index
// into the request slice, plus a score per candidate.
type Prediction struct {
	BestIndex int
	Scores    []float64
}

// Config configures the HTTP call and health probe.
type Config struct {
	ServiceURL string
	Timeout    time.Duration
	HealthPath string
	HealthTTL  time.Duration
}

// Client calls the ML collaborator's predict and health endpoints.
type Client struct {
	cfg  Config
	http *http.Client

	mu         sync.Mutex
	healthyAt  time.Time
	lastHealth bool
}

// New builds an mlclient Client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type predictRequest struct {
	Candidates []Features `json:"candidates"`
}

type predictResponse struct {
	BestIndex int       `json:"bestIndex"`
	Scores    []float64 `json:"scores"`
}

// Predict asks the ML collaborator to rank candidates and returns the
// winning index. Returns ErrUnavailable on any failure.
func (c *Client) Predict(ctx context.Context, candidates []Candidate) (Prediction, error) {
	ctx, span := otelient.StartSpan(ctx, "mlclient.Predict")
	defer span.End()

	if len(candidates) == 0 {
		return Prediction{}, fmt.Errorf("%w: no candidates", ErrUnavailable)
	}

	features := make([]Features, len(candidates))
	for i, c := range candidates {
		features[i] = c.Features
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(predictRequest{Candidates: features})
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: marshal request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.ServiceURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: request failed: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Prediction{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Prediction{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	if decoded.BestIndex < 0 || decoded.BestIndex >= len(candidates) {
		return Prediction{}, fmt.Errorf("%w: bestIndex %d out of range", ErrUnavailable, decoded.BestIndex)
	}

	return Prediction{BestIndex: decoded.BestIndex, Scores: decoded.Scores}, nil
}

// Healthy reports whether the collaborator's health endpoint is reachable,
// caching the result for cfg.HealthTTL so the dispatch engine does not
// probe health on every single-fault dispatch.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.Lock()
	if time.Since(c.healthyAt) < c.cfg.HealthTTL {
		healthy := c.lastHealth
		c.mu.Unlock()
		return healthy
	}
	c.mu.Unlock()

	healthy := c.probeHealth(ctx)

	c.mu.Lock()
	c.healthyAt = time.Now()
	c.lastHealth = healthy
	c.mu.Unlock()

	return healthy
}

func (c *Client) probeHealth(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	path := c.cfg.HealthPath
	if path == "" {
		path = "/health"
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.ServiceURL+path, nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// DefaultPastPerf is the score used when a vehicle has no resolution
// history yet (spec §4.7).
const DefaultPastPerf = 5.5

// PastPerfFromCounts converts resolved/assigned counts into the [1,10]
// pastPerf feature, defaulting to DefaultPastPerf with no history.
func PastPerfFromCounts(resolved, assigned int) float64 {
	if assigned == 0 {
		return DefaultPastPerf
	}
	return float64(resolved)/float64(assigned)*9 + 1
}

// FatigueHours clamps a today's-fault-count into the [0,24] fatigue
// feature (spec §4.7: min(faultsToday, 24)).
func FatigueHours(faultsToday int) float64 {
	if faultsToday > 24 {
		return 24
	}
	return float64(faultsToday)
}
