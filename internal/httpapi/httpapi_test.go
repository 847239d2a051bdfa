package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dispatchcore/internal/core"
	"dispatchcore/internal/dispatch"
	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/routing"
	"dispatchcore/internal/store"
	"dispatchcore/pkg/apperror"
	"dispatchcore/pkg/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memGateway struct {
	mu       sync.Mutex
	vehicles map[string]store.Vehicle
	faults   map[string]*store.Fault
}

func newMemGateway() *memGateway {
	return &memGateway{vehicles: map[string]store.Vehicle{}, faults: map[string]*store.Fault{}}
}

func (g *memGateway) GetVehicle(ctx context.Context, id string) (*store.Vehicle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vehicles[id]
	if !ok {
		return nil, apperror.ErrNotFound
	}
	return &v, nil
}

func (g *memGateway) ListVehiclesByStatus(ctx context.Context, statuses ...store.VehicleStatus) ([]store.Vehicle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	want := map[store.VehicleStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []store.Vehicle
	for _, v := range g.vehicles {
		if want[v.Status] {
			out = append(out, v)
		}
	}
	return out, nil
}

func (g *memGateway) CASVehicleStatus(ctx context.Context, id string, expected, next store.VehicleStatus) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vehicles[id]
	if !ok || v.Status != expected {
		return false, nil
	}
	v.Status = next
	g.vehicles[id] = v
	return true, nil
}

func (g *memGateway) CreateFault(ctx context.Context, f *store.Fault) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults[f.ID] = f
	return nil
}

func (g *memGateway) GetFault(ctx context.Context, id string) (*store.Fault, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.faults[id]
	if !ok {
		return nil, apperror.ErrNotFound
	}
	return f, nil
}

func (g *memGateway) ListFaultsByStatus(ctx context.Context, status store.FaultStatus) ([]store.Fault, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.Fault
	for _, f := range g.faults {
		if f.Status == status {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (g *memGateway) CASFaultStatus(ctx context.Context, id string, expected, next store.FaultStatus) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.faults[id]
	if !ok || f.Status != expected {
		return false, nil
	}
	f.Status = next
	return true, nil
}

func (g *memGateway) ReserveFaultAndVehicle(ctx context.Context, faultID, vehicleID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.faults[faultID]
	v, ok2 := g.vehicles[vehicleID]
	if !ok || !ok2 || f.Status != store.FaultWaiting || v.Status != store.VehicleAvailable {
		return false, nil
	}
	f.Status = store.FaultPendingConfirmation
	f.AssignedVehicleID = &vehicleID
	v.Status = store.VehicleOnRoute
	g.vehicles[vehicleID] = v
	return true, nil
}

func (g *memGateway) FaultAssignedToVehicle(ctx context.Context, vehicleID string) (*store.Fault, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, f := range g.faults {
		if f.AssignedVehicleID != nil && *f.AssignedVehicleID == vehicleID &&
			(f.Status == store.FaultPendingConfirmation || f.Status == store.FaultAssigned) {
			return f, nil
		}
	}
	return nil, nil
}

func (g *memGateway) CreateTripIfNoneOngoing(ctx context.Context, t *store.Trip) (*store.Trip, bool, error) {
	return t, true, nil
}
func (g *memGateway) GetOngoingTrip(ctx context.Context, vehicleID string) (*store.Trip, error) {
	return nil, nil
}
func (g *memGateway) CompleteTrip(ctx context.Context, tripID string, endLocation string) error {
	return nil
}
func (g *memGateway) CreateRoute(ctx context.Context, r *store.Route) error { return nil }
func (g *memGateway) GetActiveRoute(ctx context.Context, vehicleID, faultID string) (*store.Route, error) {
	return nil, nil
}
func (g *memGateway) SetRouteStatus(ctx context.Context, routeID string, status store.RouteStatus) error {
	return nil
}
func (g *memGateway) CancelActiveRoutesForVehicle(ctx context.Context, vehicleID string) error {
	return nil
}
func (g *memGateway) AppendTelemetry(ctx context.Context, s store.TelemetrySample) error { return nil }
func (g *memGateway) LatestTelemetry(ctx context.Context, vehicleID string) (*store.TelemetrySample, error) {
	return nil, nil
}
func (g *memGateway) CreateAlert(ctx context.Context, a *store.Alert) error { return nil }
func (g *memGateway) SolveAlerts(ctx context.Context, faultID, vehicleID string) error { return nil }
func (g *memGateway) BatchVehicleCounters(ctx context.Context, vehicleIDs []string, faultType, location string) (map[string]store.VehicleCounters, error) {
	return map[string]store.VehicleCounters{}, nil
}

var _ store.Gateway = (*memGateway)(nil)

func testRoutingClient(t *testing.T) *routing.Client {
	t.Helper()
	mc := cache.NewMemoryCache(cache.DefaultOptions())
	rc := cache.NewRouteCache(mc, time.Minute)
	return routing.New(routing.Config{ServiceURL: "http://127.0.0.1:1", Timeout: 50 * time.Millisecond, BreakerMaxFails: 3, BreakerOpenFor: time.Minute}, rc)
}

func newTestAPI(t *testing.T) (*API, *memGateway) {
	t.Helper()
	gw := newMemGateway()
	bus := eventbus.New(nil)
	rc := testRoutingClient(t)
	dispatchCore := core.New(core.Config{PrototypeMode: true}, gw, bus, rc, nil, nil, nil)
	return New(dispatchCore), gw
}

func TestHandleCreateFault_Accepted(t *testing.T) {
	api, gw := newTestAPI(t)
	mux := api.Mux()

	body := `{"type":"pothole","location":"Main St","category":"HIGH","lat":1.0,"lon":2.0,"detail":"big one"}`
	req := httptest.NewRequest(http.MethodPost, "/faults", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createFaultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)

	_, err := gw.GetFault(context.Background(), resp.ID)
	assert.NoError(t, err)
}

func TestHandleCreateFault_RejectsBadCategory(t *testing.T) {
	api, _ := newTestAPI(t)
	mux := api.Mux()

	body := `{"type":"pothole","location":"Main St","category":"URGENT"}`
	req := httptest.NewRequest(http.MethodPost, "/faults", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateFault_RejectsBadCoordinate(t *testing.T) {
	api, _ := newTestAPI(t)
	mux := api.Mux()

	body := `{"type":"pothole","location":"Main St","category":"LOW","lat":200,"lon":2.0}`
	req := httptest.NewRequest(http.MethodPost, "/faults", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRunDispatch_ReturnsSummary(t *testing.T) {
	api, _ := newTestAPI(t)
	mux := api.Mux()

	req := httptest.NewRequest(http.MethodPost, "/dispatch/run", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var summary dispatch.BatchSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 0, summary.Dispatched)
}

func TestHandleIngestGPS_AcceptsValidSample(t *testing.T) {
	api, gw := newTestAPI(t)
	gw.vehicles["v1"] = store.Vehicle{ID: "v1", Status: store.VehicleAvailable}
	mux := api.Mux()

	body := `{"vehicleId":"v1","lat":1.0,"lon":2.0,"speed":10}`
	req := httptest.NewRequest(http.MethodPost, "/gps", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleIngestGPS_RejectsMissingVehicleID(t *testing.T) {
	api, _ := newTestAPI(t)
	mux := api.Mux()

	body := `{"lat":1.0,"lon":2.0}`
	req := httptest.NewRequest(http.MethodPost, "/gps", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCalculateRoute_ReturnsFallback(t *testing.T) {
	api, _ := newTestAPI(t)
	mux := api.Mux()

	req := httptest.NewRequest(http.MethodGet, "/routes/calculate?fromLat=1&fromLng=1&toLat=2&toLng=2", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp calculateRouteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.IsFallback)
}

func TestHandleCalculateRoute_RejectsBadQuery(t *testing.T) {
	api, _ := newTestAPI(t)
	mux := api.Mux()

	req := httptest.NewRequest(http.MethodGet, "/routes/calculate?fromLat=abc&fromLng=1&toLat=2&toLng=2", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
