package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/routing"
	"dispatchcore/internal/store"
	"dispatchcore/internal/timers"
	"dispatchcore/pkg/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu           sync.Mutex
	vehicles     map[string]store.Vehicle
	faults       map[string]*store.Fault
	activeRoutes map[string]*store.Route
	routeStatus  map[string]store.RouteStatus
	created      []*store.Route
	samples      []store.TelemetrySample
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		vehicles:     make(map[string]store.Vehicle),
		faults:       make(map[string]*store.Fault),
		activeRoutes: make(map[string]*store.Route),
		routeStatus:  make(map[string]store.RouteStatus),
	}
}

func (f *fakeGateway) AppendTelemetry(ctx context.Context, s store.TelemetrySample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeGateway) GetVehicle(ctx context.Context, id string) (*store.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.vehicles[id]
	return &v, nil
}

func (f *fakeGateway) CASVehicleStatus(ctx context.Context, id string, expected, next store.VehicleStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vehicles[id]
	if !ok || v.Status != expected {
		return false, nil
	}
	v.Status = next
	f.vehicles[id] = v
	return true, nil
}

func (f *fakeGateway) FaultAssignedToVehicle(ctx context.Context, vehicleID string) (*store.Fault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faults[vehicleID], nil
}

func (f *fakeGateway) GetActiveRoute(ctx context.Context, vehicleID, faultID string) (*store.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeRoutes[vehicleID+"/"+faultID], nil
}

func (f *fakeGateway) SetRouteStatus(ctx context.Context, routeID string, status store.RouteStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routeStatus[routeID] = status
	return nil
}

func (f *fakeGateway) CreateRoute(ctx context.Context, r *store.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, r)
	return nil
}

// Unused by telemetry, required by the interface.
func (f *fakeGateway) ListVehiclesByStatus(ctx context.Context, statuses ...store.VehicleStatus) ([]store.Vehicle, error) {
	panic("not used")
}
func (f *fakeGateway) CreateFault(ctx context.Context, ft *store.Fault) error { panic("not used") }
func (f *fakeGateway) GetFault(ctx context.Context, id string) (*store.Fault, error) {
	panic("not used")
}
func (f *fakeGateway) ListFaultsByStatus(ctx context.Context, status store.FaultStatus) ([]store.Fault, error) {
	panic("not used")
}
func (f *fakeGateway) CASFaultStatus(ctx context.Context, id string, expected, next store.FaultStatus) (bool, error) {
	panic("not used")
}
func (f *fakeGateway) ReserveFaultAndVehicle(ctx context.Context, faultID, vehicleID string) (bool, error) {
	panic("not used")
}
func (f *fakeGateway) CreateTripIfNoneOngoing(ctx context.Context, t *store.Trip) (*store.Trip, bool, error) {
	panic("not used")
}
func (f *fakeGateway) GetOngoingTrip(ctx context.Context, vehicleID string) (*store.Trip, error) {
	panic("not used")
}
func (f *fakeGateway) CompleteTrip(ctx context.Context, tripID string, endLocation string) error {
	panic("not used")
}
func (f *fakeGateway) CancelActiveRoutesForVehicle(ctx context.Context, vehicleID string) error {
	panic("not used")
}
func (f *fakeGateway) LatestTelemetry(ctx context.Context, vehicleID string) (*store.TelemetrySample, error) {
	panic("not used")
}
func (f *fakeGateway) CreateAlert(ctx context.Context, a *store.Alert) error { panic("not used") }
func (f *fakeGateway) SolveAlerts(ctx context.Context, faultID, vehicleID string) error {
	panic("not used")
}
func (f *fakeGateway) BatchVehicleCounters(ctx context.Context, vehicleIDs []string, faultType, location string) (map[string]store.VehicleCounters, error) {
	panic("not used")
}

var _ store.Gateway = (*fakeGateway)(nil)

func testRoutingClient(t *testing.T) *routing.Client {
	t.Helper()
	mc := cache.NewMemoryCache(cache.DefaultOptions())
	rc := cache.NewRouteCache(mc, time.Minute)
	return routing.New(routing.Config{ServiceURL: "http://127.0.0.1:1", Timeout: 50 * time.Millisecond, BreakerMaxFails: 3, BreakerOpenFor: time.Minute}, rc)
}

func TestHandler_Ingest_PromotesToWorkingOnArrival(t *testing.T) {
	gw := newFakeGateway()
	gw.vehicles["v1"] = store.Vehicle{ID: "v1", Status: store.VehicleOnRoute}
	gw.faults["v1"] = &store.Fault{ID: "f1", Lat: 1.0, Lon: 1.0}
	gw.activeRoutes["v1/f1"] = &store.Route{ID: "r1", Status: store.RouteActive}

	bus := eventbus.New(nil)
	events := bus.Subscribe(context.Background(), "vehicle:arrived")

	h := New(Config{PrototypeMode: true}, gw, testRoutingClient(t), timers.New(), bus, nil, func(ctx context.Context, vehicleID string) {})

	err := h.Ingest(context.Background(), Sample{VehicleID: "v1", Lat: 1.0, Lon: 1.0, Timestamp: time.Now()})
	require.NoError(t, err)

	assert.Equal(t, store.VehicleWorking, gw.vehicles["v1"].Status)
	assert.Equal(t, store.RouteCompleted, gw.routeStatus["r1"])

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("expected vehicle:arrived event")
	}
}

func TestHandler_Ingest_NoPromotionWhenFar(t *testing.T) {
	gw := newFakeGateway()
	gw.vehicles["v1"] = store.Vehicle{ID: "v1", Status: store.VehicleOnRoute}
	gw.faults["v1"] = &store.Fault{ID: "f1", Lat: 10.0, Lon: 10.0}

	h := New(Config{}, gw, testRoutingClient(t), timers.New(), eventbus.New(nil), nil, nil)
	err := h.Ingest(context.Background(), Sample{VehicleID: "v1", Lat: 1.0, Lon: 1.0, Timestamp: time.Now()})
	require.NoError(t, err)

	assert.Equal(t, store.VehicleOnRoute, gw.vehicles["v1"].Status)
}

func TestHandler_Ingest_RecalculatesOnLargeDeviation(t *testing.T) {
	gw := newFakeGateway()
	gw.vehicles["v1"] = store.Vehicle{ID: "v1", Status: store.VehicleOnRoute}
	gw.faults["v1"] = nil

	route := &store.Route{
		ID:        "r1",
		VehicleID: "v1",
		FaultID:   "f1",
		Status:    store.RouteActive,
		Waypoints: []store.Waypoint{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 0.1}},
	}
	gw.activeRoutes["v1/f1"] = route
	gw.faults["v1"] = &store.Fault{ID: "f1", Lat: 0, Lon: 0.1}

	h := New(Config{}, gw, testRoutingClient(t), timers.New(), eventbus.New(nil), nil, nil)

	// Half a degree (~55km) north of the route and of the destination, so
	// both deviation and distance-to-dest thresholds trip.
	err := h.Ingest(context.Background(), Sample{VehicleID: "v1", Lat: 0.5, Lon: 0.1, Timestamp: time.Now()})
	require.NoError(t, err)

	assert.Equal(t, store.RouteSuperseded, gw.routeStatus["r1"])
	require.Len(t, gw.created, 1)
	assert.True(t, gw.created[0].IsFallback)
}

func TestHandler_Ingest_IgnoresSamplesForIdleVehicles(t *testing.T) {
	gw := newFakeGateway()
	gw.vehicles["v1"] = store.Vehicle{ID: "v1", Status: store.VehicleAvailable}

	h := New(Config{}, gw, testRoutingClient(t), timers.New(), eventbus.New(nil), nil, nil)
	err := h.Ingest(context.Background(), Sample{VehicleID: "v1", Lat: 1, Lon: 1, Timestamp: time.Now()})
	require.NoError(t, err)

	require.Len(t, gw.samples, 1)
}
