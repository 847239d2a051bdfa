package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/store"
	"dispatchcore/internal/telemetry"
	"dispatchcore/internal/timers"
	"dispatchcore/pkg/apperror"

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
func (g *memGateway) CreateAlert(ctx context.Context, a *store.Alert) error            { return nil }
func (g *memGateway) SolveAlerts(ctx context.Context, faultID, vehicleID string) error { return nil }
func (g *memGateway) BatchVehicleCounters(ctx context.Context, vehicleIDs []string, faultType, location string) (map[string]store.VehicleCounters, error) {
	return map[string]store.VehicleCounters{}, nil
}

var _ store.Gateway = (*memGateway)(nil)

func newTestCore(t *testing.T) (*DispatchCore, *memGateway) {
	t.Helper()
	gw := newMemGateway()
	dc := New(Config{PrototypeMode: true, AckDeadline: time.Minute, SweeperInterval: time.Hour}, gw, eventbus.New(nil), nil, nil, nil, nil)
	return dc, gw
}

func TestDispatchCore_DispatchFaultNoCandidate(t *testing.T) {
	dc, gw := newTestCore(t)
	gw.faults["f1"] = &store.Fault{ID: "f1", Status: store.FaultWaiting, Category: store.CategoryHigh}

	_, err := dc.DispatchFault(context.Background(), "f1")
	assert.Error(t, err)
}

func TestDispatchCore_IngestTelemetryRejectsBadSample(t *testing.T) {
	dc, gw := newTestCore(t)
	gw.vehicles["v1"] = store.Vehicle{ID: "v1", Status: store.VehicleAvailable}

	err := dc.IngestTelemetry(context.Background(), telemetry.Sample{VehicleID: "v1", Lat: 200, Lon: 2})
	assert.Error(t, err)
}

func TestDispatchCore_IngestTelemetryAcceptsValidSample(t *testing.T) {
	dc, gw := newTestCore(t)
	gw.vehicles["v1"] = store.Vehicle{ID: "v1", Status: store.VehicleAvailable}

	err := dc.IngestTelemetry(context.Background(), telemetry.Sample{VehicleID: "v1", Lat: 1, Lon: 2})
	assert.NoError(t, err)
}

func TestDispatchCore_StartRearmsAckDeadlineForPendingFaults(t *testing.T) {
	dc, gw := newTestCore(t)
	vehicleID := "v1"
	gw.vehicles[vehicleID] = store.Vehicle{ID: vehicleID, Status: store.VehicleOnRoute}
	gw.faults["f1"] = &store.Fault{ID: "f1", Status: store.FaultPendingConfirmation, AssignedVehicleID: &vehicleID}

	require.NoError(t, dc.Start(context.Background()))
	assert.True(t, dc.timerSvc.Armed(timers.KindAckDeadline, "f1"))
	dc.Stop()
}

func TestDispatchCore_StartRearmsAutoResolveForWorkingVehicles(t *testing.T) {
	dc, gw := newTestCore(t)
	vehicleID := "v1"
	gw.vehicles[vehicleID] = store.Vehicle{ID: vehicleID, Status: store.VehicleWorking}
	gw.faults["f1"] = &store.Fault{ID: "f1", Status: store.FaultAssigned, AssignedVehicleID: &vehicleID}

	require.NoError(t, dc.Start(context.Background()))
	assert.True(t, dc.timerSvc.Armed(timers.KindAutoResolve, vehicleID))
	dc.Stop()
}

func TestDispatchCore_LockedMachineConfirmUnknownFault(t *testing.T) {
	dc, _ := newTestCore(t)
	lm := &lockedMachine{locks: dc.locks, machine: dc.machine}
	err := lm.Confirm(context.Background(), "missing")
	assert.Error(t, err)
}
