// Package fsm is the Dispatch Core's C10 component: the Fault/Trip/Vehicle
// transition functions for device confirmation and resolution, which mutate
// Fault.status, Vehicle.status, Trip.status, Route.status, and Alert.solved.
// Other writers of these statuses are the dispatch engine (reservation and
// ack timeout), the telemetry handler (arrival and route recalculation), and
// the sweeper.
package fsm

import (
	"context"
	"fmt"
	"time"

	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/store"
	"dispatchcore/internal/timers"
	"dispatchcore/pkg/apperror"
	"dispatchcore/pkg/logger"

	"github.com/google/uuid"
)

// Machine applies Fault/Trip/Vehicle transitions against the store and
// reports them on the event bus.
type Machine struct {
	gateway store.Gateway
	timers  *timers.Service
	bus     *eventbus.Bus
}

// New builds a transition Machine.
func New(gateway store.Gateway, timerSvc *timers.Service, bus *eventbus.Bus) *Machine {
	return &Machine{gateway: gateway, timers: timerSvc, bus: bus}
}

// Confirm applies transition 2 of §4.10: a device confirmed a dispatched
// fault. Idempotent on faultID — calling it again after the fault has
// already left PENDING_CONFIRMATION is a no-op.
func (m *Machine) Confirm(ctx context.Context, faultID string) error {
	fault, err := m.gateway.GetFault(ctx, faultID)
	if err != nil {
		return fmt.Errorf("fsm: confirm: load fault: %w", err)
	}
	if fault.Status != store.FaultPendingConfirmation {
		logger.Info("fsm: confirm no-op, fault not pending", "faultId", faultID, "status", fault.Status)
		return nil
	}
	if fault.AssignedVehicleID == nil {
		return apperror.New(apperror.CodeNotFound, "pending fault has no assigned vehicle").WithField("faultId")
	}
	vehicleID := *fault.AssignedVehicleID

	m.timers.Cancel(timers.KindAckDeadline, faultID)

	ok, err := m.gateway.CASFaultStatus(ctx, faultID, store.FaultPendingConfirmation, store.FaultAssigned)
	if err != nil {
		return fmt.Errorf("fsm: confirm: cas fault: %w", err)
	}
	if !ok {
		// Someone else already moved it (ack deadline fire racing a late
		// confirmation); nothing more to do.
		return nil
	}

	trip := &store.Trip{
		ID:            uuid.NewString(),
		VehicleID:     vehicleID,
		StartAt:       time.Now(),
		StartLocation: fault.Location,
		Status:        store.TripOngoing,
	}
	if _, _, err := m.gateway.CreateTripIfNoneOngoing(ctx, trip); err != nil {
		return fmt.Errorf("fsm: confirm: create trip: %w", err)
	}

	vehicleNumber := ""
	if vehicle, err := m.gateway.GetVehicle(ctx, vehicleID); err != nil {
		logger.Error("fsm: confirm: load vehicle for event failed", "vehicleId", vehicleID, "error", err)
	} else {
		vehicleNumber = vehicle.Number
	}

	m.bus.Emit(ctx, "vehicle:confirmation", map[string]any{
		"vehicleId":     vehicleID,
		"vehicleNumber": vehicleNumber,
		"faultId":       faultID,
		"status":        string(store.FaultAssigned),
	})
	m.bus.Emit(ctx, "fault:updated", map[string]any{
		"fault": map[string]any{
			"id":     faultID,
			"status": string(store.FaultAssigned),
		},
	})
	m.bus.Emit(ctx, "vehicle:status-change", map[string]any{
		"vehicleId": vehicleID,
		"status":    string(store.VehicleOnRoute),
	})

	return nil
}

// Resolve applies the resolution effects of §4.10, triggered either by a
// device resolution message or the auto-resolution timer. Idempotent on
// faultID.
func (m *Machine) Resolve(ctx context.Context, faultID string) error {
	fault, err := m.gateway.GetFault(ctx, faultID)
	if err != nil {
		return fmt.Errorf("fsm: resolve: load fault: %w", err)
	}
	if fault.Status == store.FaultResolved {
		return nil
	}
	if fault.AssignedVehicleID == nil {
		return apperror.New(apperror.CodeNotFound, "fault has no assigned vehicle to resolve").WithField("faultId")
	}
	vehicleID := *fault.AssignedVehicleID

	m.timers.Cancel(timers.KindAckDeadline, faultID)
	m.timers.Cancel(timers.KindAutoResolve, vehicleID)

	ok, err := m.gateway.CASFaultStatus(ctx, faultID, fault.Status, store.FaultResolved)
	if err != nil {
		return fmt.Errorf("fsm: resolve: cas fault: %w", err)
	}
	if !ok {
		return nil
	}

	if trip, err := m.gateway.GetOngoingTrip(ctx, vehicleID); err != nil {
		logger.Error("fsm: resolve: load ongoing trip failed", "vehicleId", vehicleID, "error", err)
	} else if trip != nil {
		if err := m.gateway.CompleteTrip(ctx, trip.ID, fault.Location); err != nil {
			logger.Error("fsm: resolve: complete trip failed", "tripId", trip.ID, "error", err)
		}
	}

	cleared, err := m.gateway.CASVehicleStatus(ctx, vehicleID, store.VehicleWorking, store.VehicleAvailable)
	if err != nil {
		logger.Error("fsm: resolve: cas vehicle from WORKING failed", "vehicleId", vehicleID, "error", err)
	}
	if !cleared {
		// Resolved before arrival (or by the auto-resolve timer racing the
		// telemetry handler's arrival promotion): vehicle is still ON_ROUTE.
		if _, err := m.gateway.CASVehicleStatus(ctx, vehicleID, store.VehicleOnRoute, store.VehicleAvailable); err != nil {
			logger.Error("fsm: resolve: cas vehicle from ON_ROUTE failed", "vehicleId", vehicleID, "error", err)
		}
	}

	if route, err := m.gateway.GetActiveRoute(ctx, vehicleID, faultID); err != nil {
		logger.Error("fsm: resolve: load active route failed", "vehicleId", vehicleID, "faultId", faultID, "error", err)
	} else if route != nil {
		if err := m.gateway.SetRouteStatus(ctx, route.ID, store.RouteCompleted); err != nil {
			logger.Error("fsm: resolve: set route status failed", "routeId", route.ID, "error", err)
		}
	}

	if err := m.gateway.SolveAlerts(ctx, faultID, vehicleID); err != nil {
		logger.Error("fsm: resolve: solve alerts failed", "faultId", faultID, "vehicleId", vehicleID, "error", err)
	}

	vehicleNumber := ""
	if vehicle, err := m.gateway.GetVehicle(ctx, vehicleID); err != nil {
		logger.Error("fsm: resolve: load vehicle for event failed", "vehicleId", vehicleID, "error", err)
	} else {
		vehicleNumber = vehicle.Number
	}

	m.bus.Emit(ctx, "vehicle:resolved", map[string]any{
		"vehicleId":     vehicleID,
		"vehicleNumber": vehicleNumber,
		"faultId":       faultID,
		"status":        string(store.FaultResolved),
	})
	m.bus.Emit(ctx, "fault:updated", map[string]any{
		"fault": map[string]any{
			"id":     faultID,
			"status": string(store.FaultResolved),
		},
	})
	m.bus.Emit(ctx, "vehicle:status-change", map[string]any{
		"vehicleId": vehicleID,
		"status":    string(store.VehicleAvailable),
	})

	return nil
}
