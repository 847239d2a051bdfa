// Package telemetry is the Dispatch Core's C11 component: GPS sample
// ingestion, arrival detection, and route-recalculation on excessive
// deviation.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/geo"
	"dispatchcore/internal/routing"
	"dispatchcore/internal/store"
	"dispatchcore/internal/timers"
	"dispatchcore/pkg/cache"
	"dispatchcore/pkg/logger"

	"github.com/google/uuid"
)

// Thresholds, per spec §4.11/§6 defaults.
const (
	ArrivalThresholdM        = 50.0
	DeviationThresholdM      = 200.0
	MinDistToDestForRecalcM  = 500.0
	AutoResolveDeadline      = 30 * time.Second
)

// Sample is a single incoming GPS reading.
type Sample struct {
	VehicleID string
	Lat       float64
	Lon       float64
	Speed     float64
	Timestamp time.Time
}

// Handler processes telemetry samples against the store, routing client,
// timer service, and event bus.
type Handler struct {
	gateway             store.Gateway
	routingClient       *routing.Client
	timers              *timers.Service
	bus                 *eventbus.Bus
	cache               cache.Cache
	autoResolve         func(ctx context.Context, vehicleID string)
	prototypeMode       bool
	arrivalThresholdM   float64
	deviationThresholdM float64
	minDistForRecalcM   float64
	autoResolveDeadline time.Duration
}

// Config controls optional behavior of the telemetry handler. Zero-valued
// threshold/deadline fields fall back to the §4.11/§6 defaults.
type Config struct {
	// PrototypeMode enables the auto-resolution timer (§4.12) on arrival.
	PrototypeMode       bool
	ArrivalThresholdM   float64
	DeviationThresholdM float64
	MinDistForRecalcM   float64
	AutoResolveDeadline time.Duration
}

// New builds a telemetry Handler. autoResolve is invoked when the
// auto-resolution timer fires; it is typically internal/fsm.Machine.Resolve
// bound to the fault currently assigned to the vehicle.
func New(cfg Config, gateway store.Gateway, routingClient *routing.Client, timerSvc *timers.Service, bus *eventbus.Bus, c cache.Cache, autoResolve func(ctx context.Context, vehicleID string)) *Handler {
	h := &Handler{
		gateway:             gateway,
		routingClient:       routingClient,
		timers:              timerSvc,
		bus:                 bus,
		cache:               c,
		autoResolve:         autoResolve,
		prototypeMode:       cfg.PrototypeMode,
		arrivalThresholdM:   cfg.ArrivalThresholdM,
		deviationThresholdM: cfg.DeviationThresholdM,
		minDistForRecalcM:   cfg.MinDistForRecalcM,
		autoResolveDeadline: cfg.AutoResolveDeadline,
	}
	if h.arrivalThresholdM <= 0 {
		h.arrivalThresholdM = ArrivalThresholdM
	}
	if h.deviationThresholdM <= 0 {
		h.deviationThresholdM = DeviationThresholdM
	}
	if h.minDistForRecalcM <= 0 {
		h.minDistForRecalcM = MinDistToDestForRecalcM
	}
	if h.autoResolveDeadline <= 0 {
		h.autoResolveDeadline = AutoResolveDeadline
	}
	return h
}

// Ingest processes one sample per §4.11's four steps.
func (h *Handler) Ingest(ctx context.Context, s Sample) error {
	if err := (geo.Point{Lat: s.Lat, Lon: s.Lon}).Validate(); err != nil {
		return fmt.Errorf("telemetry: invalid sample: %w", err)
	}

	if err := h.gateway.AppendTelemetry(ctx, store.TelemetrySample{
		VehicleID: s.VehicleID,
		Lat:       s.Lat,
		Lon:       s.Lon,
		Speed:     s.Speed,
		Timestamp: s.Timestamp,
	}); err != nil {
		return fmt.Errorf("telemetry: append: %w", err)
	}
	h.invalidateTelemetryCache(ctx, s.VehicleID)

	h.bus.Emit(ctx, "vehicle:gps-update", map[string]any{
		"vehicleId": s.VehicleID,
		"lat":       s.Lat,
		"lon":       s.Lon,
		"speed":     s.Speed,
		"timestamp": s.Timestamp,
	})

	vehicle, err := h.gateway.GetVehicle(ctx, s.VehicleID)
	if err != nil {
		return fmt.Errorf("telemetry: load vehicle: %w", err)
	}

	if vehicle.Status != store.VehicleOnRoute && vehicle.Status != store.VehicleWorking {
		return nil
	}

	fault, err := h.gateway.FaultAssignedToVehicle(ctx, s.VehicleID)
	if err != nil {
		return fmt.Errorf("telemetry: load assigned fault: %w", err)
	}

	pos := geo.Point{Lat: s.Lat, Lon: s.Lon}

	if fault != nil {
		return h.handleAssignedFault(ctx, vehicle, fault, pos)
	}

	if vehicle.Status == store.VehicleOnRoute {
		return h.maybeRecalculateRoute(ctx, vehicle, pos)
	}

	return nil
}

func (h *Handler) handleAssignedFault(ctx context.Context, vehicle *store.Vehicle, fault *store.Fault, pos geo.Point) error {
	d := geo.Distance(pos, geo.Point{Lat: fault.Lat, Lon: fault.Lon})
	if d > h.arrivalThresholdM {
		if vehicle.Status == store.VehicleOnRoute {
			return h.maybeRecalculateRoute(ctx, vehicle, pos)
		}
		return nil
	}

	if vehicle.Status == store.VehicleOnRoute {
		if _, err := h.gateway.CASVehicleStatus(ctx, vehicle.ID, store.VehicleOnRoute, store.VehicleWorking); err != nil {
			return fmt.Errorf("telemetry: promote to WORKING: %w", err)
		}
	}

	if route, err := h.gateway.GetActiveRoute(ctx, vehicle.ID, fault.ID); err != nil {
		logger.Error("telemetry: load active route failed", "vehicleId", vehicle.ID, "faultId", fault.ID, "error", err)
	} else if route != nil {
		if err := h.gateway.SetRouteStatus(ctx, route.ID, store.RouteCompleted); err != nil {
			logger.Error("telemetry: complete route failed", "routeId", route.ID, "error", err)
		}
	}

	if h.prototypeMode && !h.timers.Armed(timers.KindAutoResolve, vehicle.ID) {
		vehicleID := vehicle.ID
		h.timers.Arm(timers.KindAutoResolve, vehicleID, h.autoResolveDeadline, func() {
			if h.autoResolve != nil {
				h.autoResolve(context.Background(), vehicleID)
			}
		})
	}

	h.bus.Emit(ctx, "vehicle:arrived", map[string]any{
		"vehicleId": vehicle.ID,
		"faultId":   fault.ID,
		"distance":  d,
	})

	return nil
}

// RearmAutoResolve re-arms the auto-resolution timer for vehicleID after a
// process restart, per §5's crash-safety rule: a vehicle found still
// WORKING with an ASSIGNED fault at startup, in prototype mode, gets its
// auto-resolve window rebuilt from the full deadline.
func (h *Handler) RearmAutoResolve(vehicleID string) {
	if !h.prototypeMode || h.timers.Armed(timers.KindAutoResolve, vehicleID) {
		return
	}
	h.timers.Arm(timers.KindAutoResolve, vehicleID, h.autoResolveDeadline, func() {
		if h.autoResolve != nil {
			h.autoResolve(context.Background(), vehicleID)
		}
	})
}

func (h *Handler) maybeRecalculateRoute(ctx context.Context, vehicle *store.Vehicle, pos geo.Point) error {
	fault, err := h.gateway.FaultAssignedToVehicle(ctx, vehicle.ID)
	if err != nil {
		return fmt.Errorf("telemetry: load assigned fault: %w", err)
	}
	if fault == nil {
		return nil
	}

	route, err := h.gateway.GetActiveRoute(ctx, vehicle.ID, fault.ID)
	if err != nil {
		return fmt.Errorf("telemetry: load active route: %w", err)
	}
	if route == nil || len(route.Waypoints) == 0 {
		return nil
	}

	waypoints := make([]geo.Point, len(route.Waypoints))
	for i, w := range route.Waypoints {
		waypoints[i] = geo.Point{Lat: w.Lat, Lon: w.Lon}
	}

	dev := geo.DeviationFromRoute(pos, waypoints)
	distToDest := geo.Distance(pos, waypoints[len(waypoints)-1])

	if dev <= h.deviationThresholdM || distToDest <= h.minDistForRecalcM {
		return nil
	}

	if err := h.gateway.SetRouteStatus(ctx, route.ID, store.RouteSuperseded); err != nil {
		return fmt.Errorf("telemetry: supersede route: %w", err)
	}

	dest := geo.Point{Lat: fault.Lat, Lon: fault.Lon}
	result := h.routingClient.Compute(ctx, pos, dest)

	newWaypoints := make([]store.Waypoint, len(result.Waypoints))
	for i, w := range result.Waypoints {
		newWaypoints[i] = store.Waypoint{Lat: w.Lat, Lon: w.Lon}
	}

	newRoute := &store.Route{
		ID:           uuid.NewString(),
		VehicleID:    vehicle.ID,
		FaultID:      fault.ID,
		Waypoints:    newWaypoints,
		DistanceM:    result.DistanceM,
		DurationS:    result.DurationS,
		CalculatedAt: result.CalculatedAt,
		RouteStartAt: time.Now(),
		Status:       store.RouteActive,
	}
	if result.IsFallback {
		newRoute.Source = store.RouteFallback
		newRoute.IsFallback = true
	} else {
		newRoute.Source = store.RouteExternal
	}

	if err := h.gateway.CreateRoute(ctx, newRoute); err != nil {
		return fmt.Errorf("telemetry: create recalculated route: %w", err)
	}

	h.bus.Emit(ctx, "route:updated", map[string]any{
		"vehicleId": vehicle.ID,
		"faultId":   fault.ID,
		"route": map[string]any{
			"waypoints":    newRoute.Waypoints,
			"distanceM":    newRoute.DistanceM,
			"durationS":    newRoute.DurationS,
			"source":       newRoute.Source,
			"isFallback":   newRoute.IsFallback,
			"calculatedAt": newRoute.CalculatedAt,
			"routeStartAt": newRoute.RouteStartAt,
		},
	})

	return nil
}

func (h *Handler) invalidateTelemetryCache(ctx context.Context, vehicleID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(ctx, "telemetry:"+vehicleID); err != nil {
		logger.Error("telemetry: cache invalidation failed", "vehicleId", vehicleID, "error", err)
	}
}
