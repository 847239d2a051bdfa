// Package dispatch is the Dispatch Core's C9 component: selecting the best
// eligible vehicle for a WAITING fault, writing the reservation, and
// starting the acknowledgement deadline. It is the orchestration point for
// C2 (routing), C4 (store), C6 (device channel), C7/C8 (scoring), and C12
// (timers).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/fsm"
	"dispatchcore/internal/geo"
	"dispatchcore/internal/mlclient"
	"dispatchcore/internal/routing"
	"dispatchcore/internal/scorer"
	"dispatchcore/internal/store"
	"dispatchcore/internal/timers"
	"dispatchcore/pkg/cache"
	"dispatchcore/pkg/logger"

	"github.com/google/uuid"
)

// Sentinel outcomes, surfaced per spec §6.
var (
	ErrWrongState  = errors.New("fault is not in WAITING state")
	ErrNoCandidate = errors.New("no eligible vehicle available")
	ErrContended   = errors.New("reservation lost a concurrency race")
)

const batchSafetyCap = 100

// DeviceCommander is the subset of internal/devicechannel.Channel the
// engine needs to emit dispatch commands.
type DeviceCommander interface {
	PublishDispatch(ctx context.Context, externalDeviceID, faultID, faultDetails string) error
}

// Config controls engine-wide policy.
type Config struct {
	PrototypeMode         bool
	AckDeadline           time.Duration
	DefaultLocationLat    float64
	DefaultLocationLon    float64
}

// Engine runs dispatchFault and runBatch.
type Engine struct {
	cfg     Config
	gateway store.Gateway
	routing *routing.Client
	ml      *mlclient.Client
	device  DeviceCommander
	timers  *timers.Service
	bus     *eventbus.Bus
	fsm     *fsm.Machine
	cache   cache.Cache

	// timedOutMu guards timedOut, which markTimedOut writes and
	// filterEligible reads from concurrent DispatchFault/onAckDeadline
	// calls racing on the same engine.
	timedOutMu sync.Mutex
	// timedOut tracks, per faultId, the set of vehicleIds that already
	// timed out on an ack deadline for that fault (§4.9 step 3 / §4.12).
	timedOut map[string]map[string]bool
}

// New builds a dispatch Engine. c may be nil, in which case cache
// invalidation (§4.9 step 7) is skipped.
func New(cfg Config, gateway store.Gateway, routingClient *routing.Client, mlClient *mlclient.Client, device DeviceCommander, timerSvc *timers.Service, bus *eventbus.Bus, machine *fsm.Machine, c cache.Cache) *Engine {
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 60 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		gateway:  gateway,
		routing:  routingClient,
		ml:       mlClient,
		device:   device,
		timers:   timerSvc,
		bus:      bus,
		fsm:      machine,
		cache:    c,
		timedOut: make(map[string]map[string]bool),
	}
}

// Result summarizes the outcome of one dispatchFault call.
type Result struct {
	FaultID   string
	VehicleID string
	Err       error
}

// BatchSummary is runBatch's return value.
type BatchSummary struct {
	Dispatched int
	Failed     int
	Results    []Result
}

// DispatchFault implements §4.9's 12-step algorithm.
func (e *Engine) DispatchFault(ctx context.Context, faultID string) (string, error) {
	fault, err := e.gateway.GetFault(ctx, faultID)
	if err != nil {
		return "", fmt.Errorf("dispatch: load fault: %w", err)
	}
	if fault.Status != store.FaultWaiting {
		return "", ErrWrongState
	}

	candidates, err := e.gateway.ListVehiclesByStatus(ctx, store.VehicleAvailable)
	if err != nil {
		return "", fmt.Errorf("dispatch: list vehicles: %w", err)
	}
	candidates = e.filterEligible(candidates, faultID)
	if len(candidates) == 0 {
		return "", ErrNoCandidate
	}

	vehicleID, err := e.selectVehicle(ctx, candidates, fault)
	if err != nil {
		return "", fmt.Errorf("dispatch: select vehicle: %w", err)
	}

	ok, err := e.gateway.ReserveFaultAndVehicle(ctx, faultID, vehicleID)
	if err != nil {
		return "", fmt.Errorf("dispatch: reserve: %w", err)
	}
	if !ok {
		// One retry on contention (§5/§7): reload the fault and candidate
		// set and re-select, since the loser of the race is working from
		// stale availability.
		vehicleID, ok, err = e.retryReservation(ctx, faultID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrContended
		}
	}

	e.invalidateCaches(ctx, vehicleID, faultID)

	route := e.computeInitialRoute(ctx, vehicleID, fault)
	if err := e.gateway.CreateRoute(ctx, route); err != nil {
		logger.Error("dispatch: persist route failed", "vehicleId", vehicleID, "faultId", faultID, "error", err)
	}

	if err := e.gateway.CreateAlert(ctx, &store.Alert{
		ID:        uuid.NewString(),
		FaultID:   faultID,
		VehicleID: vehicleID,
		Priority:  store.AlertPriority(fault.Category),
		Solved:    false,
		Timestamp: time.Now(),
	}); err != nil {
		logger.Error("dispatch: create alert failed", "faultId", faultID, "vehicleId", vehicleID, "error", err)
	}

	vehicle, err := e.gateway.GetVehicle(ctx, vehicleID)
	if err != nil {
		logger.Error("dispatch: reload vehicle failed", "vehicleId", vehicleID, "error", err)
	}

	realDeviceAddressed := false
	if vehicle != nil && vehicle.DeviceID != nil && *vehicle.DeviceID != "" {
		if err := e.device.PublishDispatch(ctx, *vehicle.DeviceID, faultID, fault.Detail); err != nil {
			logger.Error("dispatch: publish command failed, queued for retry", "vehicleId", vehicleID, "faultId", faultID, "error", err)
		}
		realDeviceAddressed = true
	}

	if realDeviceAddressed {
		e.timers.Arm(timers.KindAckDeadline, faultID, e.cfg.AckDeadline, func() {
			e.onAckDeadline(context.Background(), faultID)
		})
	} else if e.cfg.PrototypeMode {
		if err := e.fsm.Confirm(ctx, faultID); err != nil {
			logger.Error("dispatch: prototype auto-confirm failed", "faultId", faultID, "error", err)
		}
	}

	vehicleNumber := ""
	if vehicle != nil {
		vehicleNumber = vehicle.Number
	}
	vehiclePos := e.vehicleOrigin(ctx, vehicleID)

	e.bus.Emit(ctx, "fault:dispatched", map[string]any{
		"faultId":       faultID,
		"vehicleId":     vehicleID,
		"vehicleNumber": vehicleNumber,
		"status":        string(store.FaultPendingConfirmation),
		"faultLat":      fault.Lat,
		"faultLon":      fault.Lon,
		"vehicleLat":    vehiclePos.Lat,
		"vehicleLon":    vehiclePos.Lon,
	})
	e.bus.Emit(ctx, "vehicle:status-change", map[string]any{"vehicleId": vehicleID, "status": string(store.VehicleOnRoute)})
	e.bus.Emit(ctx, "fault:updated", map[string]any{
		"fault": map[string]any{
			"id":     faultID,
			"status": string(store.FaultPendingConfirmation),
		},
	})
	e.bus.Emit(ctx, "dispatch:complete", map[string]any{
		"faultId":        faultID,
		"vehicleId":      vehicleID,
		"vehicleNumber":  vehicleNumber,
		"dispatchResult": Result{FaultID: faultID, VehicleID: vehicleID},
	})

	return vehicleID, nil
}

// retryReservation reloads the fault and candidate set and re-attempts a
// single reservation after ReserveFaultAndVehicle reports contention (§5/§7:
// one retry is policy, persistent conflict surfaces to the caller).
func (e *Engine) retryReservation(ctx context.Context, faultID string) (string, bool, error) {
	fault, err := e.gateway.GetFault(ctx, faultID)
	if err != nil {
		return "", false, fmt.Errorf("dispatch: retry: reload fault: %w", err)
	}
	if fault.Status != store.FaultWaiting {
		return "", false, nil
	}

	candidates, err := e.gateway.ListVehiclesByStatus(ctx, store.VehicleAvailable)
	if err != nil {
		return "", false, fmt.Errorf("dispatch: retry: list vehicles: %w", err)
	}
	candidates = e.filterEligible(candidates, faultID)
	if len(candidates) == 0 {
		return "", false, nil
	}

	vehicleID, err := e.selectVehicle(ctx, candidates, fault)
	if err != nil {
		return "", false, fmt.Errorf("dispatch: retry: select vehicle: %w", err)
	}

	ok, err := e.gateway.ReserveFaultAndVehicle(ctx, faultID, vehicleID)
	if err != nil {
		return "", false, fmt.Errorf("dispatch: retry: reserve: %w", err)
	}
	return vehicleID, ok, nil
}

// RunBatch dispatches every WAITING fault in reportedAt order, up to the
// safety cap, per §4.9.
func (e *Engine) RunBatch(ctx context.Context) BatchSummary {
	return RunBatchWith(ctx, e.gateway, e.DispatchFault)
}

// RunBatchWith runs the same safety-capped WAITING-fault sweep as RunBatch
// through an injected dispatch function, so a caller that needs each
// fault dispatched under an external lock (core.DispatchCore's keyed mutex)
// doesn't have to duplicate the sweep itself.
func RunBatchWith(ctx context.Context, gateway store.Gateway, dispatchFault func(context.Context, string) (string, error)) BatchSummary {
	summary := BatchSummary{}

	for i := 0; i < batchSafetyCap; i++ {
		waiting, err := gateway.ListFaultsByStatus(ctx, store.FaultWaiting)
		if err != nil {
			logger.Error("dispatch: runBatch: list waiting faults failed", "error", err)
			break
		}
		if len(waiting) == 0 {
			break
		}

		oldest := waiting[0]
		vehicleID, err := dispatchFault(ctx, oldest.ID)

		if err != nil {
			summary.Failed++
			summary.Results = append(summary.Results, Result{FaultID: oldest.ID, Err: err})
			if errors.Is(err, ErrNoCandidate) {
				// No global availability; further attempts this batch
				// would just repeat the same failure.
				break
			}
			continue
		}

		summary.Dispatched++
		summary.Results = append(summary.Results, Result{FaultID: oldest.ID, VehicleID: vehicleID})
	}

	return summary
}

// RearmAckDeadline re-arms the acknowledgement timer for faultID after a
// process restart, per §5's crash-safety rule: a fault found still
// PENDING_CONFIRMATION at startup has its ack deadline rebuilt with the
// given remaining duration (the spec chooses immediate timeout, i.e. a
// near-zero duration, over tracking the original deadline across restarts).
func (e *Engine) RearmAckDeadline(faultID string, remaining time.Duration) {
	e.timers.Arm(timers.KindAckDeadline, faultID, remaining, func() {
		e.onAckDeadline(context.Background(), faultID)
	})
}

// onAckDeadline implements the acknowledgement-deadline fire effects of
// §4.12.
func (e *Engine) onAckDeadline(ctx context.Context, faultID string) {
	fault, err := e.gateway.GetFault(ctx, faultID)
	if err != nil {
		logger.Error("dispatch: ack deadline: load fault failed", "faultId", faultID, "error", err)
		return
	}
	if fault.Status != store.FaultPendingConfirmation {
		return
	}
	if fault.AssignedVehicleID == nil {
		return
	}
	vehicleID := *fault.AssignedVehicleID

	e.markTimedOut(faultID, vehicleID)

	vehicle, err := e.gateway.GetVehicle(ctx, vehicleID)
	if err != nil {
		logger.Error("dispatch: ack deadline: load vehicle failed", "vehicleId", vehicleID, "error", err)
		return
	}
	if vehicle.Status == store.VehicleWorking {
		logger.Error("dispatch: ack deadline fired for WORKING vehicle with active fault, anomaly, skipping reset", "vehicleId", vehicleID, "faultId", faultID)
		return
	}

	if ok, err := e.gateway.CASFaultStatus(ctx, faultID, store.FaultPendingConfirmation, store.FaultWaiting); err != nil || !ok {
		if err != nil {
			logger.Error("dispatch: ack deadline: cas fault failed", "faultId", faultID, "error", err)
		}
		return
	}
	if _, err := e.gateway.CASVehicleStatus(ctx, vehicleID, store.VehicleOnRoute, store.VehicleAvailable); err != nil {
		logger.Error("dispatch: ack deadline: cas vehicle failed", "vehicleId", vehicleID, "error", err)
	}

	e.invalidateCaches(ctx, vehicleID, faultID)
	e.bus.Emit(ctx, "fault:updated", map[string]any{
		"fault": map[string]any{
			"id":     faultID,
			"status": string(store.FaultWaiting),
		},
	})
	e.bus.Emit(ctx, "vehicle:status-change", map[string]any{"vehicleId": vehicleID, "status": string(store.VehicleAvailable)})

	if _, err := e.DispatchFault(ctx, faultID); err != nil && !errors.Is(err, ErrNoCandidate) {
		logger.Error("dispatch: ack deadline: re-dispatch failed", "faultId", faultID, "error", err)
	}
}

func (e *Engine) markTimedOut(faultID, vehicleID string) {
	e.timedOutMu.Lock()
	defer e.timedOutMu.Unlock()
	set, ok := e.timedOut[faultID]
	if !ok {
		set = make(map[string]bool)
		e.timedOut[faultID] = set
	}
	set[vehicleID] = true
}

func (e *Engine) filterEligible(vehicles []store.Vehicle, faultID string) []store.Vehicle {
	e.timedOutMu.Lock()
	timedOut := make(map[string]bool, len(e.timedOut[faultID]))
	for vehicleID := range e.timedOut[faultID] {
		timedOut[vehicleID] = true
	}
	e.timedOutMu.Unlock()

	out := make([]store.Vehicle, 0, len(vehicles))
	for _, v := range vehicles {
		if timedOut[v.ID] {
			continue
		}
		if !e.cfg.PrototypeMode && (v.DeviceID == nil || *v.DeviceID == "") {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (e *Engine) selectVehicle(ctx context.Context, candidates []store.Vehicle, fault *store.Fault) (string, error) {
	category := scorer.Category(fault.Category)

	if e.ml != nil && e.ml.Healthy(ctx) {
		vehicleID, err := e.selectViaML(ctx, candidates, fault)
		if err == nil {
			return vehicleID, nil
		}
		logger.Error("dispatch: ml scoring failed, falling back to rule-based scorer", "faultId", fault.ID, "error", err)
	}

	return e.selectViaRules(ctx, candidates, fault, category)
}

func (e *Engine) selectViaML(ctx context.Context, candidates []store.Vehicle, fault *store.Fault) (string, error) {
	vehicleIDs := vehicleIDs(candidates)
	counters, err := e.gateway.BatchVehicleCounters(ctx, vehicleIDs, fault.Type, fault.Location)
	if err != nil {
		return "", err
	}

	mlCandidates := make([]mlclient.Candidate, len(candidates))
	for i, v := range candidates {
		c := counters[v.ID]
		origin := e.vehicleOrigin(ctx, v.ID)
		distanceM := geo.Distance(origin, geo.Point{Lat: fault.Lat, Lon: fault.Lon})
		mlCandidates[i] = mlclient.Candidate{
			VehicleID: v.ID,
			Features:  buildFeatures(c, fault, distanceM),
		}
	}

	pred, err := e.ml.Predict(ctx, mlCandidates)
	if err != nil {
		return "", err
	}
	return candidates[pred.BestIndex].ID, nil
}

func (e *Engine) selectViaRules(ctx context.Context, candidates []store.Vehicle, fault *store.Fault, category scorer.Category) (string, error) {
	vehicleIDs := vehicleIDs(candidates)
	counters, err := e.gateway.BatchVehicleCounters(ctx, vehicleIDs, fault.Type, fault.Location)
	if err != nil {
		return "", err
	}

	scorerCandidates := make([]scorer.Candidate, len(candidates))
	for i, v := range candidates {
		c := counters[v.ID]
		perf := 0.5
		if c.Assigned > 0 {
			perf = float64(c.Resolved) / float64(c.Assigned)
		}
		scorerCandidates[i] = scorer.Candidate{
			VehicleID:    v.ID,
			Perf:         perf,
			FatigueHours: float64(c.FatigueToday),
			HasLocExp:    c.HasLocExp[fault.Location],
			HasTypeExp:   c.HasTypeExp[fault.Type],
		}
	}

	best := scorer.Best(scorerCandidates, category)
	if best == "" {
		return "", ErrNoCandidate
	}
	return best, nil
}

func buildFeatures(c store.VehicleCounters, fault *store.Fault, distanceM float64) mlclient.Features {
	perf := mlclient.PastPerfFromCounts(c.Resolved, c.Assigned)

	distanceCat := 0
	switch {
	case distanceM < 5000:
		distanceCat = 0
	case distanceM < 10000:
		distanceCat = 1
	default:
		distanceCat = 2
	}

	severity := 1
	switch fault.Category {
	case store.CategoryMedium:
		severity = 2
	case store.CategoryHigh:
		severity = 3
	}

	return mlclient.Features{
		DistanceM:     distanceM,
		DistanceCat:   distanceCat,
		PastPerf:      perf,
		FaultHistory:  c.Resolved,
		FatigueH:      mlclient.FatigueHours(c.FatigueToday),
		FaultSeverity: severity,
	}
}

func vehicleIDs(vehicles []store.Vehicle) []string {
	ids := make([]string, len(vehicles))
	for i, v := range vehicles {
		ids[i] = v.ID
	}
	return ids
}

func (e *Engine) computeInitialRoute(ctx context.Context, vehicleID string, fault *store.Fault) *store.Route {
	from := e.vehicleOrigin(ctx, vehicleID)
	to := geo.Point{Lat: fault.Lat, Lon: fault.Lon}

	result := e.routing.Compute(ctx, from, to)

	waypoints := make([]store.Waypoint, len(result.Waypoints))
	for i, w := range result.Waypoints {
		waypoints[i] = store.Waypoint{Lat: w.Lat, Lon: w.Lon}
	}

	route := &store.Route{
		ID:           uuid.NewString(),
		VehicleID:    vehicleID,
		FaultID:      fault.ID,
		Waypoints:    waypoints,
		DistanceM:    result.DistanceM,
		DurationS:    result.DurationS,
		CalculatedAt: result.CalculatedAt,
		RouteStartAt: time.Now(),
		Status:       store.RouteActive,
	}
	if result.IsFallback {
		route.Source = store.RouteFallback
		route.IsFallback = true
	} else {
		route.Source = store.RouteExternal
	}
	return route
}

func (e *Engine) vehicleOrigin(ctx context.Context, vehicleID string) geo.Point {
	sample, err := e.gateway.LatestTelemetry(ctx, vehicleID)
	if err != nil {
		logger.Error("dispatch: latest telemetry lookup failed, using default location", "vehicleId", vehicleID, "error", err)
	}
	if sample != nil {
		return geo.Point{Lat: sample.Lat, Lon: sample.Lon}
	}
	return geo.Point{Lat: e.cfg.DefaultLocationLat, Lon: e.cfg.DefaultLocationLon}
}

func (e *Engine) invalidateCaches(ctx context.Context, vehicleID, faultID string) {
	if e.cache == nil {
		return
	}
	if _, err := e.cache.DeleteByPattern(ctx, "vehicle:"+vehicleID+"*"); err != nil {
		logger.Error("dispatch: vehicle cache invalidation failed", "vehicleId", vehicleID, "error", err)
	}
	if _, err := e.cache.DeleteByPattern(ctx, "fault:"+faultID+"*"); err != nil {
		logger.Error("dispatch: fault cache invalidation failed", "faultId", faultID, "error", err)
	}
}
