// Package core is the Dispatch Core's composition root: it wires the
// store gateway, event bus, routing/ML/device collaborators, dispatch
// engine, FSM, telemetry handler, timer service, sweeper, and device
// protocol handlers into one process, serializing its public entry points
// on per-key locks and rebuilding in-memory timers from durable state on
// startup. Each entry point takes a single key: DispatchFault and the
// device Confirm/Resolve paths lock the fault's key, IngestTelemetry locks
// the vehicle's key. No entry point holds a vehicle key and a fault key
// together.
package core

import (
	"context"
	"errors"
	"time"

	"dispatchcore/internal/devicechannel"
	"dispatchcore/internal/dispatch"
	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/fsm"
	"dispatchcore/internal/mlclient"
	"dispatchcore/internal/protocol"
	"dispatchcore/internal/routing"
	"dispatchcore/internal/store"
	"dispatchcore/internal/sweeper"
	"dispatchcore/internal/telemetry"
	"dispatchcore/internal/timers"
	"dispatchcore/pkg/cache"
	"dispatchcore/pkg/logger"
)

// Config tunes the composed engine. It mirrors pkg/config.DispatchConfig;
// cmd/dispatchd converts one into the other.
type Config struct {
	PrototypeMode            bool
	AckDeadline              time.Duration
	AutoResolveDeadline      time.Duration
	SweeperInterval          time.Duration
	ArrivalThresholdM        float64
	DeviationThresholdM      float64
	MinDistForRecalcM        float64
	DefaultLocationLat       float64
	DefaultLocationLon       float64
}

// DispatchCore is the running process's single point of composition.
type DispatchCore struct {
	gateway   store.Gateway
	bus       *eventbus.Bus
	timerSvc  *timers.Service
	device    *devicechannel.Channel
	routing   *routing.Client
	engine    *dispatch.Engine
	machine   *fsm.Machine
	telemetry *telemetry.Handler
	protocol  *protocol.Handlers
	sweeper   *sweeper.Sweeper
	locks     *KeyedMutex
}

// New wires every component. mlClient and device may be nil (ML disabled,
// prototype mode with no real devices).
func New(cfg Config, gateway store.Gateway, bus *eventbus.Bus, routingClient *routing.Client, mlClient *mlclient.Client, device *devicechannel.Channel, c cache.Cache) *DispatchCore {
	timerSvc := timers.New()
	locks := NewKeyedMutex()
	machine := fsm.New(gateway, timerSvc, bus)

	var commander dispatch.DeviceCommander
	if device != nil {
		commander = device
	}

	engine := dispatch.New(dispatch.Config{
		PrototypeMode:      cfg.PrototypeMode,
		AckDeadline:        cfg.AckDeadline,
		DefaultLocationLat: cfg.DefaultLocationLat,
		DefaultLocationLon: cfg.DefaultLocationLon,
	}, gateway, routingClient, mlClient, commander, timerSvc, bus, machine, c)

	telemetryHandler := telemetry.New(telemetry.Config{
		PrototypeMode:       cfg.PrototypeMode,
		ArrivalThresholdM:   cfg.ArrivalThresholdM,
		DeviationThresholdM: cfg.DeviationThresholdM,
		MinDistForRecalcM:   cfg.MinDistForRecalcM,
		AutoResolveDeadline: cfg.AutoResolveDeadline,
	}, gateway, routingClient, timerSvc, bus, c, machine.Resolve)

	protocolHandlers := protocol.New(gateway, &lockedMachine{locks: locks, machine: machine})

	sweeperSvc := sweeper.New(sweeper.Config{Interval: cfg.SweeperInterval}, gateway, timerSvc, bus, c)

	return &DispatchCore{
		gateway:   gateway,
		bus:       bus,
		timerSvc:  timerSvc,
		device:    device,
		routing:   routingClient,
		engine:    engine,
		machine:   machine,
		telemetry: telemetryHandler,
		protocol:  protocolHandlers,
		sweeper:   sweeperSvc,
		locks:     locks,
	}
}

// Gateway returns the store gateway, for components built outside core
// (httpapi's fault-creation path).
func (d *DispatchCore) Gateway() store.Gateway { return d.gateway }

// Routing returns the routing client, for httpapi's route-query route.
func (d *DispatchCore) Routing() *routing.Client { return d.routing }

// DispatchFault runs the dispatch algorithm for faultID under the fault's key lock.
func (d *DispatchCore) DispatchFault(ctx context.Context, faultID string) (string, error) {
	unlock := d.locks.Lock(VehicleFaultKeys("", faultID)...)
	defer unlock()
	return d.engine.DispatchFault(ctx, faultID)
}

// IngestTelemetry processes a GPS sample under the vehicle's key lock.
func (d *DispatchCore) IngestTelemetry(ctx context.Context, s telemetry.Sample) error {
	unlock := d.locks.Lock(VehicleFaultKeys(s.VehicleID, "")...)
	defer unlock()
	return d.telemetry.Ingest(ctx, s)
}

// RunBatch dispatches every WAITING fault in reportedAt order, each under
// its own fault's key lock, per §4.9.
func (d *DispatchCore) RunBatch(ctx context.Context) dispatch.BatchSummary {
	return dispatch.RunBatchWith(ctx, d.gateway, d.DispatchFault)
}

// CreateFault persists a new WAITING fault, announces it on the event bus
// (spec §6's fault:created), and asynchronously attempts to dispatch it
// through the same locked path a manual /dispatch/run call uses.
func (d *DispatchCore) CreateFault(ctx context.Context, fault *store.Fault) error {
	if err := d.gateway.CreateFault(ctx, fault); err != nil {
		return err
	}

	d.bus.Emit(ctx, "fault:created", map[string]any{
		"fault": map[string]any{
			"id":         fault.ID,
			"type":       fault.Type,
			"location":   fault.Location,
			"category":   string(fault.Category),
			"lat":        fault.Lat,
			"lon":        fault.Lon,
			"status":     string(fault.Status),
			"reportedAt": fault.ReportedAt,
		},
	})

	faultID := fault.ID
	go func() {
		dispatchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := d.DispatchFault(dispatchCtx, faultID); err != nil && !errors.Is(err, dispatch.ErrNoCandidate) {
			logger.Error("core: async dispatch failed", "faultId", faultID, "error", err)
		}
	}()

	return nil
}

// Start launches the sweeper loop, subscribes the device channel to
// confirmation/resolution topics, and rebuilds in-memory timers from
// durable state per §5's crash-safety rule.
func (d *DispatchCore) Start(ctx context.Context) error {
	if err := d.rebuildTimers(ctx); err != nil {
		logger.Error("core: startup timer rebuild failed", "error", err)
	}

	d.sweeper.Start()

	if d.device != nil {
		vehicles, err := d.gateway.ListVehiclesByStatus(ctx,
			store.VehicleAvailable, store.VehicleIdle, store.VehicleOnRoute, store.VehicleWorking)
		if err != nil {
			logger.Error("core: list vehicles for device subscription failed", "error", err)
		} else {
			numbers := make([]string, 0, len(vehicles))
			for _, v := range vehicles {
				numbers = append(numbers, v.Number)
			}
			d.device.SubscribeConfirmations(ctx, numbers, d.protocol.Confirmation)
			d.device.SubscribeResolutions(ctx, numbers, d.protocol.Resolution)
		}
	}

	return nil
}

// Stop shuts down the sweeper loop. The device channel's subscriber
// goroutines exit on ctx cancellation (they are started with the same ctx
// passed to Start).
func (d *DispatchCore) Stop() {
	d.sweeper.Stop()
}

// rebuildTimers re-arms in-memory deadlines lost across a process restart:
// faults stuck PENDING_CONFIRMATION get an immediate ack timeout, and
// WORKING vehicles with an ASSIGNED fault (prototype mode only) get a
// fresh auto-resolve window. The first sweeper tick after this reconciles
// anything these two scans miss.
func (d *DispatchCore) rebuildTimers(ctx context.Context) error {
	pending, err := d.gateway.ListFaultsByStatus(ctx, store.FaultPendingConfirmation)
	if err != nil {
		return err
	}
	for _, f := range pending {
		d.engine.RearmAckDeadline(f.ID, time.Millisecond)
	}

	working, err := d.gateway.ListVehiclesByStatus(ctx, store.VehicleWorking)
	if err != nil {
		return err
	}
	for _, v := range working {
		fault, err := d.gateway.FaultAssignedToVehicle(ctx, v.ID)
		if err != nil {
			logger.Error("core: startup scan: load assigned fault failed", "vehicleId", v.ID, "error", err)
			continue
		}
		if fault != nil && fault.Status == store.FaultAssigned {
			d.telemetry.RearmAutoResolve(v.ID)
		}
	}

	return nil
}

// lockedMachine wraps fsm.Machine so that protocol.Handlers, which only
// sees the narrower protocol.FaultMachine interface, goes through the
// composition root's per-fault lock before mutating state.
type lockedMachine struct {
	locks   *KeyedMutex
	machine *fsm.Machine
}

func (l *lockedMachine) Confirm(ctx context.Context, faultID string) error {
	unlock := l.locks.Lock(VehicleFaultKeys("", faultID)...)
	defer unlock()
	return l.machine.Confirm(ctx, faultID)
}

func (l *lockedMachine) Resolve(ctx context.Context, faultID string) error {
	unlock := l.locks.Lock(VehicleFaultKeys("", faultID)...)
	defer unlock()
	return l.machine.Resolve(ctx, faultID)
}
