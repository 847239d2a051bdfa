// Package sweeper is the Dispatch Core's C13 component: a periodic
// reconciliation pass that catches vehicles stuck ON_ROUTE or WORKING
// with no live work behind them (invariant I4). Grounded on
// pkg/cache.MemoryCache's cleanupLoop ticker/stopCh/WaitGroup shape.
package sweeper

import (
	"context"
	"sync"
	"time"

	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/store"
	"dispatchcore/internal/timers"
	"dispatchcore/pkg/cache"
	"dispatchcore/pkg/logger"
)

const vehicleCachePattern = "vehicle:*"

// Config controls the sweeper's tick interval.
type Config struct {
	Interval time.Duration
}

// Sweeper periodically reconciles Vehicle.status against live work.
type Sweeper struct {
	cfg     Config
	gateway store.Gateway
	timers  *timers.Service
	bus     *eventbus.Bus
	cache   cache.Cache

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Sweeper. cache may be nil, in which case invalidation is skipped.
func New(cfg Config, gateway store.Gateway, timerSvc *timers.Service, bus *eventbus.Bus, c cache.Cache) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Sweeper{
		cfg:     cfg,
		gateway: gateway,
		timers:  timerSvc,
		bus:     bus,
		cache:   c,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background ticker loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the ticker loop and waits for the in-flight tick to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick runs a single reconciliation pass and returns how many vehicles were
// cleared, for diagnostics and tests.
func (s *Sweeper) Tick(ctx context.Context) int {
	vehicles, err := s.gateway.ListVehiclesByStatus(ctx, store.VehicleOnRoute, store.VehicleWorking)
	if err != nil {
		logger.Error("sweeper: list vehicles failed", "error", err)
		return 0
	}

	cleared := 0
	for _, v := range vehicles {
		if s.vehicleHasLiveWork(ctx, v.ID) {
			continue
		}

		ok, err := s.gateway.CASVehicleStatus(ctx, v.ID, v.Status, store.VehicleAvailable)
		if err != nil {
			logger.Error("sweeper: clear vehicle failed", "vehicleId", v.ID, "error", err)
			continue
		}
		if !ok {
			// Status changed concurrently; leave it to the next tick.
			continue
		}

		if err := s.gateway.CancelActiveRoutesForVehicle(ctx, v.ID); err != nil {
			logger.Error("sweeper: cancel routes failed", "vehicleId", v.ID, "error", err)
		}

		s.invalidateVehicleCache(ctx)

		s.bus.Emit(ctx, "vehicle:status-change", map[string]any{
			"vehicleId": v.ID,
			"status":    string(store.VehicleAvailable),
			"updatedFields": map[string]any{
				"clearRoute": true,
			},
		})

		cleared++
	}

	return cleared
}

// vehicleHasLiveWork reports whether vehicleID has a Fault assigned to it in
// {PENDING_CONFIRMATION, ASSIGNED}. The ack deadline is keyed by faultId and
// armed in the same step that writes that fault (§4.9 steps 5-11), so a live
// ack deadline implies a matching fault here; there is no live-deadline
// case this lookup misses.
func (s *Sweeper) vehicleHasLiveWork(ctx context.Context, vehicleID string) bool {
	fault, err := s.gateway.FaultAssignedToVehicle(ctx, vehicleID)
	if err != nil {
		logger.Error("sweeper: fault lookup failed", "vehicleId", vehicleID, "error", err)
		// Err on the side of leaving the vehicle alone rather than clearing
		// it on an inconclusive read.
		return true
	}
	return fault != nil
}

func (s *Sweeper) invalidateVehicleCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.DeleteByPattern(ctx, vehicleCachePattern); err != nil {
		logger.Error("sweeper: cache invalidation failed", "error", err)
	}
}
