package store

import "context"

// Gateway is the typed store access the dispatch engine, FSMs, telemetry
// handler, and sweeper depend on. internal/store.Postgres is
// the only production implementation; tests may substitute a fake.
type Gateway interface {
	// Vehicles
	GetVehicle(ctx context.Context, id string) (*Vehicle, error)
	ListVehiclesByStatus(ctx context.Context, statuses ...VehicleStatus) ([]Vehicle, error)
	CASVehicleStatus(ctx context.Context, id string, expected, next VehicleStatus) (bool, error)

	// Faults
	CreateFault(ctx context.Context, f *Fault) error
	GetFault(ctx context.Context, id string) (*Fault, error)
	ListFaultsByStatus(ctx context.Context, status FaultStatus) ([]Fault, error)
	CASFaultStatus(ctx context.Context, id string, expected, next FaultStatus) (bool, error)

	// ReserveFaultAndVehicle performs the atomic step of spec §4.9.6: it
	// transitions Fault WAITING->PENDING_CONFIRMATION with the given
	// assignedVehicleId AND Vehicle AVAILABLE->ON_ROUTE in one transaction.
	// Returns false (no error) if either CAS loses the race.
	ReserveFaultAndVehicle(ctx context.Context, faultID, vehicleID string) (bool, error)

	// FaultAssignedToVehicle returns the fault currently assigned to
	// vehicleID in {PENDING_CONFIRMATION, ASSIGNED}, or nil if none.
	FaultAssignedToVehicle(ctx context.Context, vehicleID string) (*Fault, error)

	// Trips
	CreateTripIfNoneOngoing(ctx context.Context, t *Trip) (trip *Trip, created bool, err error)
	GetOngoingTrip(ctx context.Context, vehicleID string) (*Trip, error)
	CompleteTrip(ctx context.Context, tripID string, endLocation string) error

	// Routes
	CreateRoute(ctx context.Context, r *Route) error
	GetActiveRoute(ctx context.Context, vehicleID, faultID string) (*Route, error)
	SetRouteStatus(ctx context.Context, routeID string, status RouteStatus) error
	CancelActiveRoutesForVehicle(ctx context.Context, vehicleID string) error

	// Telemetry
	AppendTelemetry(ctx context.Context, s TelemetrySample) error
	LatestTelemetry(ctx context.Context, vehicleID string) (*TelemetrySample, error)

	// Alerts
	CreateAlert(ctx context.Context, a *Alert) error
	SolveAlerts(ctx context.Context, faultID, vehicleID string) error

	// Scorer batch inputs (spec §4.8)
	BatchVehicleCounters(ctx context.Context, vehicleIDs []string, faultType, location string) (map[string]VehicleCounters, error)
}
