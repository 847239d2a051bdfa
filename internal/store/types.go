// Package store is the Dispatch Core's typed gateway onto the eight core
// entities (Vehicle, Driver, Device, Fault, Trip, Route, Telemetry sample,
// Alert). It owns optimistic-concurrency status transitions and the
// at-most-one-ongoing-trip / at-most-one-active-route invariants.
package store

import "time"

// VehicleStatus is the lifecycle status of a Vehicle.
type VehicleStatus string

const (
	VehicleAvailable VehicleStatus = "AVAILABLE"
	VehicleIdle      VehicleStatus = "IDLE"
	VehicleOnRoute   VehicleStatus = "ON_ROUTE"
	VehicleWorking   VehicleStatus = "WORKING"
)

// FaultCategory is the severity/priority of a Fault.
type FaultCategory string

const (
	CategoryHigh   FaultCategory = "HIGH"
	CategoryMedium FaultCategory = "MEDIUM"
	CategoryLow    FaultCategory = "LOW"
)

// FaultStatus is the lifecycle status of a Fault.
type FaultStatus string

const (
	FaultWaiting              FaultStatus = "WAITING"
	FaultPendingConfirmation  FaultStatus = "PENDING_CONFIRMATION"
	FaultAssigned             FaultStatus = "ASSIGNED"
	FaultResolved             FaultStatus = "RESOLVED"
)

// TripStatus is the lifecycle status of a Trip.
type TripStatus string

const (
	TripOngoing  TripStatus = "ONGOING"
	TripComplete TripStatus = "COMPLETED"
	TripCanceled TripStatus = "CANCELED"
)

// RouteSource identifies whether a Route came from the external collaborator
// or the straight-line fallback.
type RouteSource string

const (
	RouteExternal RouteSource = "EXTERNAL"
	RouteFallback RouteSource = "FALLBACK"
)

// RouteStatus is the lifecycle status of a Route.
type RouteStatus string

const (
	RouteActive     RouteStatus = "ACTIVE"
	RouteCompleted  RouteStatus = "COMPLETED"
	RouteCancelled  RouteStatus = "CANCELLED"
	RouteSuperseded RouteStatus = "SUPERSEDED"
)

// AlertPriority mirrors FaultCategory for the alert raised on reservation.
type AlertPriority string

const (
	AlertHigh   AlertPriority = "HIGH"
	AlertMedium AlertPriority = "MEDIUM"
	AlertLow    AlertPriority = "LOW"
)

// Vehicle is a dispatchable unit in the fleet.
type Vehicle struct {
	ID       string
	Number   string
	Status   VehicleStatus
	DriverID *string
	DeviceID *string
}

// Driver operates a Vehicle.
type Driver struct {
	ID        string
	Name      string
	License   string
	Contact   string
	VehicleID *string
}

// Device is the in-vehicle hardware addressed on the device channel.
type Device struct {
	ID               string
	ExternalDeviceID string
	VehicleID        *string
	Status           string
	InstalledAt      time.Time
}

// Fault is a reported issue awaiting a dispatched vehicle.
type Fault struct {
	ID                string
	Type              string
	Location          string
	Category          FaultCategory
	Lat               float64
	Lon               float64
	Detail            string
	ReportedAt        time.Time
	Status            FaultStatus
	AssignedVehicleID *string
}

// Trip records a vehicle's assignment to a fault from confirmation through
// resolution. Invariant I1: at most one ONGOING trip per vehicle.
type Trip struct {
	ID            string
	VehicleID     string
	DriverID      *string
	StartAt       time.Time
	EndAt         *time.Time
	StartLocation string
	EndLocation   *string
	Status        TripStatus
	ManagedBy     *string
}

// Waypoint is a single point on a Route's polyline.
type Waypoint struct {
	Lat float64
	Lon float64
}

// Route is the planned path a vehicle follows to a fault. Invariant I2: at
// most one ACTIVE route per (vehicleId, faultId).
type Route struct {
	ID           string
	VehicleID    string
	FaultID      string
	Waypoints    []Waypoint
	DistanceM    float64
	DurationS    float64
	Source       RouteSource
	IsFallback   bool
	CalculatedAt time.Time
	RouteStartAt time.Time
	Status       RouteStatus
}

// TelemetrySample is an append-only GPS/speed reading for a vehicle.
type TelemetrySample struct {
	VehicleID string
	Lat       float64
	Lon       float64
	Speed     float64
	Timestamp time.Time
}

// Alert is raised once per successful reservation.
type Alert struct {
	ID               string
	FaultID          string
	VehicleID        string
	Priority         AlertPriority
	Solved           bool
	AcknowledgedBy   *string
	Timestamp        time.Time
}

// VehicleCounters are the per-vehicle aggregates the rule-based scorer
// needs, precomputed in a single batch query (spec §4.8).
type VehicleCounters struct {
	Resolved     int
	Assigned     int
	FatigueToday int
	HasLocExp    map[string]bool // location -> ever resolved there
	HasTypeExp   map[string]bool // fault type -> ever resolved that type
}
