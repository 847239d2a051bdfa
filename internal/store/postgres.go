package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dispatchcore/pkg/apperror"
	"dispatchcore/pkg/database"
	"dispatchcore/pkg/otelient"
)

// Postgres is the pgx-backed implementation of Gateway.
type Postgres struct {
	db database.DB
}

// NewPostgres wraps a database.DB with the Dispatch Core's typed queries.
func NewPostgres(db database.DB) *Postgres {
	return &Postgres{db: db}
}

var _ Gateway = (*Postgres)(nil)

func (p *Postgres) GetVehicle(ctx context.Context, id string) (*Vehicle, error) {
	ctx, span := otelient.StartSpan(ctx, "store.GetVehicle")
	defer span.End()

	var v Vehicle
	var driverID, deviceID *string
	err := p.db.QueryRow(ctx,
		`SELECT id, number, status, driver_id, device_id FROM vehicles WHERE id = $1`,
		id,
	).Scan(&v.ID, &v.Number, &v.Status, &driverID, &deviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.ErrNotFound
		}
		return nil, fmt.Errorf("get vehicle: %w", err)
	}
	v.DriverID = driverID
	v.DeviceID = deviceID
	return &v, nil
}

func (p *Postgres) ListVehiclesByStatus(ctx context.Context, statuses ...VehicleStatus) ([]Vehicle, error) {
	ctx, span := otelient.StartSpan(ctx, "store.ListVehiclesByStatus")
	defer span.End()

	rows, err := p.db.Query(ctx,
		`SELECT id, number, status, driver_id, device_id FROM vehicles WHERE status = ANY($1)`,
		statusStrings(statuses),
	)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer rows.Close()

	var out []Vehicle
	for rows.Next() {
		var v Vehicle
		var driverID, deviceID *string
		if err := rows.Scan(&v.ID, &v.Number, &v.Status, &driverID, &deviceID); err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		v.DriverID = driverID
		v.DeviceID = deviceID
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) CASVehicleStatus(ctx context.Context, id string, expected, next VehicleStatus) (bool, error) {
	ctx, span := otelient.StartSpan(ctx, "store.CASVehicleStatus")
	defer span.End()

	tag, err := p.db.Exec(ctx,
		`UPDATE vehicles SET status = $1 WHERE id = $2 AND status = $3`,
		next, id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("cas vehicle status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) CreateFault(ctx context.Context, f *Fault) error {
	ctx, span := otelient.StartSpan(ctx, "store.CreateFault")
	defer span.End()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = FaultWaiting
	}
	if f.ReportedAt.IsZero() {
		f.ReportedAt = time.Now().UTC()
	}

	_, err := p.db.Exec(ctx,
		`INSERT INTO faults (id, type, location, category, lat, lon, detail, reported_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.ID, f.Type, f.Location, f.Category, f.Lat, f.Lon, f.Detail, f.ReportedAt, f.Status,
	)
	if err != nil {
		return fmt.Errorf("create fault: %w", err)
	}
	return nil
}

func (p *Postgres) GetFault(ctx context.Context, id string) (*Fault, error) {
	ctx, span := otelient.StartSpan(ctx, "store.GetFault")
	defer span.End()

	var f Fault
	var vehicleID *string
	err := p.db.QueryRow(ctx,
		`SELECT id, type, location, category, lat, lon, detail, reported_at, status, assigned_vehicle_id
		 FROM faults WHERE id = $1`,
		id,
	).Scan(&f.ID, &f.Type, &f.Location, &f.Category, &f.Lat, &f.Lon, &f.Detail, &f.ReportedAt, &f.Status, &vehicleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.ErrNotFound
		}
		return nil, fmt.Errorf("get fault: %w", err)
	}
	f.AssignedVehicleID = vehicleID
	return &f, nil
}

func (p *Postgres) ListFaultsByStatus(ctx context.Context, status FaultStatus) ([]Fault, error) {
	ctx, span := otelient.StartSpan(ctx, "store.ListFaultsByStatus")
	defer span.End()

	rows, err := p.db.Query(ctx,
		`SELECT id, type, location, category, lat, lon, detail, reported_at, status, assigned_vehicle_id
		 FROM faults WHERE status = $1 ORDER BY reported_at ASC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("list faults: %w", err)
	}
	defer rows.Close()

	var out []Fault
	for rows.Next() {
		var f Fault
		var vehicleID *string
		if err := rows.Scan(&f.ID, &f.Type, &f.Location, &f.Category, &f.Lat, &f.Lon, &f.Detail, &f.ReportedAt, &f.Status, &vehicleID); err != nil {
			return nil, fmt.Errorf("scan fault: %w", err)
		}
		f.AssignedVehicleID = vehicleID
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) CASFaultStatus(ctx context.Context, id string, expected, next FaultStatus) (bool, error) {
	ctx, span := otelient.StartSpan(ctx, "store.CASFaultStatus")
	defer span.End()

	tag, err := p.db.Exec(ctx,
		`UPDATE faults SET status = $1 WHERE id = $2 AND status = $3`,
		next, id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("cas fault status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReserveFaultAndVehicle is spec §4.9 step 6: one transactional write
// moving Fault WAITING->PENDING_CONFIRMATION(assignedVehicleId) and Vehicle
// AVAILABLE->ON_ROUTE. Either CAS losing the race aborts the whole write.
func (p *Postgres) ReserveFaultAndVehicle(ctx context.Context, faultID, vehicleID string) (bool, error) {
	ctx, span := otelient.StartSpan(ctx, "store.ReserveFaultAndVehicle")
	defer span.End()

	return database.WithTransactionResult(ctx, p.db, func(tx pgx.Tx) (bool, error) {
		faultTag, err := tx.Exec(ctx,
			`UPDATE faults SET status = $1, assigned_vehicle_id = $2 WHERE id = $3 AND status = $4`,
			FaultPendingConfirmation, vehicleID, faultID, FaultWaiting,
		)
		if err != nil {
			return false, fmt.Errorf("reserve fault: %w", err)
		}
		if faultTag.RowsAffected() != 1 {
			return false, nil
		}

		vehicleTag, err := tx.Exec(ctx,
			`UPDATE vehicles SET status = $1 WHERE id = $2 AND status = $3`,
			VehicleOnRoute, vehicleID, VehicleAvailable,
		)
		if err != nil {
			return false, fmt.Errorf("reserve vehicle: %w", err)
		}
		if vehicleTag.RowsAffected() != 1 {
			return false, nil
		}

		return true, nil
	})
}

func (p *Postgres) FaultAssignedToVehicle(ctx context.Context, vehicleID string) (*Fault, error) {
	ctx, span := otelient.StartSpan(ctx, "store.FaultAssignedToVehicle")
	defer span.End()

	var f Fault
	err := p.db.QueryRow(ctx,
		`SELECT id, type, location, category, lat, lon, detail, reported_at, status, assigned_vehicle_id
		 FROM faults
		 WHERE assigned_vehicle_id = $1 AND status IN ($2, $3)
		 LIMIT 1`,
		vehicleID, FaultPendingConfirmation, FaultAssigned,
	).Scan(&f.ID, &f.Type, &f.Location, &f.Category, &f.Lat, &f.Lon, &f.Detail, &f.ReportedAt, &f.Status, &f.AssignedVehicleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fault assigned to vehicle: %w", err)
	}
	return &f, nil
}

// CreateTripIfNoneOngoing enforces I1 by relying on the partial unique
// index `trips_vehicle_ongoing_idx` rather than a read-then-write race: the
// insert either succeeds or violates the constraint, in which case the
// existing ongoing trip is returned instead.
func (p *Postgres) CreateTripIfNoneOngoing(ctx context.Context, t *Trip) (*Trip, bool, error) {
	ctx, span := otelient.StartSpan(ctx, "store.CreateTripIfNoneOngoing")
	defer span.End()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.StartAt.IsZero() {
		t.StartAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = TripOngoing
	}

	_, err := p.db.Exec(ctx,
		`INSERT INTO trips (id, vehicle_id, driver_id, start_at, start_location, status, managed_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.VehicleID, t.DriverID, t.StartAt, t.StartLocation, t.Status, t.ManagedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := p.GetOngoingTrip(ctx, t.VehicleID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create trip: %w", err)
	}
	return t, true, nil
}

func (p *Postgres) GetOngoingTrip(ctx context.Context, vehicleID string) (*Trip, error) {
	ctx, span := otelient.StartSpan(ctx, "store.GetOngoingTrip")
	defer span.End()

	var t Trip
	err := p.db.QueryRow(ctx,
		`SELECT id, vehicle_id, driver_id, start_at, end_at, start_location, end_location, status, managed_by
		 FROM trips WHERE vehicle_id = $1 AND status = $2`,
		vehicleID, TripOngoing,
	).Scan(&t.ID, &t.VehicleID, &t.DriverID, &t.StartAt, &t.EndAt, &t.StartLocation, &t.EndLocation, &t.Status, &t.ManagedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ongoing trip: %w", err)
	}
	return &t, nil
}

func (p *Postgres) CompleteTrip(ctx context.Context, tripID string, endLocation string) error {
	ctx, span := otelient.StartSpan(ctx, "store.CompleteTrip")
	defer span.End()

	now := time.Now().UTC()
	_, err := p.db.Exec(ctx,
		`UPDATE trips SET status = $1, end_at = $2, end_location = $3 WHERE id = $4 AND status = $5`,
		TripComplete, now, endLocation, tripID, TripOngoing,
	)
	if err != nil {
		return fmt.Errorf("complete trip: %w", err)
	}
	return nil
}

func (p *Postgres) CreateRoute(ctx context.Context, r *Route) error {
	ctx, span := otelient.StartSpan(ctx, "store.CreateRoute")
	defer span.End()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CalculatedAt.IsZero() {
		r.CalculatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = RouteActive
	}

	waypoints, err := json.Marshal(r.Waypoints)
	if err != nil {
		return fmt.Errorf("marshal waypoints: %w", err)
	}

	_, err = p.db.Exec(ctx,
		`INSERT INTO routes (id, vehicle_id, fault_id, waypoints, distance_m, duration_s, source, is_fallback, calculated_at, route_start_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.VehicleID, r.FaultID, waypoints, r.DistanceM, r.DurationS, r.Source, r.IsFallback, r.CalculatedAt, r.RouteStartAt, r.Status,
	)
	if err != nil {
		return fmt.Errorf("create route: %w", err)
	}
	return nil
}

func (p *Postgres) GetActiveRoute(ctx context.Context, vehicleID, faultID string) (*Route, error) {
	ctx, span := otelient.StartSpan(ctx, "store.GetActiveRoute")
	defer span.End()

	var r Route
	var waypoints []byte
	err := p.db.QueryRow(ctx,
		`SELECT id, vehicle_id, fault_id, waypoints, distance_m, duration_s, source, is_fallback, calculated_at, route_start_at, status
		 FROM routes WHERE vehicle_id = $1 AND fault_id = $2 AND status = $3`,
		vehicleID, faultID, RouteActive,
	).Scan(&r.ID, &r.VehicleID, &r.FaultID, &waypoints, &r.DistanceM, &r.DurationS, &r.Source, &r.IsFallback, &r.CalculatedAt, &r.RouteStartAt, &r.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active route: %w", err)
	}
	if err := json.Unmarshal(waypoints, &r.Waypoints); err != nil {
		return nil, fmt.Errorf("unmarshal waypoints: %w", err)
	}
	return &r, nil
}

func (p *Postgres) SetRouteStatus(ctx context.Context, routeID string, status RouteStatus) error {
	ctx, span := otelient.StartSpan(ctx, "store.SetRouteStatus")
	defer span.End()

	_, err := p.db.Exec(ctx, `UPDATE routes SET status = $1 WHERE id = $2`, status, routeID)
	if err != nil {
		return fmt.Errorf("set route status: %w", err)
	}
	return nil
}

func (p *Postgres) CancelActiveRoutesForVehicle(ctx context.Context, vehicleID string) error {
	ctx, span := otelient.StartSpan(ctx, "store.CancelActiveRoutesForVehicle")
	defer span.End()

	_, err := p.db.Exec(ctx,
		`UPDATE routes SET status = $1 WHERE vehicle_id = $2 AND status = $3`,
		RouteCancelled, vehicleID, RouteActive,
	)
	if err != nil {
		return fmt.Errorf("cancel active routes: %w", err)
	}
	return nil
}

func (p *Postgres) AppendTelemetry(ctx context.Context, s TelemetrySample) error {
	ctx, span := otelient.StartSpan(ctx, "store.AppendTelemetry")
	defer span.End()

	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	_, err := p.db.Exec(ctx,
		`INSERT INTO telemetry_samples (vehicle_id, lat, lon, speed, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		s.VehicleID, s.Lat, s.Lon, s.Speed, s.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append telemetry: %w", err)
	}
	return nil
}

func (p *Postgres) LatestTelemetry(ctx context.Context, vehicleID string) (*TelemetrySample, error) {
	ctx, span := otelient.StartSpan(ctx, "store.LatestTelemetry")
	defer span.End()

	var s TelemetrySample
	err := p.db.QueryRow(ctx,
		`SELECT vehicle_id, lat, lon, speed, timestamp FROM telemetry_samples
		 WHERE vehicle_id = $1 ORDER BY timestamp DESC LIMIT 1`,
		vehicleID,
	).Scan(&s.VehicleID, &s.Lat, &s.Lon, &s.Speed, &s.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest telemetry: %w", err)
	}
	return &s, nil
}

func (p *Postgres) CreateAlert(ctx context.Context, a *Alert) error {
	ctx, span := otelient.StartSpan(ctx, "store.CreateAlert")
	defer span.End()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	_, err := p.db.Exec(ctx,
		`INSERT INTO alerts (id, fault_id, vehicle_id, priority, solved, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.FaultID, a.VehicleID, a.Priority, a.Solved, a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func (p *Postgres) SolveAlerts(ctx context.Context, faultID, vehicleID string) error {
	ctx, span := otelient.StartSpan(ctx, "store.SolveAlerts")
	defer span.End()

	_, err := p.db.Exec(ctx,
		`UPDATE alerts SET solved = true WHERE fault_id = $1 AND vehicle_id = $2`,
		faultID, vehicleID,
	)
	if err != nil {
		return fmt.Errorf("solve alerts: %w", err)
	}
	return nil
}

// BatchVehicleCounters precomputes the four maps spec §4.8 needs for the
// rule-based scorer in one round trip per counter kind, keyed by vehicleId.
func (p *Postgres) BatchVehicleCounters(ctx context.Context, vehicleIDs []string, faultType, location string) (map[string]VehicleCounters, error) {
	ctx, span := otelient.StartSpan(ctx, "store.BatchVehicleCounters")
	defer span.End()

	out := make(map[string]VehicleCounters, len(vehicleIDs))
	for _, id := range vehicleIDs {
		out[id] = VehicleCounters{HasLocExp: map[string]bool{}, HasTypeExp: map[string]bool{}}
	}

	rows, err := p.db.Query(ctx,
		`SELECT f.assigned_vehicle_id AS vehicle_id,
		        count(*) FILTER (WHERE f.status = $2) AS resolved_count,
		        count(*) AS assigned_count,
		        count(*) FILTER (WHERE f.reported_at >= date_trunc('day', now())) AS fatigue_today,
		        count(*) FILTER (WHERE f.status = $2 AND f.location = $3) AS loc_exp,
		        count(*) FILTER (WHERE f.status = $2 AND f.type = $4) AS type_exp
		 FROM faults f
		 WHERE f.assigned_vehicle_id = ANY($1)
		 GROUP BY f.assigned_vehicle_id`,
		vehicleIDs, FaultResolved, location, faultType,
	)
	if err != nil {
		return nil, fmt.Errorf("batch vehicle counters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var vehicleID string
		var resolved, assigned, fatigueToday, locExp, typeExp int
		if err := rows.Scan(&vehicleID, &resolved, &assigned, &fatigueToday, &locExp, &typeExp); err != nil {
			return nil, fmt.Errorf("scan vehicle counters: %w", err)
		}
		c := out[vehicleID]
		c.Resolved = resolved
		c.Assigned = assigned
		c.FatigueToday = fatigueToday
		if locExp > 0 {
			c.HasLocExp[location] = true
		}
		if typeExp > 0 {
			c.HasTypeExp[faultType] = true
		}
		out[vehicleID] = c
	}

	return out, rows.Err()
}

func statusStrings[T ~string](statuses []T) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
