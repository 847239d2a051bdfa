package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/pkg/apperror"
)

type pgxMockAdapter struct {
	mock pgxmock.PgxPoolIface
}

func (a *pgxMockAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return a.mock.Exec(ctx, sql, args...)
}

func (a *pgxMockAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.mock.Query(ctx, sql, args...)
}

func (a *pgxMockAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.mock.QueryRow(ctx, sql, args...)
}

func (a *pgxMockAdapter) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return a.mock.BeginTx(ctx, txOptions)
}

func (a *pgxMockAdapter) Close() {
	a.mock.Close()
}

func (a *pgxMockAdapter) Ping(ctx context.Context) error {
	return a.mock.Ping(ctx)
}

func setupMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Postgres) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	adapter := &pgxMockAdapter{mock: mock}
	return mock, NewPostgres(adapter)
}

func TestPostgres_CASVehicleStatus_Success(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	mock.ExpectExec(`UPDATE vehicles SET status = \$1 WHERE id = \$2 AND status = \$3`).
		WithArgs(VehicleOnRoute, "v1", VehicleAvailable).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := p.CASVehicleStatus(context.Background(), "v1", VehicleAvailable, VehicleOnRoute)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CASVehicleStatus_Contended(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	mock.ExpectExec(`UPDATE vehicles SET status = \$1 WHERE id = \$2 AND status = \$3`).
		WithArgs(VehicleOnRoute, "v1", VehicleAvailable).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := p.CASVehicleStatus(context.Background(), "v1", VehicleAvailable, VehicleOnRoute)

	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetFault_NotFound(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM faults WHERE id = \$1`).
		WithArgs("f1").
		WillReturnError(pgx.ErrNoRows)

	f, err := p.GetFault(context.Background(), "f1")

	assert.Nil(t, f)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetFault_DatabaseError(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM faults WHERE id = \$1`).
		WithArgs("f1").
		WillReturnError(errors.New("connection reset"))

	f, err := p.GetFault(context.Background(), "f1")

	assert.Nil(t, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get fault")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListFaultsByStatus_OrdersByReportedAt(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"id", "type", "location", "category", "lat", "lon", "detail", "reported_at", "status", "assigned_vehicle_id",
	}).
		AddRow("f1", "POTHOLE", "5th Ave", CategoryHigh, 1.0, 2.0, "", now, FaultWaiting, (*string)(nil)).
		AddRow("f2", "SIGNAL", "Main St", CategoryLow, 3.0, 4.0, "", now.Add(time.Minute), FaultWaiting, (*string)(nil))

	mock.ExpectQuery(`SELECT .* FROM faults WHERE status = \$1 ORDER BY reported_at ASC`).
		WithArgs(FaultWaiting).
		WillReturnRows(rows)

	faults, err := p.ListFaultsByStatus(context.Background(), FaultWaiting)

	require.NoError(t, err)
	require.Len(t, faults, 2)
	assert.Equal(t, "f1", faults[0].ID)
	assert.Equal(t, "f2", faults[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ReserveFaultAndVehicle_Success(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE faults SET status = \$1, assigned_vehicle_id = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs(FaultPendingConfirmation, "v1", "f1", FaultWaiting).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE vehicles SET status = \$1 WHERE id = \$2 AND status = \$3`).
		WithArgs(VehicleOnRoute, "v1", VehicleAvailable).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ok, err := p.ReserveFaultAndVehicle(context.Background(), "f1", "v1")

	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ReserveFaultAndVehicle_FaultLost(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE faults SET status = \$1, assigned_vehicle_id = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs(FaultPendingConfirmation, "v1", "f1", FaultWaiting).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	ok, err := p.ReserveFaultAndVehicle(context.Background(), "f1", "v1")

	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ReserveFaultAndVehicle_VehicleLost(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE faults SET status = \$1, assigned_vehicle_id = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs(FaultPendingConfirmation, "v1", "f1", FaultWaiting).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE vehicles SET status = \$1 WHERE id = \$2 AND status = \$3`).
		WithArgs(VehicleOnRoute, "v1", VehicleAvailable).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	ok, err := p.ReserveFaultAndVehicle(context.Background(), "f1", "v1")

	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateTripIfNoneOngoing_CreatesWhenNoConflict(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO trips`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	trip := &Trip{VehicleID: "v1", StartLocation: "depot"}
	created, isNew, err := p.CreateTripIfNoneOngoing(context.Background(), trip)

	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, TripOngoing, created.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateTripIfNoneOngoing_ReturnsExistingOnConflict(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO trips`).
		WillReturnError(&uniqueViolationErr{})

	now := time.Now().UTC()
	existingRows := pgxmock.NewRows([]string{
		"id", "vehicle_id", "driver_id", "start_at", "end_at", "start_location", "end_location", "status", "managed_by",
	}).AddRow("t-existing", "v1", (*string)(nil), now, (*time.Time)(nil), "depot", (*string)(nil), TripOngoing, (*string)(nil))

	mock.ExpectQuery(`SELECT .* FROM trips WHERE vehicle_id = \$1 AND status = \$2`).
		WithArgs("v1", TripOngoing).
		WillReturnRows(existingRows)

	trip := &Trip{VehicleID: "v1", StartLocation: "depot"}
	result, isNew, err := p.CreateTripIfNoneOngoing(context.Background(), trip)

	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "t-existing", result.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CancelActiveRoutesForVehicle(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	mock.ExpectExec(`UPDATE routes SET status = \$1 WHERE vehicle_id = \$2 AND status = \$3`).
		WithArgs(RouteCancelled, "v1", RouteActive).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	err := p.CancelActiveRoutesForVehicle(context.Background(), "v1")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LatestTelemetry_None(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM telemetry_samples`).
		WithArgs("v1").
		WillReturnError(pgx.ErrNoRows)

	s, err := p.LatestTelemetry(context.Background(), "v1")

	require.NoError(t, err)
	assert.Nil(t, s)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BatchVehicleCounters_PopulatesAllFields(t *testing.T) {
	mock, p := setupMockStore(t)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"vehicle_id", "resolved_count", "assigned_count", "fatigue_today", "loc_exp", "type_exp"}).
		AddRow("v1", 3, 4, 1, 1, 0)
	mock.ExpectQuery(`SELECT f.assigned_vehicle_id AS vehicle_id`).
		WithArgs([]string{"v1", "v2"}, FaultResolved, "Main St", "pothole").
		WillReturnRows(rows)

	counters, err := p.BatchVehicleCounters(context.Background(), []string{"v1", "v2"}, "pothole", "Main St")

	require.NoError(t, err)
	require.Contains(t, counters, "v1")
	v1 := counters["v1"]
	assert.Equal(t, 3, v1.Resolved)
	assert.Equal(t, 4, v1.Assigned)
	assert.Equal(t, 1, v1.FatigueToday)
	assert.True(t, v1.HasLocExp["Main St"])
	assert.False(t, v1.HasTypeExp["pothole"])

	v2 := counters["v2"]
	assert.Equal(t, 0, v2.Resolved)
	assert.Equal(t, 0, v2.Assigned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// uniqueViolationErr satisfies the SQLState() string interface isUniqueViolation checks for.
type uniqueViolationErr struct{}

func (e *uniqueViolationErr) Error() string    { return "duplicate key value violates unique constraint" }
func (e *uniqueViolationErr) SQLState() string { return "23505" }
