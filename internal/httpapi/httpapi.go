// Package httpapi is the Dispatch Core's HTTP ingress: the four domain
// routes from spec §6 (fault ingress, dispatch trigger, telemetry ingress,
// route query) plus a vehicle-position query, wired onto a stdlib
// net/http.ServeMux.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"dispatchcore/internal/core"
	"dispatchcore/internal/geo"
	"dispatchcore/internal/routing"
	"dispatchcore/internal/store"
	"dispatchcore/internal/telemetry"
	"dispatchcore/pkg/apperror"
	"dispatchcore/pkg/logger"

	"github.com/google/uuid"
)

// API holds the composed core the domain routes dispatch into. Every route
// that touches a vehicleId/faultId goes through the core's locked entry
// points rather than reaching into its collaborators directly.
type API struct {
	core *core.DispatchCore
}

// New builds an API wired to a composed DispatchCore.
func New(dispatchCore *core.DispatchCore) *API {
	return &API{core: dispatchCore}
}

// Mux builds the domain route mux. Callers wrap it with otelient.HTTPMiddleware
// and add /health, /ready, /metrics alongside it.
func (a *API) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /faults", a.handleCreateFault)
	mux.HandleFunc("POST /dispatch/run", a.handleRunDispatch)
	mux.HandleFunc("POST /gps", a.handleIngestGPS)
	mux.HandleFunc("GET /routes/calculate", a.handleCalculateRoute)
	mux.HandleFunc("GET /vehicles/{id}/position", a.handleVehiclePosition)
	return mux
}

type createFaultRequest struct {
	Type     string  `json:"type"`
	Location string  `json:"location"`
	Category string  `json:"category"`
	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
	Detail   string  `json:"detail,omitempty"`
}

type createFaultResponse struct {
	ID string `json:"id"`
}

func (a *API) handleCreateFault(w http.ResponseWriter, r *http.Request) {
	var req createFaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "malformed request body"))
		return
	}

	category := store.FaultCategory(req.Category)
	switch category {
	case store.CategoryHigh, store.CategoryMedium, store.CategoryLow:
	default:
		writeError(w, apperror.NewWithField(apperror.CodeInvalidArgument, "category must be HIGH, MEDIUM, or LOW", "category"))
		return
	}

	var lat, lon float64
	if req.Lat != nil || req.Lon != nil {
		if req.Lat == nil || req.Lon == nil {
			writeError(w, apperror.New(apperror.CodeInvalidArgument, "lat and lon must both be present"))
			return
		}
		lat, lon = *req.Lat, *req.Lon
		if err := (geo.Point{Lat: lat, Lon: lon}).Validate(); err != nil {
			writeError(w, apperror.Wrap(err, apperror.CodeBadCoordinate, "coordinate out of range"))
			return
		}
	}

	fault := &store.Fault{
		ID:         uuid.NewString(),
		Type:       req.Type,
		Location:   req.Location,
		Category:   category,
		Lat:        lat,
		Lon:        lon,
		Detail:     req.Detail,
		ReportedAt: time.Now(),
		Status:     store.FaultWaiting,
	}

	if err := a.core.CreateFault(r.Context(), fault); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to create fault"))
		return
	}

	writeJSON(w, http.StatusCreated, createFaultResponse{ID: fault.ID})
}

func (a *API) handleRunDispatch(w http.ResponseWriter, r *http.Request) {
	summary := a.core.RunBatch(r.Context())
	writeJSON(w, http.StatusOK, summary)
}

type ingestGPSRequest struct {
	VehicleID string  `json:"vehicleId"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Speed     float64 `json:"speed,omitempty"`
}

func (a *API) handleIngestGPS(w http.ResponseWriter, r *http.Request) {
	var req ingestGPSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "malformed request body"))
		return
	}
	if req.VehicleID == "" {
		writeError(w, apperror.NewWithField(apperror.CodeInvalidArgument, "vehicleId is required", "vehicleId"))
		return
	}

	err := a.core.IngestTelemetry(r.Context(), telemetry.Sample{
		VehicleID: req.VehicleID,
		Lat:       req.Lat,
		Lon:       req.Lon,
		Speed:     req.Speed,
		Timestamp: time.Now(),
	})
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeBadCoordinate, "telemetry ingestion failed"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type calculateRouteResponse struct {
	Waypoints    []geo.Point `json:"waypoints"`
	DistanceM    float64     `json:"distanceM"`
	DurationS    float64     `json:"durationS"`
	Source       string      `json:"source"`
	IsFallback   bool        `json:"isFallback"`
	CalculatedAt time.Time   `json:"calculatedAt"`
}

func (a *API) handleCalculateRoute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fromLat, err1 := strconv.ParseFloat(q.Get("fromLat"), 64)
	fromLng, err2 := strconv.ParseFloat(q.Get("fromLng"), 64)
	toLat, err3 := strconv.ParseFloat(q.Get("toLat"), 64)
	toLng, err4 := strconv.ParseFloat(q.Get("toLng"), 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		writeError(w, apperror.New(apperror.CodeInvalidArgument, "fromLat, fromLng, toLat, toLng must all be valid floats"))
		return
	}

	from := geo.Point{Lat: fromLat, Lon: fromLng}
	to := geo.Point{Lat: toLat, Lon: toLng}
	if err := from.Validate(); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeBadCoordinate, "from coordinate out of range"))
		return
	}
	if err := to.Validate(); err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeBadCoordinate, "to coordinate out of range"))
		return
	}

	result := a.core.Routing().Compute(r.Context(), from, to)
	writeJSON(w, http.StatusOK, calculateRouteResponse{
		Waypoints:    result.Waypoints,
		DistanceM:    result.DistanceM,
		DurationS:    result.DurationS,
		Source:       result.Source,
		IsFallback:   result.IsFallback,
		CalculatedAt: result.CalculatedAt,
	})
}

type vehiclePositionResponse struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Done bool    `json:"done"`
}

// handleVehiclePosition estimates a vehicle's current position along its
// active route by interpolating elapsed wall-clock time since the route
// started, for callers that want a position between telemetry samples.
func (a *API) handleVehiclePosition(w http.ResponseWriter, r *http.Request) {
	vehicleID := r.PathValue("id")
	if vehicleID == "" {
		writeError(w, apperror.NewWithField(apperror.CodeInvalidArgument, "vehicle id is required", "id"))
		return
	}

	gateway := a.core.Gateway()
	fault, err := gateway.FaultAssignedToVehicle(r.Context(), vehicleID)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to load assigned fault"))
		return
	}
	if fault == nil {
		writeError(w, apperror.New(apperror.CodeNotFound, "vehicle has no assigned fault"))
		return
	}

	route, err := gateway.GetActiveRoute(r.Context(), vehicleID, fault.ID)
	if err != nil {
		writeError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to load active route"))
		return
	}
	if route == nil {
		writeError(w, apperror.New(apperror.CodeNotFound, "vehicle has no active route"))
		return
	}

	waypoints := make([]geo.Point, len(route.Waypoints))
	for i, wp := range route.Waypoints {
		waypoints[i] = geo.Point{Lat: wp.Lat, Lon: wp.Lon}
	}

	traveledMeters := time.Since(route.RouteStartAt).Seconds() * routing.AssumedSpeedMps
	pos, done := geo.PositionAlongRoute(waypoints, traveledMeters)

	writeJSON(w, http.StatusOK, vehiclePositionResponse{Lat: pos.Lat, Lon: pos.Lon, Done: done})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("httpapi: encode response failed", "error", err)
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err *apperror.Error) {
	writeJSON(w, err.HTTPStatus(), errorResponse{Code: string(err.Code), Message: err.Message})
}
