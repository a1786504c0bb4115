// Package httpapi exposes spec.md §6's HTTP surface over the dispatch,
// proximity, and surge engines via gorilla/mux, generalized from the
// teacher's two-route Server into the full route table.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ridecore/dispatch/internal/apperr"
	"github.com/ridecore/dispatch/internal/dispatch"
	"github.com/ridecore/dispatch/internal/geo"
	"github.com/ridecore/dispatch/internal/models"
	"github.com/ridecore/dispatch/internal/observability"
	"github.com/ridecore/dispatch/internal/surge"

	"log/slog"
)

// Server wires the dispatch/proximity/surge engines into the HTTP surface.
// Every dependency is constructed by the caller (cmd/server) and injected
// here, mirroring the teacher's plain-struct, no-globals Server shape.
type Server struct {
	Dispatch *dispatch.Engine
	Geo      geo.Index
	Surge    *surge.Engine
	WS       *dispatch.WSNotifier

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer builds a Server around already-constructed collaborators and
// registers routes/middleware.
func NewServer(d *dispatch.Engine, g geo.Index, s *surge.Engine, ws *dispatch.WSNotifier, logger *slog.Logger) *Server {
	srv := &Server{Dispatch: d, Geo: g, Surge: s, WS: ws, logger: logger, mux: mux.NewRouter()}
	srv.routes()
	srv.registerMiddleware()
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/drivers/{driverId}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/nearby", s.handleDriversNearby).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driverId}/status", s.handleDriverStatus).Methods(http.MethodPatch)

	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{rideId}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{rideId}/driver-response", s.handleDriverResponse).Methods(http.MethodPost)
	api.HandleFunc("/rides/{rideId}/check-timeout", s.handleCheckTimeout).Methods(http.MethodPost)
	api.HandleFunc("/rides/{rideId}/cancel", s.handleCancelRide).Methods(http.MethodPost)

	api.HandleFunc("/surge/{cell}", s.handleGetSurgeCell).Methods(http.MethodGet)
	api.HandleFunc("/surge/calculate", s.handleCalculateSurge).Methods(http.MethodPost)
	api.HandleFunc("/surge/region/{region}", s.handleSurgeZonesForRegion).Methods(http.MethodGet)
	api.HandleFunc("/surge/demand", s.handleIncrementDemand).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	// Driver push-delivery WebSocket registration, generalized from the
	// teacher's /ws/{driver_id} route onto the typed WSNotifier.
	s.mux.HandleFunc("/ws/{driverId}", s.handleWS)
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape every error response carries (spec.md §7).
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps err to its HTTP status + stable code, defaulting unknown
// errors to INTERNAL_ERROR/500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if ae, ok := apperr.As(err); ok {
		if ae.Cause != nil {
			s.log().Error("request failed", "kind", ae.Kind, "message", ae.Message, "cause", ae.Cause)
		}
		writeJSON(w, ae.HTTPStatus(), errorBody{Code: string(ae.Kind), Message: ae.Message})
		return
	}
	s.log().Error("unclassified request error", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: string(apperr.KindInternal), Message: "internal error"})
}

func decodeJSON(r *http.Request, v interface{}) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return body, nil
	}
	return body, json.Unmarshal(body, v)
}

// --- Driver presence & proximity -------------------------------------------------

type driverLocationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp,omitempty"`
	Heading   float64 `json:"heading,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driverId"]
	var in driverLocationRequest
	if _, err := decodeJSON(r, &in); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if in.Latitude < -90 || in.Latitude > 90 || in.Longitude < -180 || in.Longitude > 180 {
		s.writeError(w, apperr.New(apperr.KindValidation, "latitude/longitude out of range"))
		return
	}
	ts := time.Now()
	if in.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, in.Timestamp); err == nil {
			ts = parsed
		}
	}

	region, cell, err := s.Geo.UpdateLocation(r.Context(), driverID, in.Latitude, in.Longitude, ts, in.Heading, in.Speed)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "location update failed", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "driverId": driverID, "cell": cell, "region": region,
	})
}

func (s *Server) handleDriversNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("latitude"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("longitude"), 64)
	if latErr != nil || lngErr != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		s.writeError(w, apperr.New(apperr.KindValidation, "latitude/longitude required and in range"))
		return
	}

	radiusKm := 5.0
	if v := q.Get("radiusKm"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0.1 || parsed > 50 {
			s.writeError(w, apperr.New(apperr.KindValidation, "radiusKm must be in (0.1, 50]"))
			return
		}
		radiusKm = parsed
	}

	limit := 20
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 50 {
			s.writeError(w, apperr.New(apperr.KindValidation, "limit must be in [1, 50]"))
			return
		}
		limit = parsed
	}

	region := q.Get("region")
	if region == "" {
		region = geo.RegionFor(lat, lng)
	}
	tier := models.VehicleTier(q.Get("vehicleType"))
	if tier != "" && !models.ValidTier(tier) {
		s.writeError(w, apperr.New(apperr.KindValidation, "invalid vehicleType"))
		return
	}

	drivers, err := s.Geo.FindNearby(r.Context(), geo.FindNearbyQuery{
		Lat: lat, Lng: lng, RadiusKm: radiusKm, Region: region, Tier: tier, Limit: limit,
	})
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "proximity lookup failed", err))
		return
	}
	if drivers == nil {
		drivers = []models.NearbyDriver{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"drivers": drivers, "count": len(drivers)})
}

type driverStatusRequest struct {
	Status models.DriverStatus `json:"status"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driverId"]
	var in driverStatusRequest
	if _, err := decodeJSON(r, &in); err != nil || !models.ValidDriverStatus(in.Status) {
		s.writeError(w, apperr.New(apperr.KindValidation, "invalid status"))
		return
	}
	previous, err := s.Geo.SetStatus(r.Context(), driverID, in.Status)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "status update failed", err))
		return
	}
	if previous != models.DriverOnline && in.Status == models.DriverOnline {
		observability.DriversOnline.Inc()
	} else if previous == models.DriverOnline && in.Status != models.DriverOnline {
		observability.DriversOnline.Dec()
	}
	s.log().Info("driver_status_changed", "driverId", driverID, "previous", previous, "status", in.Status)
	writeJSON(w, http.StatusOK, map[string]interface{}{"driverId": driverID, "status": in.Status})
}

// --- Dispatch / rides -------------------------------------------------

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := r.Header.Get("Idempotency-Key")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, "failed to read request body", err))
		return
	}
	var in dispatch.CreateRideRequestInput
	if len(body) > 0 {
		if err := json.Unmarshal(body, &in); err != nil {
			s.writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
			return
		}
	}

	out, err := s.Dispatch.CreateRideRequest(r.Context(), idempotencyKey, body, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["rideId"]
	details, err := s.Dispatch.GetRideDetails(r.Context(), rideID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleDriverResponse(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["rideId"]
	var in dispatch.DriverResponseInput
	if _, err := decodeJSON(r, &in); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	out, err := s.Dispatch.HandleDriverResponse(r.Context(), rideID, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCheckTimeout(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["rideId"]
	out, err := s.Dispatch.CheckTimeout(r.Context(), rideID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type cancelRideRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["rideId"]
	var in cancelRideRequest
	_, _ = decodeJSON(r, &in)
	out, err := s.Dispatch.CancelRide(r.Context(), rideID, in.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Surge -------------------------------------------------

func (s *Server) handleGetSurgeCell(w http.ResponseWriter, r *http.Request) {
	cell := mux.Vars(r)["cell"]
	region := r.URL.Query().Get("region")
	if region == "" {
		region = geo.DefaultRegion
	}
	sc, err := s.Surge.GetSurgeForCell(r.Context(), region, cell)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "surge lookup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

type calculateSurgeRequest struct {
	Cell      string  `json:"cell"`
	Region    string  `json:"region"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (s *Server) handleCalculateSurge(w http.ResponseWriter, r *http.Request) {
	var in calculateSurgeRequest
	if _, err := decodeJSON(r, &in); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if in.Cell == "" || in.Region == "" {
		s.writeError(w, apperr.New(apperr.KindValidation, "cell and region are required"))
		return
	}
	if in.Latitude < -90 || in.Latitude > 90 || in.Longitude < -180 || in.Longitude > 180 {
		s.writeError(w, apperr.New(apperr.KindValidation, "latitude/longitude out of range"))
		return
	}
	sc, err := s.Surge.CalculateSurge(r.Context(), surge.CalculateInput{
		Cell: in.Cell, Region: in.Region, Lat: in.Latitude, Lng: in.Longitude,
	})
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "surge calculation failed", err))
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleSurgeZonesForRegion(w http.ResponseWriter, r *http.Request) {
	region := mux.Vars(r)["region"]
	minSurge := 0.0
	if v := r.URL.Query().Get("minSurge"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, apperr.New(apperr.KindValidation, "invalid minSurge"))
			return
		}
		minSurge = parsed
	}
	zones, err := s.Surge.GetSurgeZonesForRegion(r.Context(), region, minSurge)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "surge zones lookup failed", err))
		return
	}
	if zones == nil {
		zones = []models.SurgeCell{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"region": region, "zones": zones})
}

type incrementDemandRequest struct {
	Cell   string `json:"cell"`
	Region string `json:"region"`
}

func (s *Server) handleIncrementDemand(w http.ResponseWriter, r *http.Request) {
	var in incrementDemandRequest
	if _, err := decodeJSON(r, &in); err != nil || in.Cell == "" || in.Region == "" {
		s.writeError(w, apperr.New(apperr.KindValidation, "cell and region are required"))
		return
	}
	count, err := s.Surge.IncrementDemand(r.Context(), in.Cell, in.Region)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindServiceUnavailable, "demand counter unavailable", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cell": in.Cell, "demandCount": count})
}

// --- Driver push delivery -------------------------------------------------

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driverId"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, "websocket upgrade failed", err))
		return
	}
	if s.WS != nil {
		s.WS.Add(driverID, conn)
	}
}
