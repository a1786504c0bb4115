package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ridecore/dispatch/internal/dispatch"
	"github.com/ridecore/dispatch/internal/eventbus"
	"github.com/ridecore/dispatch/internal/geo"
	"github.com/ridecore/dispatch/internal/idempotency"
	"github.com/ridecore/dispatch/internal/kv"
	"github.com/ridecore/dispatch/internal/models"
	"github.com/ridecore/dispatch/internal/storage"
	"github.com/ridecore/dispatch/internal/surge"
)

// newTestServer wires a Server around in-memory collaborators, mirroring
// the dispatch package's own newTestEngine helper.
func newTestServer(t *testing.T) (*Server, *geo.MemoryIndex) {
	t.Helper()
	g := geo.NewMemoryIndex(time.Minute)
	store := kv.NewMemoryStore()
	surgeEngine := surge.New(g, store, &eventbus.LoggingPublisher{}, 1.0, 3.0, 0.5, time.Minute, 5*time.Minute)

	e := &dispatch.Engine{
		Store:            storage.NewMemoryStore(),
		Geo:              g,
		KV:               store,
		Surge:            surgeEngine,
		Idempotency:      idempotency.New(store, time.Hour),
		OfferTTL:         15 * time.Second,
		MaxMatchAttempts: 2,
		DefaultRadiusKm:  5,
		RideLockTTL:      5 * time.Second,
		RideRequestTTL:   5 * time.Minute,
		FareBase:         2.5,
		FarePerKm:        1.2,
		FarePerMinute:    0.25,
	}

	ws := dispatch.NewWSNotifier(nil)
	e.Notifier = ws

	return NewServer(e, g, surgeEngine, ws, nil), g
}

func seedDriver(t *testing.T, g *geo.MemoryIndex, driverID string, lat, lng float64, tier models.VehicleTier) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := g.UpdateLocation(ctx, driverID, lat, lng, time.Now(), 0, 0); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	if err := g.SetVehicleType(ctx, driverID, tier); err != nil {
		t.Fatalf("seed driver tier: %v", err)
	}
}

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestDriverLocationUpdateSucceeds(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/drivers/d1/location", driverLocationRequest{
		Latitude: 12.9716, Longitude: 77.5946,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDriverLocationUpdateRejectsOutOfRangeCoords(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/drivers/d1/location", driverLocationRequest{
		Latitude: 200, Longitude: 77.5946,
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDriversNearbyRequiresLatLng(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/drivers/nearby", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDriversNearbyReturnsSeededDriver(t *testing.T) {
	srv, g := newTestServer(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/drivers/nearby?latitude=12.9716&longitude=77.5946", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Drivers []models.NearbyDriver `json:"drivers"`
		Count   int                   `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Count != 1 || out.Drivers[0].DriverID != "d1" {
		t.Fatalf("expected driver d1, got %+v", out)
	}
}

func TestDriverStatusUpdateToOfflineSucceeds(t *testing.T) {
	srv, g := newTestServer(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)

	rec := doRequest(t, srv, http.MethodPatch, "/api/v1/drivers/d1/status", driverStatusRequest{Status: models.DriverOffline}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDriverStatusUpdateRejectsInvalidStatus(t *testing.T) {
	srv, g := newTestServer(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)

	rec := doRequest(t, srv, http.MethodPatch, "/api/v1/drivers/d1/status", map[string]string{"status": "BOGUS"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func createRideInput() dispatch.CreateRideRequestInput {
	return dispatch.CreateRideRequestInput{
		RiderID:       "rider-1",
		Pickup:        models.Coord{Lat: 12.9716, Lng: 77.5946},
		Destination:   models.Coord{Lat: 12.99, Lng: 77.61},
		Tier:          models.TierEconomy,
		PaymentMethod: models.PaymentCard,
	}
}

func TestCreateRideReturns201ForNewRequest(t *testing.T) {
	srv, g := newTestServer(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/rides", createRideInput(), map[string]string{"Idempotency-Key": "key-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateRideReturns200OnReplay(t *testing.T) {
	srv, g := newTestServer(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)

	headers := map[string]string{"Idempotency-Key": "key-2"}
	first := doRequest(t, srv, http.MethodPost, "/api/v1/rides", createRideInput(), headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first call, got %d: %s", first.Code, first.Body.String())
	}
	second := doRequest(t, srv, http.MethodPost, "/api/v1/rides", createRideInput(), headers)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d: %s", second.Code, second.Body.String())
	}
}

func TestCreateRideMissingIdempotencyKeyFails(t *testing.T) {
	srv, g := newTestServer(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/rides", createRideInput(), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetRideReturns404ForUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/rides/does-not-exist", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetRideReturnsCreatedRide(t *testing.T) {
	srv, g := newTestServer(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)

	created := doRequest(t, srv, http.MethodPost, "/api/v1/rides", createRideInput(), map[string]string{"Idempotency-Key": "key-3"})
	var out dispatch.CreateRideRequestResult
	if err := json.Unmarshal(created.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/rides/"+out.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDriverResponseAcceptSucceeds(t *testing.T) {
	srv, g := newTestServer(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)

	created := doRequest(t, srv, http.MethodPost, "/api/v1/rides", createRideInput(), map[string]string{"Idempotency-Key": "key-4"})
	var out dispatch.CreateRideRequestResult
	if err := json.Unmarshal(created.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/rides/"+out.ID+"/driver-response", dispatch.DriverResponseInput{
		DriverID: "d1", Action: dispatch.ActionAccept,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelRideSucceeds(t *testing.T) {
	srv, g := newTestServer(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)

	created := doRequest(t, srv, http.MethodPost, "/api/v1/rides", createRideInput(), map[string]string{"Idempotency-Key": "key-5"})
	var out dispatch.CreateRideRequestResult
	if err := json.Unmarshal(created.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/rides/"+out.ID+"/cancel", cancelRideRequest{Reason: "changed my mind"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCheckTimeoutSucceeds(t *testing.T) {
	srv, g := newTestServer(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)

	created := doRequest(t, srv, http.MethodPost, "/api/v1/rides", createRideInput(), map[string]string{"Idempotency-Key": "key-6"})
	var out dispatch.CreateRideRequestResult
	if err := json.Unmarshal(created.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/rides/"+out.ID+"/check-timeout", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetSurgeCellDefaultsToSentinel(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/surge/some-cell", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var sc models.SurgeCell
	if err := json.Unmarshal(rec.Body.Bytes(), &sc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sc.Multiplier != 1.0 {
		t.Fatalf("expected sentinel multiplier 1.0, got %v", sc.Multiplier)
	}
}

func TestCalculateSurgeRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/surge/calculate", map[string]interface{}{
		"latitude": 12.97, "longitude": 77.59,
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCalculateSurgeSucceeds(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/surge/calculate", map[string]interface{}{
		"cell": "1:1", "region": "bangalore", "latitude": 12.97, "longitude": 77.59,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSurgeZonesForRegionReturnsEmptyList(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/surge/region/bangalore", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Zones []models.SurgeCell `json:"zones"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Zones == nil {
		t.Fatalf("expected zones to be an empty slice, not null")
	}
}

func TestIncrementDemandSucceeds(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/surge/demand", incrementDemandRequest{Cell: "1:1", Region: "bangalore"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		DemandCount int64 `json:"demandCount"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.DemandCount != 1 {
		t.Fatalf("expected demandCount 1, got %d", out.DemandCount)
	}
}

func TestIncrementDemandRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/surge/demand", map[string]string{"cell": "1:1"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthzReturnsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
