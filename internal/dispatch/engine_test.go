package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/ridecore/dispatch/internal/apperr"
	"github.com/ridecore/dispatch/internal/geo"
	"github.com/ridecore/dispatch/internal/idempotency"
	"github.com/ridecore/dispatch/internal/kv"
	"github.com/ridecore/dispatch/internal/models"
	"github.com/ridecore/dispatch/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *geo.MemoryIndex) {
	t.Helper()
	g := geo.NewMemoryIndex(time.Minute)
	store := kv.NewMemoryStore()
	surgeEng := newFakeSurge()

	e := &Engine{
		Store:            storage.NewMemoryStore(),
		Geo:              g,
		KV:               store,
		Surge:            surgeEng,
		Idempotency:      idempotency.New(store, time.Hour),
		Events:           nil,
		OfferTTL:         15 * time.Second,
		MaxMatchAttempts: 2,
		DefaultRadiusKm:  5,
		RideLockTTL:      5 * time.Second,
		RideRequestTTL:   5 * time.Minute,
		FareBase:         2.5,
		FarePerKm:        1.2,
		FarePerMinute:    0.25,
	}
	return e, g
}

// fakeSurge always reports multiplier 1.0 and never fails, so fare math
// in tests is deterministic regardless of demand seeded elsewhere.
type fakeSurge struct{}

func newFakeSurge() *fakeSurge { return &fakeSurge{} }

func (f *fakeSurge) IncrementDemand(ctx context.Context, cell, region string) (int64, error) {
	return 1, nil
}

func (f *fakeSurge) GetSurgeForLocation(ctx context.Context, lat, lng float64) (models.SurgeCell, error) {
	return models.SurgeCell{Multiplier: 1.0}, nil
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

func validInput() CreateRideRequestInput {
	return CreateRideRequestInput{
		RiderID:       "rider-1",
		Pickup:        models.Coord{Lat: 12.9716, Lng: 77.5946},
		Destination:   models.Coord{Lat: 12.99, Lng: 77.61},
		Tier:          models.TierEconomy,
		PaymentMethod: models.PaymentCard,
	}
}

func TestCreateRideRequestHappyPathMatchesNearestDriver(t *testing.T) {
	e, g := newTestEngine(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)
	ctx := context.Background()

	out, err := e.CreateRideRequest(ctx, "idem-1", []byte(`{"a":1}`), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.Status != models.RideDriverOffered {
		t.Fatalf("expected DRIVER_OFFERED, got %v", out.Status)
	}
	if out.MatchedDriver == nil || out.MatchedDriver.DriverID != "d1" {
		t.Fatalf("expected matched driver d1, got %+v", out.MatchedDriver)
	}
	if out.MatchAttempts != 1 {
		t.Fatalf("expected matchAttempts=1, got %d", out.MatchAttempts)
	}
}

func TestCreateRideRequestNoDriversSetsNoDrivers(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	out, err := e.CreateRideRequest(ctx, "idem-2", []byte(`{}`), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.Status != models.RideNoDrivers {
		t.Fatalf("expected NO_DRIVERS, got %v", out.Status)
	}
	if out.MatchedDriver != nil {
		t.Fatalf("expected no matched driver")
	}
}

func TestCreateRideRequestReplayReturnsCachedResponse(t *testing.T) {
	e, g := newTestEngine(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)
	ctx := context.Background()

	body := []byte(`{"same":"body"}`)
	first, err := e.CreateRideRequest(ctx, "idem-3", body, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := e.CreateRideRequest(ctx, "idem-3", body, validInput())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected replay to return identical response, got %s vs %s", first.ID, second.ID)
	}
}

func TestCreateRideRequestConflictingBodyFails(t *testing.T) {
	e, g := newTestEngine(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)
	ctx := context.Background()

	if _, err := e.CreateRideRequest(ctx, "idem-4", []byte(`{"v":1}`), validInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := e.CreateRideRequest(ctx, "idem-4", []byte(`{"v":2}`), validInput())
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	if ae, ok := apperr.As(err); !ok || ae.Kind != apperr.KindIdemConflict {
		t.Fatalf("expected IDEMPOTENCY_CONFLICT, got %v", err)
	}
}

func TestCreateRideRequestMissingIdempotencyKeyFails(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateRideRequest(context.Background(), "", []byte(`{}`), validInput())
	if err == nil {
		t.Fatalf("expected error for missing idempotency key")
	}
}

func TestHandleDriverResponseAcceptTransitionsToAccepted(t *testing.T) {
	e, g := newTestEngine(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)
	ctx := context.Background()

	out, err := e.CreateRideRequest(ctx, "idem-5", []byte(`{}`), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := e.HandleDriverResponse(ctx, out.ID, DriverResponseInput{DriverID: "d1", Action: ActionAccept})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if resp.Status != "ACCEPTED" {
		t.Fatalf("expected ACCEPTED, got %v", resp)
	}

	details, err := e.GetRideDetails(ctx, out.ID)
	if err != nil {
		t.Fatalf("get details: %v", err)
	}
	if details.Status != models.RideAccepted {
		t.Fatalf("expected ride accepted, got %v", details.Status)
	}
}

func TestHandleDriverResponseDeclineReassigns(t *testing.T) {
	e, g := newTestEngine(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)
	seedDriver(t, g, "d2", 12.9716, 77.5946, models.TierEconomy)
	ctx := context.Background()

	out, err := e.CreateRideRequest(ctx, "idem-6", []byte(`{}`), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	firstDriver := out.MatchedDriver.DriverID

	resp, err := e.HandleDriverResponse(ctx, out.ID, DriverResponseInput{DriverID: firstDriver, Action: ActionDecline, Reason: "busy"})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if resp.Status != "REASSIGNED" {
		t.Fatalf("expected REASSIGNED, got %+v", resp)
	}
	if resp.DriverID == firstDriver {
		t.Fatalf("expected a different driver to be offered")
	}
}

func TestHandleDriverResponseExhaustsAttempts(t *testing.T) {
	e, g := newTestEngine(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)
	ctx := context.Background()
	e.MaxMatchAttempts = 1

	out, err := e.CreateRideRequest(ctx, "idem-7", []byte(`{}`), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := e.HandleDriverResponse(ctx, out.ID, DriverResponseInput{DriverID: "d1", Action: ActionDecline, Reason: "nope"})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if resp.Status != "EXPIRED" || resp.Reason != "Max match attempts reached" {
		t.Fatalf("expected exhausted EXPIRED, got %+v", resp)
	}
}

func TestHandleDriverResponseRejectsStaleOffer(t *testing.T) {
	e, g := newTestEngine(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)
	ctx := context.Background()

	out, err := e.CreateRideRequest(ctx, "idem-8", []byte(`{}`), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = e.HandleDriverResponse(ctx, out.ID, DriverResponseInput{DriverID: "someone-else", Action: ActionAccept})
	if err == nil {
		t.Fatalf("expected error for mismatched driver")
	}
}

func TestCheckTimeoutDeclinesExpiredOffer(t *testing.T) {
	e, g := newTestEngine(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)
	e.OfferTTL = 1 * time.Millisecond
	ctx := context.Background()

	out, err := e.CreateRideRequest(ctx, "idem-9", []byte(`{}`), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	res, err := e.CheckTimeout(ctx, out.ID)
	if err != nil {
		t.Fatalf("check timeout: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timed out")
	}
}

func TestCancelRideIsNoopWhenTerminal(t *testing.T) {
	e, g := newTestEngine(t)
	seedDriver(t, g, "d1", 12.9716, 77.5946, models.TierEconomy)
	ctx := context.Background()

	out, err := e.CreateRideRequest(ctx, "idem-10", []byte(`{}`), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.HandleDriverResponse(ctx, out.ID, DriverResponseInput{DriverID: "d1", Action: ActionAccept}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	r1, err := e.CancelRide(ctx, out.ID, "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r1.Status != models.RideAccepted {
		t.Fatalf("expected cancel to no-op on terminal ride, got %v", r1.Status)
	}
}
