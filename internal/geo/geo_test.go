package geo

import (
	"context"
	"testing"
	"time"

	"github.com/ridecore/dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestCellIDStable(t *testing.T) {
	a := CellID(12.9716, 77.5946)
	b := CellID(12.9716, 77.5946)
	if a != b {
		t.Fatalf("CellID not stable: %s vs %s", a, b)
	}
}

func TestMemoryIndexFindNearbyFiltersOfflineAndStale(t *testing.T) {
	idx := NewMemoryIndex(30 * time.Second)
	ctx := context.Background()

	region, _, err := idx.UpdateLocation(ctx, "d1", 12.9716, 77.5946, time.Now(), 0, 0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	idx.SetVehicleType(ctx, "d1", models.TierEconomy)

	idx.UpdateLocation(ctx, "d2", 12.9720, 77.5950, time.Now(), 0, 0)
	idx.SetVehicleType(ctx, "d2", models.TierEconomy)
	if _, err := idx.SetStatus(ctx, "d2", models.DriverOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}

	out, err := idx.FindNearby(ctx, FindNearbyQuery{Lat: 12.9716, Lng: 77.5946, RadiusKm: 5, Region: region, Limit: 10})
	if err != nil {
		t.Fatalf("find nearby: %v", err)
	}
	if len(out) != 1 || out[0].DriverID != "d1" {
		t.Fatalf("expected only d1, got %+v", out)
	}
}

func TestMemoryIndexPresenceExpiry(t *testing.T) {
	idx := NewMemoryIndex(10 * time.Millisecond)
	ctx := context.Background()

	region, _, _ := idx.UpdateLocation(ctx, "d1", 12.9716, 77.5946, time.Now(), 0, 0)
	idx.SetVehicleType(ctx, "d1", models.TierEconomy)

	time.Sleep(20 * time.Millisecond)

	out, err := idx.FindNearby(ctx, FindNearbyQuery{Lat: 12.9716, Lng: 77.5946, RadiusKm: 5, Region: region, Limit: 10})
	if err != nil {
		t.Fatalf("find nearby: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected presence to have expired, got %+v", out)
	}
}

func TestMemoryIndexRadiusBoundary(t *testing.T) {
	idx := NewMemoryIndex(time.Minute)
	ctx := context.Background()

	region, _, _ := idx.UpdateLocation(ctx, "near", 12.9716, 77.5946, time.Now(), 0, 0)
	idx.SetVehicleType(ctx, "near", models.TierEconomy)
	idx.UpdateLocation(ctx, "far", 13.05, 77.70, time.Now(), 0, 0)
	idx.SetVehicleType(ctx, "far", models.TierEconomy)

	out, err := idx.FindNearby(ctx, FindNearbyQuery{Lat: 12.9716, Lng: 77.5946, RadiusKm: 0.1, Region: region, Limit: 10})
	if err != nil {
		t.Fatalf("find nearby: %v", err)
	}
	if len(out) != 1 || out[0].DriverID != "near" {
		t.Fatalf("expected only co-located driver, got %+v", out)
	}
}
