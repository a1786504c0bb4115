// Package geo provides the pure geo primitives (distance, cell, region
// inference) and the Index abstraction used by the dispatch and surge
// engines to answer "who is nearby" queries.
package geo

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ridecore/dispatch/internal/models"
)

// CellSizeKm is the approximate side length of a grid cell, matching the
// spec's "~0.5 km side" cell definition used for demand counting and surge
// caching.
const CellSizeKm = 0.5

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometers between two
// lat/lng pairs.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// CellID returns the fixed-resolution grid cell identifier for a point.
// The grid has roughly CellSizeKm-sided cells: one degree of latitude is
// ~111km, so we bucket on a fraction of a degree scaled by CellSizeKm. This
// is deliberately simple integer bucketing rather than a geohash — the
// spec only requires a stable, collision-free cell key for demand counting
// and surge caching, not string-prefix neighbor search.
func CellID(lat, lng float64) string {
	latBucket, lngBucket := cellBucket(lat, lng)
	return fmt.Sprintf("%d:%d", latBucket, lngBucket)
}

func cellBucket(lat, lng float64) (int64, int64) {
	latStep := CellSizeKm / 111.0
	lngStep := CellSizeKm / (111.0 * math.Max(0.01, math.Cos(lat*math.Pi/180.0)))
	return int64(math.Floor(lat / latStep)), int64(math.Floor(lng / lngStep))
}

// CellsInRadius returns the grid cell IDs of every cell whose bounding box
// can contain a point within radiusKm of (lat,lng): the query cell plus a
// ring of neighbors sized to cover the radius, so FindNearby only scans
// candidates near the point instead of the whole region population.
func CellsInRadius(lat, lng, radiusKm float64) []string {
	latBucket, lngBucket := cellBucket(lat, lng)

	// Both axes are scaled so one cell step covers CellSizeKm on the
	// ground (that's the point of the lngStep cos-correction in
	// cellBucket), so one ring count covers both axes.
	ring := int64(math.Ceil(radiusKm/CellSizeKm)) + 1

	cells := make([]string, 0, (2*ring+1)*(2*ring+1))
	for dLat := -ring; dLat <= ring; dLat++ {
		for dLng := -ring; dLng <= ring; dLng++ {
			cells = append(cells, fmt.Sprintf("%d:%d", latBucket+dLat, lngBucket+dLng))
		}
	}
	return cells
}

// RegionBox is a bounding box mapped to a named region.
type RegionBox struct {
	Name                           string
	MinLat, MaxLat, MinLng, MaxLng float64
}

// DefaultRegion is returned when a point matches no configured bounding box.
const DefaultRegion = "default"

// defaultRegions is a small fixed table of example city bounding boxes.
// Operators are expected to replace this with their own coverage table;
// it exists so the package is usable out of the box and so tests have
// deterministic region inference.
var defaultRegions = []RegionBox{
	{Name: "bangalore", MinLat: 12.83, MaxLat: 13.14, MinLng: 77.46, MaxLng: 77.78},
	{Name: "mumbai", MinLat: 18.89, MaxLat: 19.27, MinLng: 72.77, MaxLng: 72.98},
	{Name: "delhi", MinLat: 28.40, MaxLat: 28.88, MinLng: 76.84, MaxLng: 77.35},
}

// RegionFor infers the region name for a point against the configured
// bounding-box table, falling back to DefaultRegion.
func RegionFor(lat, lng float64) string {
	for _, b := range defaultRegions {
		if lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng {
			return b.Name
		}
	}
	return DefaultRegion
}

// FindNearbyQuery is the input to Index.FindNearby.
type FindNearbyQuery struct {
	Lat      float64
	Lng      float64
	RadiusKm float64
	Region   string
	Tier     models.VehicleTier // empty means "any tier"
	Limit    int
}

// Index is the proximity index contract: driver heartbeat ingestion and
// nearest-neighbor lookups, scoped by region. Implementations must gate
// FindNearby results on both ONLINE status and a live presence marker
// (spec.md §4.1) — the geo set alone is not authoritative.
type Index interface {
	// UpdateLocation writes a heartbeat, refreshing presence and geo
	// position. Does not change driver status.
	UpdateLocation(ctx context.Context, driverID string, lat, lng float64, ts time.Time, heading, speed float64) (region, cell string, err error)

	// SetStatus writes driver metadata only (no geo/presence side
	// effects) and returns the previous status for event emission.
	SetStatus(ctx context.Context, driverID string, status models.DriverStatus) (previous models.DriverStatus, err error)

	// FindNearby returns drivers in the region ordered by ascending
	// distance, filtered to ONLINE + live-presence + (tier match or
	// unset), truncated to Limit.
	FindNearby(ctx context.Context, q FindNearbyQuery) ([]models.NearbyDriver, error)

	// GetLocation returns the current position/metadata for a driver in
	// a region, or ok=false if unknown.
	GetLocation(ctx context.Context, driverID, region string) (models.DriverRecord, bool, error)

	// SetVehicleType records a driver's tier, used at onboarding or
	// whenever a driver's vehicle assignment changes.
	SetVehicleType(ctx context.Context, driverID string, tier models.VehicleTier) error
}
