package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ridecore/dispatch/internal/models"
	"github.com/ridecore/dispatch/internal/observability"
)

// MemoryIndex is an in-process Index, grid-bucketed so FindNearby only
// scans candidates in and around the query cell instead of the whole
// region population (spec.md §4.1's scaling contract). Presence is a
// TTL'd timestamp checked at read time; it is the authoritative gate over
// stale geo-set entries.
type MemoryIndex struct {
	mu          sync.RWMutex
	presenceTTL time.Duration

	// region -> cell -> driverID -> record
	cells map[string]map[string]map[string]models.DriverRecord
	// driverID -> region, so SetStatus/GetLocation don't need a region hint
	driverRegion map[string]string
	// driverID -> last heartbeat time, gates presence regardless of region
	presence map[string]time.Time
}

// NewMemoryIndex builds an in-memory proximity index with the given
// presence TTL (spec default 30s).
func NewMemoryIndex(presenceTTL time.Duration) *MemoryIndex {
	return &MemoryIndex{
		presenceTTL:  presenceTTL,
		cells:        make(map[string]map[string]map[string]models.DriverRecord),
		driverRegion: make(map[string]string),
		presence:     make(map[string]time.Time),
	}
}

func (g *MemoryIndex) UpdateLocation(ctx context.Context, driverID string, lat, lng float64, ts time.Time, heading, speed float64) (string, string, error) {
	region := RegionFor(lat, lng)
	cell := CellID(lat, lng)
	if ts.IsZero() {
		ts = time.Now()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Carry status and tier over from the driver's current record, if any:
	// a heartbeat moves the driver but does not change its status.
	var prev models.DriverRecord
	hadPrev := false
	if oldRegion, ok := g.driverRegion[driverID]; ok {
		for _, b := range g.cells[oldRegion] {
			if r, ok := b[driverID]; ok {
				prev, hadPrev = r, true
				break
			}
		}
	}

	g.removeLocked(driverID)

	regionCells, ok := g.cells[region]
	if !ok {
		regionCells = make(map[string]map[string]models.DriverRecord)
		g.cells[region] = regionCells
	}
	bucket, ok := regionCells[cell]
	if !ok {
		bucket = make(map[string]models.DriverRecord)
		regionCells[cell] = bucket
	}

	rec, existed := prev, hadPrev
	if !existed {
		rec = models.DriverRecord{DriverID: driverID, Status: models.DriverOnline}
	}
	rec.LastLat = lat
	rec.LastLng = lng
	rec.Heading = heading
	rec.Speed = speed
	rec.Region = region
	rec.Cell = cell
	rec.LastUpdate = ts
	bucket[driverID] = rec
	g.driverRegion[driverID] = region

	// Best-effort ordering per spec.md §4.1: geo write above, presence
	// refresh here. An in-memory write can't partially fail, but the
	// step order mirrors the Redis implementation, where it matters.
	g.presence[driverID] = ts

	return region, cell, nil
}

// removeLocked deletes any existing bucket entry for driverID across
// regions. Caller holds g.mu.
func (g *MemoryIndex) removeLocked(driverID string) {
	region, ok := g.driverRegion[driverID]
	if !ok {
		return
	}
	for cell, bucket := range g.cells[region] {
		if _, ok := bucket[driverID]; ok {
			delete(bucket, driverID)
			if len(bucket) == 0 {
				delete(g.cells[region], cell)
			}
			return
		}
	}
}

func (g *MemoryIndex) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) (models.DriverStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	region, ok := g.driverRegion[driverID]
	if !ok {
		return "", nil
	}
	for _, bucket := range g.cells[region] {
		rec, ok := bucket[driverID]
		if !ok {
			continue
		}
		previous := rec.Status
		rec.Status = status
		bucket[driverID] = rec
		return previous, nil
	}
	return "", nil
}

func (g *MemoryIndex) FindNearby(ctx context.Context, q FindNearbyQuery) ([]models.NearbyDriver, error) {
	queryStart := time.Now()
	defer func() { observability.ProximityQueryLatency.Observe(time.Since(queryStart).Seconds()) }()

	if q.Limit <= 0 {
		q.Limit = 20
	}
	now := time.Now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	regionCells, ok := g.cells[q.Region]
	if !ok {
		return nil, nil
	}

	out := make([]models.NearbyDriver, 0, q.Limit)
	for _, cell := range CellsInRadius(q.Lat, q.Lng, q.RadiusKm) {
		bucket, ok := regionCells[cell]
		if !ok {
			continue
		}
		for driverID, rec := range bucket {
			if rec.Status != models.DriverOnline {
				continue
			}
			last, seen := g.presence[driverID]
			if !seen || now.Sub(last) > g.presenceTTL {
				continue
			}
			if q.Tier != "" && rec.VehicleType != q.Tier {
				continue
			}
			dist := Haversine(q.Lat, q.Lng, rec.LastLat, rec.LastLng)
			if dist > q.RadiusKm {
				continue
			}
			out = append(out, models.NearbyDriver{
				DriverID:    driverID,
				DistanceKm:  dist,
				Lat:         rec.LastLat,
				Lng:         rec.LastLng,
				VehicleType: rec.VehicleType,
				Status:      rec.Status,
				Heading:     rec.Heading,
				Speed:       rec.Speed,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	observability.ProximityQueryResultCount.Observe(float64(len(out)))
	return out, nil
}

func (g *MemoryIndex) GetLocation(ctx context.Context, driverID, region string) (models.DriverRecord, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, bucket := range g.cells[region] {
		if rec, ok := bucket[driverID]; ok {
			return rec, true, nil
		}
	}
	return models.DriverRecord{}, false, nil
}

// SetVehicleType records the driver's tier. The driver must already have a
// known region (from a prior UpdateLocation); if not, this is a no-op,
// matching the Redis implementation's tolerance of writing metadata ahead
// of a first geo position.
func (g *MemoryIndex) SetVehicleType(ctx context.Context, driverID string, tier models.VehicleTier) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	region, ok := g.driverRegion[driverID]
	if !ok {
		return nil
	}
	for _, bucket := range g.cells[region] {
		if rec, ok := bucket[driverID]; ok {
			rec.VehicleType = tier
			bucket[driverID] = rec
			return nil
		}
	}
	return nil
}
