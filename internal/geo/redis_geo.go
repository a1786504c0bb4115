package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridecore/dispatch/internal/models"
	"github.com/ridecore/dispatch/internal/observability"
)

// RedisIndex implements Index against Redis: a GEO set per region for
// position, a hash per driver for metadata, and a SETEX presence marker
// per driver. Status filtering isn't available inside GEORADIUS, so
// FindNearby fetches candidates by distance and filters client-side —
// the same shape the teacher's Nearby already used for online filtering.
type RedisIndex struct {
	client      *redis.Client
	presenceTTL time.Duration
}

// NewRedisIndex constructs a RedisIndex against the given client.
func NewRedisIndex(client *redis.Client, presenceTTL time.Duration) *RedisIndex {
	return &RedisIndex{client: client, presenceTTL: presenceTTL}
}

func geoKey(region string) string { return "geo:drivers:" + region }
func metaKey(driverID string) string { return "driver:meta:" + driverID }
func presenceKey(driverID string) string { return "driver:presence:" + driverID }

func (r *RedisIndex) UpdateLocation(ctx context.Context, driverID string, lat, lng float64, ts time.Time, heading, speed float64) (string, string, error) {
	region := RegionFor(lat, lng)
	cell := CellID(lat, lng)
	if ts.IsZero() {
		ts = time.Now()
	}

	if _, err := r.client.GeoAdd(ctx, geoKey(region), &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: driverID}).Result(); err != nil {
		return region, cell, err
	}

	fields := map[string]interface{}{
		"region":     region,
		"cell":       cell,
		"heading":    strconv.FormatFloat(heading, 'f', -1, 64),
		"speed":      strconv.FormatFloat(speed, 'f', -1, 64),
		"lastUpdate": ts.Format(time.RFC3339Nano),
	}
	if err := r.client.HSet(ctx, metaKey(driverID), fields).Err(); err != nil {
		return region, cell, err
	}
	// Status defaults to ONLINE the first time a driver is seen; an
	// existing status is left untouched by a location-only heartbeat.
	r.client.HSetNX(ctx, metaKey(driverID), "status", string(models.DriverOnline))

	// Best-effort ordering per spec.md §4.1: geo+meta write first,
	// presence refresh second. If the presence SETEX below fails, the
	// entry is filtered on read until the next heartbeat heals it.
	if err := r.client.Set(ctx, presenceKey(driverID), "1", r.presenceTTL).Err(); err != nil {
		return region, cell, err
	}
	return region, cell, nil
}

func (r *RedisIndex) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) (models.DriverStatus, error) {
	prev, err := r.client.HGet(ctx, metaKey(driverID), "status").Result()
	if err != nil && err != redis.Nil {
		return "", err
	}
	if err := r.client.HSet(ctx, metaKey(driverID), "status", string(status)).Err(); err != nil {
		return "", err
	}
	return models.DriverStatus(prev), nil
}

func (r *RedisIndex) FindNearby(ctx context.Context, q FindNearbyQuery) ([]models.NearbyDriver, error) {
	queryStart := time.Now()
	defer func() { observability.ProximityQueryLatency.Observe(time.Since(queryStart).Seconds()) }()

	if q.Limit <= 0 {
		q.Limit = 20
	}
	res, err := r.client.GeoRadius(ctx, geoKey(q.Region), q.Lng, q.Lat, &redis.GeoRadiusQuery{
		Radius:    q.RadiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     q.Limit * 4, // over-fetch; status/presence filtering happens client-side
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.NearbyDriver, 0, q.Limit)
	for _, g := range res {
		driverID := g.Name

		exists, err := r.client.Exists(ctx, presenceKey(driverID)).Result()
		if err != nil || exists == 0 {
			continue
		}

		meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
		if err != nil {
			continue
		}
		status := models.DriverStatus(meta["status"])
		if status != models.DriverOnline {
			continue
		}
		tier := models.VehicleTier(meta["vehicleType"])
		if q.Tier != "" && tier != q.Tier {
			continue
		}

		heading, _ := strconv.ParseFloat(meta["heading"], 64)
		speed, _ := strconv.ParseFloat(meta["speed"], 64)

		out = append(out, models.NearbyDriver{
			DriverID:    driverID,
			DistanceKm:  g.Dist,
			Lat:         g.Latitude,
			Lng:         g.Longitude,
			VehicleType: tier,
			Status:      status,
			Heading:     heading,
			Speed:       speed,
		})
		if len(out) >= q.Limit {
			break
		}
	}
	observability.ProximityQueryResultCount.Observe(float64(len(out)))
	return out, nil
}

func (r *RedisIndex) GetLocation(ctx context.Context, driverID, region string) (models.DriverRecord, bool, error) {
	positions, err := r.client.GeoPos(ctx, geoKey(region), driverID).Result()
	if err != nil {
		return models.DriverRecord{}, false, err
	}
	if len(positions) == 0 || positions[0] == nil {
		return models.DriverRecord{}, false, nil
	}

	meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverRecord{}, false, err
	}
	if len(meta) == 0 {
		return models.DriverRecord{}, false, nil
	}

	heading, _ := strconv.ParseFloat(meta["heading"], 64)
	speed, _ := strconv.ParseFloat(meta["speed"], 64)
	lastUpdate, _ := time.Parse(time.RFC3339Nano, meta["lastUpdate"])

	return models.DriverRecord{
		DriverID:    driverID,
		Status:      models.DriverStatus(meta["status"]),
		VehicleType: models.VehicleTier(meta["vehicleType"]),
		LastLat:     positions[0].Latitude,
		LastLng:     positions[0].Longitude,
		Heading:     heading,
		Speed:       speed,
		Region:      region,
		Cell:        meta["cell"],
		LastUpdate:  lastUpdate,
	}, true, nil
}

// SetVehicleType writes the driver's tier metadata; used at driver
// onboarding / first heartbeat with a known vehicle type.
func (r *RedisIndex) SetVehicleType(ctx context.Context, driverID string, tier models.VehicleTier) error {
	return r.client.HSet(ctx, metaKey(driverID), "vehicleType", string(tier)).Err()
}
