// Package surge implements the per-geo-cell supply/demand surge
// multiplier (spec.md §4.2): demand counters with TTL, a cached and
// smoothed multiplier per cell, and the region-wide surge-zone listing
// the matcher and the HTTP surface consult at quote time.
package surge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ridecore/dispatch/internal/eventbus"
	"github.com/ridecore/dispatch/internal/geo"
	"github.com/ridecore/dispatch/internal/kv"
	"github.com/ridecore/dispatch/internal/models"
	"github.com/ridecore/dispatch/internal/observability"
)

// SupplyRadiusKm is the fixed radius CalculateSurge uses to count supply
// (spec.md §4.2).
const SupplyRadiusKm = 2.0

// Engine computes and caches the surge multiplier per cell.
type Engine struct {
	Geo    geo.Index
	KV     kv.Store
	Events eventbus.Publisher

	Min, Max, Smoothing float64
	CacheTTL            time.Duration
	DemandTTL           time.Duration
}

// New builds a surge Engine. Events may be nil, in which case surge
// updates simply aren't announced.
func New(g geo.Index, store kv.Store, events eventbus.Publisher, min, max, smoothing float64, cacheTTL, demandTTL time.Duration) *Engine {
	return &Engine{Geo: g, KV: store, Events: events, Min: min, Max: max, Smoothing: smoothing, CacheTTL: cacheTTL, DemandTTL: demandTTL}
}

func demandKey(region, cell string) string { return "surge:demand:" + region + ":" + cell }
func cacheKey(region, cell string) string  { return "surge:cache:" + region + ":" + cell }
func zonesKey(region string) string        { return "surge:zones:" + region }

// IncrementDemand atomically increments the demand counter for a cell,
// arming DemandTTL on the first increment of a fresh window.
func (e *Engine) IncrementDemand(ctx context.Context, cell, region string) (int64, error) {
	return e.KV.Incr(ctx, demandKey(region, cell), e.DemandTTL)
}

// GetSurgeForCell returns the cached entry for a cell, or the sentinel
// {multiplier:1.0, supply:0, demand:0} if nothing is cached.
func (e *Engine) GetSurgeForCell(ctx context.Context, region, cell string) (models.SurgeCell, error) {
	raw, ok, err := e.KV.Get(ctx, cacheKey(region, cell))
	if err != nil {
		return models.SurgeCell{}, err
	}
	if !ok {
		return models.SurgeCell{Cell: cell, Region: region, Multiplier: 1.0}, nil
	}
	var sc models.SurgeCell
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return models.SurgeCell{}, err
	}
	return sc, nil
}

// CalculateInput is the input to CalculateSurge.
type CalculateInput struct {
	Cell   string
	Region string
	Lat    float64
	Lng    float64
}

// CalculateSurge recomputes supply/demand for a cell, caches the result
// with CacheTTL, registers the cell in the region's active-zone set, and
// emits surge.updated when the multiplier changed. It is idempotent with
// respect to retries: a recomputation simply replaces the cached value.
func (e *Engine) CalculateSurge(ctx context.Context, in CalculateInput) (models.SurgeCell, error) {
	nearby, err := e.Geo.FindNearby(ctx, geo.FindNearbyQuery{
		Lat: in.Lat, Lng: in.Lng, RadiusKm: SupplyRadiusKm, Region: in.Region, Limit: 10000,
	})
	if err != nil {
		return models.SurgeCell{}, err
	}
	supply := len(nearby)

	demandRaw, ok, err := e.KV.Get(ctx, demandKey(in.Region, in.Cell))
	if err != nil {
		return models.SurgeCell{}, err
	}
	demand := 0
	if ok {
		fmt.Sscanf(demandRaw, "%d", &demand)
	}

	multiplier := e.multiplier(supply, demand)

	previous, _ := e.GetSurgeForCell(ctx, in.Region, in.Cell)

	sc := models.SurgeCell{
		Cell:       in.Cell,
		Region:     in.Region,
		Supply:     supply,
		Demand:     demand,
		Multiplier: multiplier,
		UpdatedAt:  time.Now(),
	}

	b, err := json.Marshal(sc)
	if err != nil {
		return models.SurgeCell{}, err
	}
	if err := e.KV.Set(ctx, cacheKey(in.Region, in.Cell), string(b), e.CacheTTL); err != nil {
		return models.SurgeCell{}, err
	}

	e.registerZone(ctx, in.Region, in.Cell)

	observability.SurgeRecomputeTotal.Inc()
	observability.SurgeMultiplierCurrent.WithLabelValues(in.Region, in.Cell).Set(multiplier)

	if e.Events != nil && previous.Multiplier != multiplier {
		_ = e.Events.Publish(ctx, eventbus.TopicSurgeUpdated, in.Cell, eventbus.Event{
			Data: map[string]interface{}{
				"cell": in.Cell, "region": in.Region,
				"multiplier": multiplier, "supply": supply, "demand": demand,
			},
		})
	}

	return sc, nil
}

// multiplier implements spec.md §4.2's formula: raw = demand/supply when
// supply>0; m = 1 + (raw-1)*smoothing, clamped to [Min,Max], rounded to
// one decimal. supply=0,demand=0 -> Min; supply=0,demand>0 -> Max.
func (e *Engine) multiplier(supply, demand int) float64 {
	if supply == 0 {
		if demand == 0 {
			return e.Min
		}
		return e.Max
	}
	raw := float64(demand) / float64(supply)
	m := 1 + (raw-1)*e.Smoothing
	if m < e.Min {
		m = e.Min
	}
	if m > e.Max {
		m = e.Max
	}
	return math.Round(m*10) / 10
}

// GetSurgeForLocation infers the cell/region for a point, returns the
// cached entry if populated, otherwise triggers CalculateSurge.
func (e *Engine) GetSurgeForLocation(ctx context.Context, lat, lng float64) (models.SurgeCell, error) {
	region := geo.RegionFor(lat, lng)
	cell := geo.CellID(lat, lng)

	raw, ok, err := e.KV.Get(ctx, cacheKey(region, cell))
	if err != nil {
		return models.SurgeCell{}, err
	}
	if ok {
		var sc models.SurgeCell
		if err := json.Unmarshal([]byte(raw), &sc); err != nil {
			return models.SurgeCell{}, err
		}
		return sc, nil
	}
	return e.CalculateSurge(ctx, CalculateInput{Cell: cell, Region: region, Lat: lat, Lng: lng})
}

// registerZone adds cell to the region's active-zone set, used by
// GetSurgeZonesForRegion. The set has no expiry of its own; membership is
// cheap and stale entries are harmless since GetSurgeZonesForRegion only
// surfaces cells with a live cache entry.
func (e *Engine) registerZone(ctx context.Context, region, cell string) {
	raw, ok, err := e.KV.Get(ctx, zonesKey(region))
	if err != nil {
		return
	}
	var cells []string
	if ok {
		_ = json.Unmarshal([]byte(raw), &cells)
	}
	for _, c := range cells {
		if c == cell {
			return
		}
	}
	cells = append(cells, cell)
	b, err := json.Marshal(cells)
	if err != nil {
		return
	}
	_ = e.KV.Set(ctx, zonesKey(region), string(b), 0)
}

// GetSurgeZonesForRegion returns the region's registered cells with a
// cached multiplier >= minMultiplier, sorted descending by multiplier.
func (e *Engine) GetSurgeZonesForRegion(ctx context.Context, region string, minMultiplier float64) ([]models.SurgeCell, error) {
	raw, ok, err := e.KV.Get(ctx, zonesKey(region))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var cells []string
	if err := json.Unmarshal([]byte(raw), &cells); err != nil {
		return nil, err
	}

	out := make([]models.SurgeCell, 0, len(cells))
	for _, cell := range cells {
		sc, err := e.GetSurgeForCell(ctx, region, cell)
		if err != nil {
			continue
		}
		if sc.Multiplier >= minMultiplier {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Multiplier > out[j].Multiplier })
	return out, nil
}
