package storage

import (
	"context"
	"sync"

	"github.com/ridecore/dispatch/internal/models"
)

// Store defines durable persistence for rides and offers. The dispatch
// engine's own per-ride lock/fast-lookup entry live in the hot store
// (internal/kv); this interface only covers the relational rows spec.md
// §6 calls out ("ride_requests, driver_offers").
type Store interface {
	SaveRideRequest(ctx context.Context, r *models.RideRequest) error
	UpdateRideRequest(ctx context.Context, r *models.RideRequest) error
	GetRideRequest(ctx context.Context, id string) (*models.RideRequest, bool, error)

	SaveDriverOffer(ctx context.Context, o *models.DriverOffer) error
	UpdateDriverOffer(ctx context.Context, o *models.DriverOffer) error
	GetDriverOffer(ctx context.Context, id string) (*models.DriverOffer, bool, error)
}

// MemoryStore is an in-process Store for tests and Redis/Postgres-less
// local runs, generalized from the teacher's single-entity TripStore.
type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[string]*models.RideRequest
	offers map[string]*models.DriverOffer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:  make(map[string]*models.RideRequest),
		offers: make(map[string]*models.DriverOffer),
	}
}

func (m *MemoryStore) SaveRideRequest(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRideRequest(ctx context.Context, r *models.RideRequest) error {
	return m.SaveRideRequest(ctx, r)
}

func (m *MemoryStore) GetRideRequest(ctx context.Context, id string) (*models.RideRequest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (m *MemoryStore) SaveDriverOffer(ctx context.Context, o *models.DriverOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateDriverOffer(ctx context.Context, o *models.DriverOffer) error {
	return m.SaveDriverOffer(ctx, o)
}

func (m *MemoryStore) GetDriverOffer(ctx context.Context, id string) (*models.DriverOffer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, false, nil
	}
	cp := *o
	return &cp, true, nil
}
