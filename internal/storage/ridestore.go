package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// RideStore persists the ride log.
type RideStore interface {
	SaveRide(ctx context.Context, r models.Ride) error
	UpdateRide(ctx context.Context, r models.Ride) error
	GetRide(ctx context.Context, id string) (models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride)}
}

func (m *MemoryStore) SaveRide(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, models.NotFound("ride", id)
	}
	return r.Clone(), nil
}

// Tee writes every ride to all stores and reads from the first one that has
// it. The postgres log and the redis cache run side by side this way.
type Tee []RideStore

func (t Tee) SaveRide(ctx context.Context, r models.Ride) error {
	var errs []error
	for _, s := range t {
		if err := s.SaveRide(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) UpdateRide(ctx context.Context, r models.Ride) error {
	var errs []error
	for _, s := range t {
		if err := s.UpdateRide(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) GetRide(ctx context.Context, id string) (models.Ride, error) {
	var errs []error
	for _, s := range t {
		r, err := s.GetRide(ctx, id)
		if err == nil {
			return r, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return models.Ride{}, models.NotFound("ride", id)
	}
	return models.Ride{}, errors.Join(errs...)
}
