package storage

import (
	"sync"

	"github.com/example/ride-dispatcher/internal/models"
)

// Store is the system of record for drivers and rides. Entities are shared
// by pointer; callers synchronise on the entity locks, not on the store.
type Store interface {
	PutDriver(d *models.Driver)
	Driver(id string) (*models.Driver, bool)
	Drivers() []*models.Driver

	PutRide(r *models.Ride)
	Ride(id string) (*models.Ride, bool)
	Rides() []*models.Ride

	// SetPingExpired records whether the ping of driverID for rideID timed out.
	SetPingExpired(rideID, driverID string, expired bool)
	PingExpired(rideID, driverID string) bool
}

type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver
	rides   map[string]*models.Ride
	expired map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers: make(map[string]*models.Driver),
		rides:   make(map[string]*models.Ride),
		expired: make(map[string]bool),
	}
}

func (m *MemoryStore) PutDriver(d *models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID()] = d
}

func (m *MemoryStore) Driver(id string) (*models.Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	return d, ok
}

func (m *MemoryStore) Drivers() []*models.Driver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	return out
}

func (m *MemoryStore) PutRide(r *models.Ride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r
}

func (m *MemoryStore) Ride(id string) (*models.Ride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	return r, ok
}

func (m *MemoryStore) Rides() []*models.Ride {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0, len(m.rides))
	for _, r := range m.rides {
		out = append(out, r)
	}
	return out
}

func (m *MemoryStore) SetPingExpired(rideID, driverID string, expired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired[pingKey(rideID, driverID)] = expired
}

func (m *MemoryStore) PingExpired(rideID, driverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expired[pingKey(rideID, driverID)]
}

func pingKey(rideID, driverID string) string { return rideID + ":" + driverID }
