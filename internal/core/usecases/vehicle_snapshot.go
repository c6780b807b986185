package usecases

import (
	"slices"
	"sync"
	"time"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
)

// VehicleSnapshot holds the latest full vehicle set. Each Replace bumps the
// version so readers can memoize on it.
type VehicleSnapshot struct {
	mu        sync.RWMutex
	vehicles  []domain.Vehicle
	version   uint64
	updatedAt time.Time
}

// NewVehicleSnapshot creates an empty snapshot.
func NewVehicleSnapshot() *VehicleSnapshot {
	return &VehicleSnapshot{}
}

// Replace swaps in a new vehicle set.
func (s *VehicleSnapshot) Replace(vehicles []domain.Vehicle, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles = slices.Clone(vehicles)
	s.version++
	s.updatedAt = at
}

// Get returns the vehicles and the version they belong to. The slice must
// not be modified.
func (s *VehicleSnapshot) Get() ([]domain.Vehicle, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vehicles, s.version
}

// UpdatedAt returns when the snapshot was last replaced.
func (s *VehicleSnapshot) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}
