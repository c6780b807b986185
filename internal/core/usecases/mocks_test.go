package usecases_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
)

var errStoreDown = errors.New("store unavailable")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Fake KeyValueStore ---

type fakeStore struct {
	mu      sync.Mutex
	data    map[string]string
	failSet    bool
	failGet    bool
	failRemove bool
	sets       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return "", false, errStoreDown
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeStore) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet {
		return errStoreDown
	}
	f.sets++
	f.data[key] = value
	return nil
}

func (f *fakeStore) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemove {
		return errStoreDown
	}
	delete(f.data, key)
	return nil
}

func (f *fakeStore) GetAllKeys(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeStore) MultiRemove(ctx context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemove {
		return errStoreDown
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeStore) raw(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeStore) put(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
}

func (f *fakeStore) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

// --- Mock TransitAPI ---

type mockTransitAPI struct {
	tripMappingFn  func(ctx context.Context, tripIDs []string) (map[string]domain.TripMappingRoute, error)
	routeDetailsFn func(ctx context.Context, routeID string) (*domain.RouteDetails, error)
	stopsFn        func(ctx context.Context, routeID string) (*domain.RouteStops, error)
	routesFn       func(ctx context.Context) ([]domain.RouteShort, error)
	nearbyFn       func(ctx context.Context, lat, lon, distance float64) ([]domain.NearbyRoute, error)

	mu           sync.Mutex
	mappingCalls [][]string
	detailCalls  []string
}

func (m *mockTransitAPI) TripMapping(ctx context.Context, tripIDs []string) (map[string]domain.TripMappingRoute, error) {
	m.mu.Lock()
	m.mappingCalls = append(m.mappingCalls, append([]string(nil), tripIDs...))
	m.mu.Unlock()
	if m.tripMappingFn != nil {
		return m.tripMappingFn(ctx, tripIDs)
	}
	return map[string]domain.TripMappingRoute{}, nil
}

func (m *mockTransitAPI) RouteDetails(ctx context.Context, routeID string) (*domain.RouteDetails, error) {
	m.mu.Lock()
	m.detailCalls = append(m.detailCalls, routeID)
	m.mu.Unlock()
	if m.routeDetailsFn != nil {
		return m.routeDetailsFn(ctx, routeID)
	}
	return nil, nil
}

func (m *mockTransitAPI) StopsForRoute(ctx context.Context, routeID string) (*domain.RouteStops, error) {
	if m.stopsFn != nil {
		return m.stopsFn(ctx, routeID)
	}
	return nil, nil
}

func (m *mockTransitAPI) Routes(ctx context.Context) ([]domain.RouteShort, error) {
	if m.routesFn != nil {
		return m.routesFn(ctx)
	}
	return nil, nil
}

func (m *mockTransitAPI) NearbyRoutes(ctx context.Context, lat, lon, distance float64) ([]domain.NearbyRoute, error) {
	if m.nearbyFn != nil {
		return m.nearbyFn(ctx, lat, lon, distance)
	}
	return nil, nil
}

func (m *mockTransitAPI) mappingCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mappingCalls)
}

func (m *mockTransitAPI) detailCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.detailCalls)
}

// --- Recording AlertPublisher ---

type recordingPublisher struct {
	mu        sync.Mutex
	published []domain.AlertSet
}

func (p *recordingPublisher) PublishProximityAlerts(ctx context.Context, alerts domain.AlertSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, alerts)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *recordingPublisher) last() domain.AlertSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.published) == 0 {
		return nil
	}
	return p.published[len(p.published)-1]
}

// --- Mock VehicleFeed ---

type mockFeed struct {
	vehiclesFn func(ctx context.Context) ([]domain.Vehicle, error)
}

func (m *mockFeed) Vehicles(ctx context.Context) ([]domain.Vehicle, error) {
	if m.vehiclesFn != nil {
		return m.vehiclesFn(ctx)
	}
	return nil, nil
}

func ptr[T any](v T) *T { return &v }
