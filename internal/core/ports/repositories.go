package ports

import (
	"context"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
)

// KeyValueStore is the string key-value persistence used for alerts and caches.
type KeyValueStore interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	GetAllKeys(ctx context.Context) ([]string, error)
	MultiRemove(ctx context.Context, keys []string) error
}

// VehicleFeed supplies the latest snapshot of vehicle positions.
type VehicleFeed interface {
	Vehicles(ctx context.Context) ([]domain.Vehicle, error)
}

// TransitAPI is the remote backend holding trip mappings and route geometry.
type TransitAPI interface {
	// TripMapping resolves trip ids in one batch, keyed by route id.
	TripMapping(ctx context.Context, tripIDs []string) (map[string]domain.TripMappingRoute, error)
	RouteDetails(ctx context.Context, routeID string) (*domain.RouteDetails, error)
	StopsForRoute(ctx context.Context, routeID string) (*domain.RouteStops, error)
	Routes(ctx context.Context) ([]domain.RouteShort, error)
	NearbyRoutes(ctx context.Context, lat, lon, distance float64) ([]domain.NearbyRoute, error)
}
