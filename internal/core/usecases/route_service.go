package usecases

import (
	"context"
	"fmt"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/core/ports"
)

// RouteService serves the route catalog from the transit API.
type RouteService struct {
	api ports.TransitAPI
}

// NewRouteService creates a new RouteService.
func NewRouteService(api ports.TransitAPI) *RouteService {
	return &RouteService{api: api}
}

// List returns every route.
func (s *RouteService) List(ctx context.Context) ([]domain.RouteShort, error) {
	routes, err := s.api.Routes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	return routes, nil
}

// Nearby returns routes passing within distance meters of a point.
func (s *RouteService) Nearby(ctx context.Context, lat, lon, distance float64) ([]domain.NearbyRoute, error) {
	routes, err := s.api.NearbyRoutes(ctx, lat, lon, distance)
	if err != nil {
		return nil, fmt.Errorf("nearby routes: %w", err)
	}
	return routes, nil
}

// Stops returns the stops served by a route.
func (s *RouteService) Stops(ctx context.Context, routeID string) (*domain.RouteStops, error) {
	stops, err := s.api.StopsForRoute(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("stops for route %s: %w", routeID, err)
	}
	return stops, nil
}
