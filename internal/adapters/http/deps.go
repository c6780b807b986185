package http

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/samirrijal/bilbotrack/internal/core/usecases"
)

// Pinger is a backing store that can report its health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all services needed by HTTP handlers.
// Mappings, Shapes, Routes, NATS and Store may be nil.
type Dependencies struct {
	Clusters  *usecases.ClusterService
	Proximity *usecases.ProximityService
	Mappings  *usecases.TripMappingService
	Shapes    *usecases.ShapeCache
	Routes    *usecases.RouteService

	NATS          *nats.Conn
	AlertsSubject string
	Store         Pinger
	StoreBackend  string
}
