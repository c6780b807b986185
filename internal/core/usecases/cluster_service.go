package usecases

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/pkg/clustering"
	"github.com/samirrijal/bilbotrack/internal/pkg/metrics"
	"github.com/samirrijal/bilbotrack/internal/pkg/telemetry"
)

// ClusterService clusters the current vehicle snapshot for a viewport.
// Results are memoized on the snapshot version and the latitudeDelta.
type ClusterService struct {
	snapshot *VehicleSnapshot

	mu   sync.Mutex
	memo clusterMemo
}

type clusterMemo struct {
	valid    bool
	version  uint64
	delta    float64
	capped   bool
	clusters []domain.Cluster
}

// NewClusterService creates a ClusterService over snapshot.
func NewClusterService(snapshot *VehicleSnapshot) *ClusterService {
	return &ClusterService{snapshot: snapshot}
}

// Clusters returns the clusters for region. When capped is set, oversized
// clusters are split to the zoom level's maximum. The returned slice is
// shared with later callers and must not be modified.
func (s *ClusterService) Clusters(ctx context.Context, region domain.Region, capped bool) []domain.Cluster {
	vehicles, version := s.snapshot.Get()

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.memo
	if m.valid && m.version == version && m.delta == region.LatitudeDelta && m.capped == capped {
		metrics.ClusterMemoHits.Inc()
		return m.clusters
	}

	_, span := telemetry.StartSpan(ctx, "clustering.pass",
		attribute.Int("vehicles", len(vehicles)),
		attribute.Float64("latitude_delta", region.LatitudeDelta))
	defer span.End()

	start := time.Now()
	var clusters []domain.Cluster
	if capped {
		clusters = clustering.ClusterCapped(vehicles, region)
	} else {
		clusters = clustering.Cluster(vehicles, region)
	}
	metrics.ClusterPassDuration.Observe(time.Since(start).Seconds())
	metrics.ClustersProduced.Set(float64(len(clusters)))

	s.memo = clusterMemo{
		valid:    true,
		version:  version,
		delta:    region.LatitudeDelta,
		capped:   capped,
		clusters: clusters,
	}
	return clusters
}

// Vehicles returns the current snapshot.
func (s *ClusterService) Vehicles() []domain.Vehicle {
	vehicles, _ := s.snapshot.Get()
	return vehicles
}

// UpdatedAt returns when the snapshot was last replaced.
func (s *ClusterService) UpdatedAt() time.Time {
	return s.snapshot.UpdatedAt()
}
