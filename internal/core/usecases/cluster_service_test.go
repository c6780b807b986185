package usecases_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/core/usecases"
)

func TestClusterService_MemoizesOnSnapshotAndZoom(t *testing.T) {
	snap := usecases.NewVehicleSnapshot()
	svc := usecases.NewClusterService(snap)
	ctx := context.Background()

	vehicles := []domain.Vehicle{
		{ID: "a", Latitude: 43.26000, Longitude: -2.93000},
		{ID: "b", Latitude: 43.26009, Longitude: -2.93000},
		{ID: "c", Latitude: 43.26000, Longitude: -2.93012},
	}
	snap.Replace(vehicles, t0)

	far := domain.Region{Latitude: 43.26, Longitude: -2.93, LatitudeDelta: 0.2, LongitudeDelta: 0.2}
	first := svc.Clusters(ctx, far, false)
	require.Len(t, first, 1)

	again := svc.Clusters(ctx, far, false)
	assert.Same(t, &first[0], &again[0], "same delta and snapshot reuse the result")

	// Panning without zooming keeps the memo.
	panned := far
	panned.Latitude += 0.05
	assert.Same(t, &first[0], &svc.Clusters(ctx, panned, false)[0])

	near := far
	near.LatitudeDelta = 0.01
	assert.Len(t, svc.Clusters(ctx, near, false), 3)

	snap.Replace(vehicles[:2], t0)
	assert.Len(t, svc.Clusters(ctx, near, false), 2)
}

func TestClusterService_Capped(t *testing.T) {
	snap := usecases.NewVehicleSnapshot()
	svc := usecases.NewClusterService(snap)

	var vehicles []domain.Vehicle
	for i := 0; i < 12; i++ {
		vehicles = append(vehicles, domain.Vehicle{ID: string(rune('a' + i)), Latitude: 43.26, Longitude: -2.93})
	}
	snap.Replace(vehicles, t0)

	region := domain.Region{LatitudeDelta: 0.07}
	assert.Len(t, svc.Clusters(context.Background(), region, false), 1)
	assert.Len(t, svc.Clusters(context.Background(), region, true), 2)
}

func TestClusterService_EmptySnapshot(t *testing.T) {
	svc := usecases.NewClusterService(usecases.NewVehicleSnapshot())
	clusters := svc.Clusters(context.Background(), domain.Region{LatitudeDelta: 0.2}, false)
	assert.NotNil(t, clusters)
	assert.Empty(t, clusters)
	assert.Empty(t, svc.Vehicles())
}
