package usecases_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/core/usecases"
	"github.com/samirrijal/bilbotrack/internal/pkg/clock"
)

type trackerFixture struct {
	tracker   *usecases.TrackerService
	snapshot  *usecases.VehicleSnapshot
	proximity *usecases.ProximityService
	mappings  *usecases.TripMappingService
	api       *mockTransitAPI
}

func newTrackerFixture(t *testing.T, feed *mockFeed, interval time.Duration) *trackerFixture {
	t.Helper()
	clk := clock.NewMockClock(t0)
	store := newFakeStore()
	api := &mockTransitAPI{tripMappingFn: oneRoutePerTrip}

	f := &trackerFixture{snapshot: usecases.NewVehicleSnapshot(), api: api}
	f.proximity = usecases.NewProximityService(store, nil, clk, usecases.DefaultProximityConfig(), discardLogger())
	f.mappings = usecases.NewTripMappingService(store, api, nil, clk, usecases.DefaultResetHour, discardLogger())
	f.tracker = usecases.NewTrackerService(feed, f.snapshot, f.mappings, f.proximity, clk, interval, discardLogger())
	t.Cleanup(f.proximity.Close)
	return f
}

func TestTracker_PollOnceDrivesEverything(t *testing.T) {
	feed := &mockFeed{
		vehiclesFn: func(ctx context.Context) ([]domain.Vehicle, error) {
			v := vehicleAt("bus-7", 200)
			v.TripID = "42"
			return []domain.Vehicle{v, {ID: "bus-8", TripID: ""}}, nil
		},
	}
	f := newTrackerFixture(t, feed, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.proximity.AddProximityAlert(ctx, notification("sub-1", "bus-7", 500)))

	require.NoError(t, f.tracker.PollOnce(ctx))

	vehicles, version := f.snapshot.Get()
	assert.Len(t, vehicles, 2)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, t0, f.snapshot.UpdatedAt())

	route, ok := f.mappings.GetRouteForTrip("42")
	assert.True(t, ok)
	assert.Equal(t, "R042", route)
	assert.Equal(t, []string{"42"}, f.api.mappingCalls[0])

	a, ok := f.proximity.Alert(ctx, "sub-1")
	require.True(t, ok)
	assert.InDelta(t, 200, a.Distance, 1e-6)
}

func TestTracker_FeedErrorKeepsSnapshot(t *testing.T) {
	fail := false
	feed := &mockFeed{
		vehiclesFn: func(ctx context.Context) ([]domain.Vehicle, error) {
			if fail {
				return nil, errors.New("feed down")
			}
			return []domain.Vehicle{{ID: "bus-1"}}, nil
		},
	}
	f := newTrackerFixture(t, feed, time.Hour)

	require.NoError(t, f.tracker.PollOnce(context.Background()))
	fail = true
	assert.Error(t, f.tracker.PollOnce(context.Background()))

	vehicles, version := f.snapshot.Get()
	assert.Len(t, vehicles, 1)
	assert.Equal(t, uint64(1), version)
}

func TestTracker_RunUntilStop(t *testing.T) {
	var polls atomic.Int32
	feed := &mockFeed{
		vehiclesFn: func(ctx context.Context) ([]domain.Vehicle, error) {
			polls.Add(1)
			return nil, nil
		},
	}
	f := newTrackerFixture(t, feed, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.tracker.Run(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool { return polls.Load() >= 3 }, time.Second, time.Millisecond)
	f.tracker.Stop()
	f.tracker.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestTracker_RunUntilContextDone(t *testing.T) {
	f := newTrackerFixture(t, &mockFeed{}, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.tracker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
