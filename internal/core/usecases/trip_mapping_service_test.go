package usecases_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/core/usecases"
	"github.com/samirrijal/bilbotrack/internal/pkg/clock"
)

func sampleShape() []domain.LineString {
	return []domain.LineString{{{-2.9350, 43.2630}, {-2.9276, 43.2614}}}
}

func sampleStops() []domain.Stop {
	return []domain.Stop{
		{StopID: 1, StopLat: 43.2630, StopLon: -2.9350, StopSequence: ptr(1), StopName: ptr("Moyua")},
		{StopID: 2, StopLat: 43.2614, StopLon: -2.9276, StopSequence: ptr(2), StopName: ptr("Abando")},
	}
}

type tripFixture struct {
	svc   *usecases.TripMappingService
	store *fakeStore
	api   *mockTransitAPI
	clock *clock.MockClock
}

func newTripFixture(t *testing.T, store *fakeStore, api *mockTransitAPI) *tripFixture {
	t.Helper()
	if store == nil {
		store = newFakeStore()
	}
	if api == nil {
		api = &mockTransitAPI{}
	}
	f := &tripFixture{store: store, api: api, clock: clock.NewMockClock(t0)}
	f.svc = usecases.NewTripMappingService(store, api, nil, f.clock, usecases.DefaultResetHour, discardLogger())
	f.svc.Initialize(context.Background())
	return f
}

// oneRoutePerTrip maps trip "n" to route "R<n>" with geometry.
func oneRoutePerTrip(ctx context.Context, tripIDs []string) (map[string]domain.TripMappingRoute, error) {
	out := make(map[string]domain.TripMappingRoute, len(tripIDs))
	for _, id := range tripIDs {
		n, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		out[fmt.Sprintf("R%03d", n)] = domain.TripMappingRoute{
			TripIDs: []int{n},
			Shape:   sampleShape(),
			Stops:   sampleStops(),
		}
	}
	return out, nil
}

func TestTripMapping_UpdateAndLookup(t *testing.T) {
	api := &mockTransitAPI{
		tripMappingFn: func(ctx context.Context, tripIDs []string) (map[string]domain.TripMappingRoute, error) {
			return map[string]domain.TripMappingRoute{
				"R1": {TripIDs: []int{102, 101}},
				"R2": {TripIDs: []int{103}, Shape: sampleShape(), Stops: sampleStops(), RouteLongName: ptr("Etxebarri - Basauri")},
			}, nil
		},
	}
	f := newTripFixture(t, nil, api)
	ctx := context.Background()

	res := f.svc.UpdateMappings(ctx, []string{"101", "102", "103", "101", ""})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"101", "102", "103"}, api.mappingCalls[0])

	route, ok := f.svc.GetRouteForTrip("102")
	assert.True(t, ok)
	assert.Equal(t, "R1", route)

	rd, ok := f.svc.GetRouteData("R1")
	require.True(t, ok)
	assert.Equal(t, []int{101, 102}, rd.TripIDs)
	assert.False(t, rd.HasDetails())

	rd, ok = f.svc.GetRouteData("R2")
	require.True(t, ok)
	assert.True(t, rd.HasDetails())
	assert.Equal(t, "Etxebarri - Basauri", *rd.RouteLongName)

	_, ok = f.svc.GetRouteForTrip("999")
	assert.False(t, ok)
}

func TestTripMapping_FreshTripsAreSkipped(t *testing.T) {
	api := &mockTransitAPI{tripMappingFn: oneRoutePerTrip}
	f := newTripFixture(t, nil, api)
	ctx := context.Background()

	require.True(t, f.svc.UpdateMappings(ctx, []string{"1", "2"}).Success)
	require.Equal(t, 1, api.mappingCallCount())

	f.clock.Advance(23 * time.Hour)
	res := f.svc.UpdateMappings(ctx, []string{"1", "2"})
	assert.True(t, res.Success, "nothing stale is a successful no-op")
	assert.Equal(t, 1, api.mappingCallCount())

	f.clock.Advance(2 * time.Hour)
	require.True(t, f.svc.UpdateMappings(ctx, []string{"1", "2", "3"}).Success)
	require.Equal(t, 2, api.mappingCallCount())
	assert.Equal(t, []string{"1", "2", "3"}, api.mappingCalls[1])
}

func TestTripMapping_EmptyInputIsNoop(t *testing.T) {
	api := &mockTransitAPI{}
	f := newTripFixture(t, nil, api)

	assert.True(t, f.svc.UpdateMappings(context.Background(), nil).Success)
	assert.Zero(t, api.mappingCallCount())
}

func TestTripMapping_TripSetsOnlyGrow(t *testing.T) {
	calls := 0
	api := &mockTransitAPI{
		tripMappingFn: func(ctx context.Context, tripIDs []string) (map[string]domain.TripMappingRoute, error) {
			calls++
			if calls == 1 {
				return map[string]domain.TripMappingRoute{"R1": {TripIDs: []int{5, 3}}}, nil
			}
			return map[string]domain.TripMappingRoute{"R1": {TripIDs: []int{4}}}, nil
		},
	}
	f := newTripFixture(t, nil, api)
	ctx := context.Background()

	require.True(t, f.svc.UpdateMappings(ctx, []string{"3", "5"}).Success)
	require.True(t, f.svc.UpdateMappings(ctx, []string{"4"}).Success)

	rd, ok := f.svc.GetRouteData("R1")
	require.True(t, ok)
	assert.Equal(t, []int{3, 4, 5}, rd.TripIDs)
}

func TestTripMapping_APIFailureIsSoft(t *testing.T) {
	api := &mockTransitAPI{
		tripMappingFn: func(ctx context.Context, tripIDs []string) (map[string]domain.TripMappingRoute, error) {
			return nil, errors.New("upstream 502")
		},
	}
	f := newTripFixture(t, nil, api)

	res := f.svc.UpdateMappings(context.Background(), []string{"1"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "upstream 502")
	_, ok := f.svc.GetRouteForTrip("1")
	assert.False(t, ok)
}

func TestTripMapping_PersistFailureLeavesStateUnchanged(t *testing.T) {
	api := &mockTransitAPI{tripMappingFn: oneRoutePerTrip}
	f := newTripFixture(t, nil, api)
	ctx := context.Background()

	f.store.failSet = true
	res := f.svc.UpdateMappings(ctx, []string{"1"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "store unavailable")
	_, ok := f.svc.GetRouteForTrip("1")
	assert.False(t, ok, "mapping not kept in memory")
	_, ok = f.svc.GetRouteData("R001")
	assert.False(t, ok)

	// The trip is not stamped fresh, so the next call fetches and persists it.
	f.store.failSet = false
	require.True(t, f.svc.UpdateMappings(ctx, []string{"1"}).Success)
	assert.Equal(t, 2, api.mappingCallCount())

	reloaded := newTripFixture(t, f.store, &mockTransitAPI{})
	route, ok := reloaded.svc.GetRouteForTrip("1")
	assert.True(t, ok)
	assert.Equal(t, "R001", route)
}

func TestTripMapping_ClearRouteDataFailureKeepsDetails(t *testing.T) {
	api := &mockTransitAPI{tripMappingFn: oneRoutePerTrip}
	f := newTripFixture(t, nil, api)
	ctx := context.Background()
	require.True(t, f.svc.UpdateMappings(ctx, []string{"1", "2"}).Success)

	f.store.failSet = true
	assert.Error(t, f.svc.ClearRouteDataCache(ctx))
	assert.Equal(t, 2, f.svc.RoutesWithDetails())
}

func TestTripMapping_LoadRouteDetails(t *testing.T) {
	api := &mockTransitAPI{
		routeDetailsFn: func(ctx context.Context, routeID string) (*domain.RouteDetails, error) {
			if routeID == "EMPTY" {
				return &domain.RouteDetails{}, nil
			}
			return &domain.RouteDetails{Shape: sampleShape(), Stops: sampleStops(), RouteLongName: ptr("Line " + routeID)}, nil
		},
	}
	f := newTripFixture(t, nil, api)
	ctx := context.Background()

	res := f.svc.LoadRouteDetails(ctx, "R7")
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.Details.Stops, 2)
	assert.Equal(t, 1, api.detailCallCount())

	// Fresh cache hit.
	res = f.svc.LoadRouteDetails(ctx, "R7")
	require.True(t, res.Success)
	assert.Equal(t, 1, api.detailCallCount())

	// Stale after a day.
	f.clock.Advance(25 * time.Hour)
	res = f.svc.LoadRouteDetails(ctx, "R7")
	require.True(t, res.Success)
	assert.Equal(t, 2, api.detailCallCount())

	res = f.svc.LoadRouteDetails(ctx, "EMPTY")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "EMPTY")

	res = f.svc.LoadRouteDetails(ctx, "")
	assert.False(t, res.Success)
}

func TestTripMapping_EvictsFiveOldestDetails(t *testing.T) {
	api := &mockTransitAPI{
		tripMappingFn: oneRoutePerTrip,
		routeDetailsFn: func(ctx context.Context, routeID string) (*domain.RouteDetails, error) {
			return &domain.RouteDetails{Shape: sampleShape(), Stops: sampleStops()}, nil
		},
	}
	f := newTripFixture(t, nil, api)
	ctx := context.Background()

	for i := 1; i <= 25; i++ {
		f.clock.Advance(time.Minute)
		require.True(t, f.svc.UpdateMappings(ctx, []string{strconv.Itoa(i)}).Success)
	}
	require.Equal(t, 25, f.svc.RoutesWithDetails())

	f.clock.Advance(time.Minute)
	res := f.svc.LoadRouteDetails(ctx, "R026")
	require.True(t, res.Success)

	for i := 1; i <= 25; i++ {
		id := fmt.Sprintf("R%03d", i)
		rd, ok := f.svc.GetRouteData(id)
		require.True(t, ok, id)
		assert.Equal(t, []int{i}, rd.TripIDs, "trip ids kept for %s", id)
		if i <= 5 {
			assert.False(t, rd.HasDetails(), "%s should be evicted", id)
		} else {
			assert.True(t, rd.HasDetails(), "%s should be kept", id)
		}
	}
	assert.Equal(t, 21, f.svc.RoutesWithDetails())

	route, ok := f.svc.GetRouteForTrip("3")
	assert.True(t, ok)
	assert.Equal(t, "R003", route)
}

func TestTripMapping_ChunkedPersistenceRoundTrip(t *testing.T) {
	store := newFakeStore()
	api := &mockTransitAPI{tripMappingFn: oneRoutePerTrip}
	f := newTripFixture(t, store, api)
	ctx := context.Background()

	ids := make([]string, 120)
	for i := range ids {
		ids[i] = strconv.Itoa(i + 1)
	}
	require.True(t, f.svc.UpdateMappings(ctx, ids).Success)

	for n := 0; n < 3; n++ {
		_, ok := store.raw(usecases.TripChunkKeyPrefix + strconv.Itoa(n))
		assert.True(t, ok, "chunk %d", n)
	}
	_, ok := store.raw(usecases.TripChunkKeyPrefix + "3")
	assert.False(t, ok)

	reloadedAPI := &mockTransitAPI{}
	reloaded := newTripFixture(t, store, reloadedAPI)
	for _, n := range []int{1, 50, 51, 120} {
		route, ok := reloaded.svc.GetRouteForTrip(strconv.Itoa(n))
		assert.True(t, ok, n)
		assert.Equal(t, fmt.Sprintf("R%03d", n), route)
	}
	rd, ok := reloaded.svc.GetRouteData("R077")
	require.True(t, ok)
	assert.Equal(t, sampleStops(), rd.Stops)
	assert.Equal(t, []int{77}, rd.TripIDs)

	// Freshness survives the reload.
	assert.True(t, reloaded.svc.UpdateMappings(ctx, []string{"77"}).Success)
	assert.Zero(t, reloadedAPI.mappingCallCount())
}

func TestTripMapping_CorruptChunkTreatedAsEmpty(t *testing.T) {
	store := newFakeStore()
	api := &mockTransitAPI{tripMappingFn: oneRoutePerTrip}
	f := newTripFixture(t, store, api)
	ctx := context.Background()

	ids := make([]string, 60)
	for i := range ids {
		ids[i] = strconv.Itoa(i + 1)
	}
	require.True(t, f.svc.UpdateMappings(ctx, ids).Success)
	store.put(usecases.TripChunkKeyPrefix+"0", "[[[broken")

	reloaded := newTripFixture(t, store, &mockTransitAPI{})
	_, ok := reloaded.svc.GetRouteData("R001")
	assert.False(t, ok, "routes from the corrupt chunk are gone")
	_, ok = reloaded.svc.GetRouteData("R060")
	assert.True(t, ok, "other chunks still load")
}

func TestTripMapping_ClearRouteDataKeepsIndex(t *testing.T) {
	api := &mockTransitAPI{tripMappingFn: oneRoutePerTrip}
	f := newTripFixture(t, nil, api)
	ctx := context.Background()

	require.True(t, f.svc.UpdateMappings(ctx, []string{"1", "2"}).Success)
	require.NoError(t, f.svc.ClearRouteDataCache(ctx))

	assert.Zero(t, f.svc.RoutesWithDetails())
	route, ok := f.svc.GetRouteForTrip("2")
	assert.True(t, ok)
	assert.Equal(t, "R002", route)

	require.NoError(t, f.svc.ClearCache(ctx))
	_, ok = f.svc.GetRouteForTrip("2")
	assert.False(t, ok)
	_, ok = f.store.raw(usecases.TripChunkKeyPrefix + "0")
	assert.False(t, ok)
}

func TestTripMapping_DailyReset(t *testing.T) {
	api := &mockTransitAPI{tripMappingFn: oneRoutePerTrip}
	f := newTripFixture(t, nil, api)
	ctx := context.Background()

	// Initialize at 08:00 ran the first reset.
	assert.Equal(t, t0, f.svc.LastReset())
	require.True(t, f.svc.UpdateMappings(ctx, []string{"1"}).Success)

	assert.False(t, f.svc.ResetIfDue(ctx), "same day")

	f.clock.Set(time.Date(2024, 5, 7, 2, 30, 0, 0, time.UTC))
	assert.False(t, f.svc.ResetIfDue(ctx), "next day before 03:00")
	_, ok := f.svc.GetRouteForTrip("1")
	assert.True(t, ok)

	resetAt := time.Date(2024, 5, 7, 3, 15, 0, 0, time.UTC)
	f.clock.Set(resetAt)
	assert.True(t, f.svc.ResetIfDue(ctx))
	_, ok = f.svc.GetRouteForTrip("1")
	assert.False(t, ok)
	assert.Equal(t, resetAt, f.svc.LastReset())

	assert.False(t, f.svc.ResetIfDue(ctx), "only once per day")
}

func TestTripMapping_DailyResetKeepsCacheWhenStoreFails(t *testing.T) {
	api := &mockTransitAPI{tripMappingFn: oneRoutePerTrip}
	f := newTripFixture(t, nil, api)
	ctx := context.Background()
	require.True(t, f.svc.UpdateMappings(ctx, []string{"1"}).Success)

	f.clock.Set(time.Date(2024, 5, 7, 3, 15, 0, 0, time.UTC))
	f.store.failRemove = true
	assert.False(t, f.svc.ResetIfDue(ctx))
	route, ok := f.svc.GetRouteForTrip("1")
	assert.True(t, ok, "memory matches the store that still holds the mapping")
	assert.Equal(t, "R001", route)
	assert.Equal(t, t0, f.svc.LastReset())

	f.store.failRemove = false
	assert.True(t, f.svc.ResetIfDue(ctx))
	_, ok = f.svc.GetRouteForTrip("1")
	assert.False(t, ok)
}

func TestTripMapping_ClearCacheFailureKeepsMemory(t *testing.T) {
	api := &mockTransitAPI{tripMappingFn: oneRoutePerTrip}
	f := newTripFixture(t, nil, api)
	ctx := context.Background()
	require.True(t, f.svc.UpdateMappings(ctx, []string{"1"}).Success)

	f.store.failRemove = true
	assert.Error(t, f.svc.ClearCache(ctx))
	_, ok := f.svc.GetRouteForTrip("1")
	assert.True(t, ok)
}

func TestTripMapping_StartDailyResetStopsOnClose(t *testing.T) {
	f := newTripFixture(t, nil, nil)
	f.svc.StartDailyReset(context.Background(), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	f.svc.Close()
	f.svc.Close()
}
