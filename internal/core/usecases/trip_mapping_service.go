package usecases

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/core/ports"
	"github.com/samirrijal/bilbotrack/internal/pkg/clock"
	"github.com/samirrijal/bilbotrack/internal/pkg/metrics"
	"github.com/samirrijal/bilbotrack/internal/pkg/telemetry"
)

// KV layout of the trip mapping cache.
const (
	TripIndexKey       = "tripmapping:index"
	TripChunkKeyPrefix = "tripmapping:chunk:"
	TripTimestampsKey  = "tripmapping:trip_ts"
	RouteTimestampsKey = "tripmapping:route_ts"
)

const (
	// RoutesPerChunk is the number of routes stored per chunk blob.
	RoutesPerChunk = 50
	// MappingTTL is how long trip mappings and route details stay fresh.
	MappingTTL = 24 * time.Hour
	// MaxRoutesWithDetails is the number of routes whose shape and stops
	// may stay in memory before the oldest are evicted.
	MaxRoutesWithDetails = 20
	// RoutesEvictedPerPass is how many routes lose their details per eviction.
	RoutesEvictedPerPass = 5
)

// Result reports the outcome of a cache operation that degrades softly.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RouteDetailsResult is the outcome of LoadRouteDetails.
type RouteDetailsResult struct {
	Success bool                 `json:"success"`
	Error   string               `json:"error,omitempty"`
	Details *domain.RouteDetails `json:"details,omitempty"`
}

type tripIndex struct {
	Chunks    int               `json:"chunks"`
	Trips     map[string]string `json:"trips"`
	LastReset int64             `json:"last_reset"`
}

// TripMappingService maps vehicle trips to routes and caches route geometry.
type TripMappingService struct {
	store     ports.KeyValueStore
	api       ports.TransitAPI
	shapes    *ShapeCache
	clock     clock.Clock
	resetHour int
	log       *slog.Logger

	mu           sync.RWMutex
	tripToRoute  map[string]string
	routes       map[string]*domain.RouteData
	tripUpdated  map[string]int64
	routeUpdated map[string]int64
	lastReset    time.Time
	chunks       int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTripMappingService creates a TripMappingService. shapes may be nil.
func NewTripMappingService(
	store ports.KeyValueStore,
	api ports.TransitAPI,
	shapes *ShapeCache,
	clk clock.Clock,
	resetHour int,
	log *slog.Logger,
) *TripMappingService {
	s := &TripMappingService{
		store:     store,
		api:       api,
		shapes:    shapes,
		clock:     clk,
		resetHour: resetHour,
		log:       log,
	}
	s.resetState()
	return s
}

func (s *TripMappingService) resetState() {
	s.tripToRoute = make(map[string]string)
	s.routes = make(map[string]*domain.RouteData)
	s.tripUpdated = make(map[string]int64)
	s.routeUpdated = make(map[string]int64)
}

// cacheState is a deep copy of the in-memory cache, restored when a write
// to the store fails.
type cacheState struct {
	tripToRoute  map[string]string
	routes       map[string]*domain.RouteData
	tripUpdated  map[string]int64
	routeUpdated map[string]int64
	chunks       int
}

// saveState must be called with s.mu held.
func (s *TripMappingService) saveState() cacheState {
	routes := make(map[string]*domain.RouteData, len(s.routes))
	for id, rd := range s.routes {
		cp := *rd
		cp.TripIDs = slices.Clone(rd.TripIDs)
		routes[id] = &cp
	}
	return cacheState{
		tripToRoute:  maps.Clone(s.tripToRoute),
		routes:       routes,
		tripUpdated:  maps.Clone(s.tripUpdated),
		routeUpdated: maps.Clone(s.routeUpdated),
		chunks:       s.chunks,
	}
}

// restoreState must be called with s.mu held.
func (s *TripMappingService) restoreState(st cacheState) {
	s.tripToRoute = st.tripToRoute
	s.routes = st.routes
	s.tripUpdated = st.tripUpdated
	s.routeUpdated = st.routeUpdated
	s.chunks = st.chunks
}

// Initialize loads the persisted cache and runs the daily reset check.
// Corrupt blobs are logged and treated as empty.
func (s *TripMappingService) Initialize(ctx context.Context) {
	s.Reload(ctx)
	s.ResetIfDue(ctx)
}

// Reload replaces the in-memory cache with the persisted one.
func (s *TripMappingService) Reload(ctx context.Context) {
	s.mu.Lock()
	s.load(ctx)
	s.mu.Unlock()
}

// StartDailyReset runs the daily reset checks and the shape budget every
// interval until Close or ctx is done.
func (s *TripMappingService) StartDailyReset(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ResetIfDue(ctx)
				if s.shapes != nil {
					reset, err := s.shapes.ResetIfDue(ctx)
					if err != nil {
						s.log.Error("shape cache reset", "error", err)
					}
					if !reset {
						if _, err := s.shapes.EnforceBudget(ctx); err != nil {
							s.log.Error("shape budget", "error", err)
						}
					}
				}
			}
		}
	}()
}

// Close stops the periodic reset goroutine.
func (s *TripMappingService) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
}

// UpdateMappings refreshes the route mapping of every trip that is not
// fresh. Nothing stale means a successful no-op.
func (s *TripMappingService) UpdateMappings(ctx context.Context, tripIDs []string) Result {
	now := s.clock.NowUnixMilli()

	s.mu.RLock()
	stale := make([]string, 0, len(tripIDs))
	seen := make(map[string]struct{}, len(tripIDs))
	for _, id := range tripIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if ts, ok := s.tripUpdated[id]; ok && now-ts < MappingTTL.Milliseconds() {
			continue
		}
		stale = append(stale, id)
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		metrics.CacheHits.WithLabelValues("trip_mapping").Inc()
		return Result{Success: true}
	}
	metrics.CacheMisses.WithLabelValues("trip_mapping").Add(float64(len(stale)))

	ctx, span := telemetry.StartSpan(ctx, "tripmapping.update", attribute.Int("trips", len(stale)))
	defer span.End()

	mapping, err := s.api.TripMapping(ctx, stale)
	if err != nil {
		s.log.Error("fetch trip mappings", "trips", len(stale), "error", err)
		return Result{Error: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.saveState()
	for routeID, entry := range mapping {
		rd, ok := s.routes[routeID]
		if !ok {
			rd = &domain.RouteData{TripIDs: []int{}}
			s.routes[routeID] = rd
		}
		rd.AddTripIDs(entry.TripIDs...)
		for _, tid := range entry.TripIDs {
			key := strconv.Itoa(tid)
			s.tripToRoute[key] = routeID
			s.tripUpdated[key] = now
		}
		if len(entry.Shape) > 0 || len(entry.Stops) > 0 {
			rd.Shape = entry.Shape
			rd.Stops = entry.Stops
			s.routeUpdated[routeID] = now
		}
		if entry.RouteLongName != nil {
			rd.RouteLongName = entry.RouteLongName
		}
	}

	if err := s.persist(ctx); err != nil {
		s.restoreState(saved)
		s.log.Error("persist trip mappings", "error", err)
		return Result{Error: err.Error()}
	}
	s.log.Debug("trip mappings updated", "requested", len(stale), "routes", len(mapping))
	return Result{Success: true}
}

// LoadRouteDetails returns the shape and stops of routeID, fetching them
// when the cached copy is missing or older than MappingTTL. Before anything
// else, routes beyond MaxRoutesWithDetails lose their details oldest first.
func (s *TripMappingService) LoadRouteDetails(ctx context.Context, routeID string) RouteDetailsResult {
	if routeID == "" {
		return RouteDetailsResult{Error: "route id is required"}
	}
	now := s.clock.NowUnixMilli()

	s.mu.Lock()
	evicted := s.evictOldestDetails()
	if rd, ok := s.routes[routeID]; ok && rd.HasDetails() {
		if ts, ok := s.routeUpdated[routeID]; ok && now-ts < MappingTTL.Milliseconds() {
			details := detailsOf(rd)
			if evicted {
				s.persistLogged(ctx)
			}
			s.mu.Unlock()
			metrics.CacheHits.WithLabelValues("route_details").Inc()
			return RouteDetailsResult{Success: true, Details: details}
		}
	}
	if evicted {
		s.persistLogged(ctx)
	}
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "tripmapping.load_route_details", attribute.String("route_id", routeID))
	defer span.End()

	if s.shapes != nil {
		cached, storedAt, ok, err := s.shapes.Lookup(ctx, routeID)
		if err != nil {
			s.log.Warn("read route shape", "route_id", routeID, "error", err)
		} else if ok && now-storedAt < MappingTTL.Milliseconds() && cached.HasData() {
			metrics.CacheHits.WithLabelValues("route_details").Inc()
			return RouteDetailsResult{Success: true, Details: s.storeDetails(ctx, routeID, cached, storedAt)}
		}
	}
	metrics.CacheMisses.WithLabelValues("route_details").Inc()

	details, err := s.api.RouteDetails(ctx, routeID)
	if err != nil {
		s.log.Error("fetch route details", "route_id", routeID, "error", err)
		return RouteDetailsResult{Error: err.Error()}
	}
	if details == nil || !details.HasData() {
		return RouteDetailsResult{Error: fmt.Sprintf("no shape or stops for route %s", routeID)}
	}

	out := s.storeDetails(ctx, routeID, details, s.clock.NowUnixMilli())
	if s.shapes != nil {
		if err := s.shapes.Put(ctx, routeID, *out); err != nil {
			s.log.Warn("write route shape", "route_id", routeID, "error", err)
		}
	}
	return RouteDetailsResult{Success: true, Details: out}
}

// storeDetails installs details for routeID stamped at updatedAt and
// persists the cache. A failed write leaves the cache as it was.
func (s *TripMappingService) storeDetails(ctx context.Context, routeID string, details *domain.RouteDetails, updatedAt int64) *domain.RouteDetails {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.saveState()
	rd, ok := s.routes[routeID]
	if !ok {
		rd = &domain.RouteData{TripIDs: []int{}}
		s.routes[routeID] = rd
	}
	rd.Shape = details.Shape
	rd.Stops = details.Stops
	if details.RouteLongName != nil {
		rd.RouteLongName = details.RouteLongName
	}
	s.routeUpdated[routeID] = updatedAt
	out := detailsOf(rd)
	if err := s.persist(ctx); err != nil {
		s.restoreState(saved)
		s.log.Error("persist route details", "route_id", routeID, "error", err)
	}
	return out
}

// GetRouteForTrip returns the route id a trip belongs to.
func (s *TripMappingService) GetRouteForTrip(tripID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	routeID, ok := s.tripToRoute[tripID]
	return routeID, ok
}

// GetRouteData returns a copy of the cached data for routeID.
func (s *TripMappingService) GetRouteData(routeID string) (*domain.RouteData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rd, ok := s.routes[routeID]
	if !ok {
		return nil, false
	}
	cp := *rd
	cp.TripIDs = slices.Clone(rd.TripIDs)
	cp.Shape = slices.Clone(rd.Shape)
	cp.Stops = slices.Clone(rd.Stops)
	return &cp, true
}

// RoutesWithDetails returns the number of routes holding shape or stop data.
func (s *TripMappingService) RoutesWithDetails() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rd := range s.routes {
		if rd.HasDetails() {
			n++
		}
	}
	return n
}

// ClearCache wipes the whole cache, in memory and in the store. The memory
// copy is kept when the stored keys cannot be removed.
func (s *TripMappingService) ClearCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(ctx, s.lastReset)
}

// ClearRouteDataCache drops all shapes and stops but keeps the trip index.
func (s *TripMappingService) ClearRouteDataCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.saveState()
	for _, rd := range s.routes {
		rd.Shape = nil
		rd.Stops = nil
	}
	s.routeUpdated = make(map[string]int64)
	if err := s.persist(ctx); err != nil {
		s.restoreState(saved)
		return err
	}
	if s.shapes != nil {
		return s.shapes.Clear(ctx)
	}
	return nil
}

// ResetIfDue wipes the cache when the daily reset is due and reports
// whether it did.
func (s *TripMappingService) ResetIfDue(ctx context.Context) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !ResetDue(s.lastReset, now, s.resetHour) {
		return false
	}
	if err := s.removeStoredKeys(ctx); err != nil {
		s.log.Error("daily trip mapping reset", "error", err)
		return false
	}
	s.resetState()
	s.chunks = 0
	s.lastReset = now
	if err := s.persist(ctx); err != nil {
		s.log.Error("stamp trip mapping reset", "error", err)
	}
	metrics.CacheResets.WithLabelValues("trip_mapping").Inc()
	s.log.Info("trip mapping daily reset")
	return true
}

// LastReset returns the time of the last full reset.
func (s *TripMappingService) LastReset() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReset
}

// clearLocked must be called with s.mu held.
func (s *TripMappingService) clearLocked(ctx context.Context, lastReset time.Time) error {
	if err := s.removeStoredKeys(ctx); err != nil {
		return err
	}
	s.resetState()
	s.chunks = 0
	s.lastReset = lastReset
	return s.persist(ctx)
}

func (s *TripMappingService) removeStoredKeys(ctx context.Context) error {
	keys, err := s.store.GetAllKeys(ctx)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	var remove []string
	for _, k := range keys {
		if strings.HasPrefix(k, "tripmapping:") {
			remove = append(remove, k)
		}
	}
	if len(remove) > 0 {
		if err := s.store.MultiRemove(ctx, remove); err != nil {
			return fmt.Errorf("remove trip mapping keys: %w", err)
		}
	}
	return nil
}

// evictOldestDetails must be called with s.mu held.
func (s *TripMappingService) evictOldestDetails() bool {
	var withDetails []string
	for id, rd := range s.routes {
		if rd.HasDetails() {
			withDetails = append(withDetails, id)
		}
	}
	if len(withDetails) <= MaxRoutesWithDetails {
		return false
	}

	sort.Slice(withDetails, func(i, j int) bool {
		ti, tj := s.routeUpdated[withDetails[i]], s.routeUpdated[withDetails[j]]
		if ti != tj {
			return ti < tj
		}
		return withDetails[i] < withDetails[j]
	})

	for _, id := range withDetails[:RoutesEvictedPerPass] {
		rd := s.routes[id]
		rd.Shape = nil
		rd.Stops = nil
		delete(s.routeUpdated, id)
	}
	metrics.CacheEvictions.WithLabelValues("route_details").Add(RoutesEvictedPerPass)
	s.log.Debug("evicted route details", "count", RoutesEvictedPerPass, "remaining", len(withDetails)-RoutesEvictedPerPass)
	return true
}

func detailsOf(rd *domain.RouteData) *domain.RouteDetails {
	return &domain.RouteDetails{
		Shape:         slices.Clone(rd.Shape),
		Stops:         slices.Clone(rd.Stops),
		RouteLongName: rd.RouteLongName,
	}
}

func (s *TripMappingService) persistLogged(ctx context.Context) {
	if err := s.persist(ctx); err != nil {
		s.log.Error("persist trip mapping cache", "error", err)
	}
}

// persist writes chunks, timestamps and the index. It must be called with
// s.mu held. Chunks beyond the new count are removed.
func (s *TripMappingService) persist(ctx context.Context) error {
	routeIDs := make([]string, 0, len(s.routes))
	for id := range s.routes {
		routeIDs = append(routeIDs, id)
	}
	sort.Strings(routeIDs)

	chunks := (len(routeIDs) + RoutesPerChunk - 1) / RoutesPerChunk
	for n := 0; n < chunks; n++ {
		end := min((n+1)*RoutesPerChunk, len(routeIDs))
		chunk := make(map[string]*domain.RouteData, end-n*RoutesPerChunk)
		for _, id := range routeIDs[n*RoutesPerChunk : end] {
			chunk[id] = s.routes[id]
		}
		if err := s.setJSON(ctx, chunkKey(n), chunk); err != nil {
			return err
		}
	}

	if s.chunks > chunks {
		stale := make([]string, 0, s.chunks-chunks)
		for n := chunks; n < s.chunks; n++ {
			stale = append(stale, chunkKey(n))
		}
		if err := s.store.MultiRemove(ctx, stale); err != nil {
			return fmt.Errorf("remove stale chunks: %w", err)
		}
	}
	s.chunks = chunks

	if err := s.setJSON(ctx, TripTimestampsKey, s.tripUpdated); err != nil {
		return err
	}
	if err := s.setJSON(ctx, RouteTimestampsKey, s.routeUpdated); err != nil {
		return err
	}

	idx := tripIndex{Chunks: chunks, Trips: s.tripToRoute}
	if !s.lastReset.IsZero() {
		idx.LastReset = s.lastReset.UnixMilli()
	}
	return s.setJSON(ctx, TripIndexKey, idx)
}

// load must be called with s.mu held.
func (s *TripMappingService) load(ctx context.Context) {
	s.resetState()

	var idx tripIndex
	if !s.getJSON(ctx, TripIndexKey, &idx) {
		return
	}
	if idx.Trips != nil {
		s.tripToRoute = idx.Trips
	}
	if idx.LastReset > 0 {
		s.lastReset = time.UnixMilli(idx.LastReset)
	}
	s.chunks = idx.Chunks

	for n := 0; n < idx.Chunks; n++ {
		var chunk map[string]*domain.RouteData
		if !s.getJSON(ctx, chunkKey(n), &chunk) {
			continue
		}
		for id, rd := range chunk {
			if rd == nil {
				continue
			}
			if rd.TripIDs == nil {
				rd.TripIDs = []int{}
			}
			s.routes[id] = rd
		}
	}

	var tripTS, routeTS map[string]int64
	if s.getJSON(ctx, TripTimestampsKey, &tripTS) && tripTS != nil {
		s.tripUpdated = tripTS
	}
	if s.getJSON(ctx, RouteTimestampsKey, &routeTS) && routeTS != nil {
		s.routeUpdated = routeTS
	}

	s.log.Info("trip mapping cache loaded", "routes", len(s.routes), "trips", len(s.tripToRoute))
}

func (s *TripMappingService) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.store.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// getJSON reports whether key held a parseable value.
func (s *TripMappingService) getJSON(ctx context.Context, key string, v any) bool {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.log.Error("read trip mapping cache", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		s.log.Error("corrupt trip mapping blob, treating as empty", "key", key, "error", err)
		return false
	}
	return true
}

func chunkKey(n int) string { return TripChunkKeyPrefix + strconv.Itoa(n) }
