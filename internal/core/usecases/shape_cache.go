package usecases

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twpayne/go-polyline"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/core/ports"
	"github.com/samirrijal/bilbotrack/internal/pkg/clock"
	"github.com/samirrijal/bilbotrack/internal/pkg/metrics"
)

const (
	// ShapeKeyPrefix prefixes one KV blob per cached route shape.
	ShapeKeyPrefix = "routeshape:"
	// shapeResetKey lives outside the prefix so size accounting ignores it.
	shapeResetKey = "shapecache:last_reset"
	// shapeEvictFraction of entries is removed when over budget.
	shapeEvictFraction = 4
)

// shapeEntry is the stored blob. Each line string is polyline-encoded.
type shapeEntry struct {
	Shapes        []string      `json:"shapes"`
	Stops         []domain.Stop `json:"stops"`
	RouteLongName *string       `json:"route_long_name,omitempty"`
	StoredAt      int64         `json:"stored_at"`
}

// ShapeCache stores route shapes and stops in the KV store and keeps the
// total stored size under a byte budget.
type ShapeCache struct {
	store       ports.KeyValueStore
	clock       clock.Clock
	budgetBytes int64
	resetHour   int
	log         *slog.Logger

	mu        sync.Mutex
	index     map[string]int64 // route id -> stored at (ms)
	lastReset time.Time
}

// NewShapeCache creates a ShapeCache with a budget in megabytes.
func NewShapeCache(store ports.KeyValueStore, clk clock.Clock, budgetMB float64, resetHour int, log *slog.Logger) *ShapeCache {
	return &ShapeCache{
		store:       store,
		clock:       clk,
		budgetBytes: int64(budgetMB * 1024 * 1024),
		resetHour:   resetHour,
		log:         log,
		index:       make(map[string]int64),
	}
}

func shapeKey(routeID string) string { return ShapeKeyPrefix + routeID }

// Load rebuilds the in-memory index from the store.
func (c *ShapeCache) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if raw, ok, err := c.store.Get(ctx, shapeResetKey); err != nil {
		return fmt.Errorf("load shape reset time: %w", err)
	} else if ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			c.lastReset = time.UnixMilli(ms)
		}
	}

	entries, err := c.scan(ctx)
	if err != nil {
		return err
	}
	c.index = make(map[string]int64, len(entries))
	for _, e := range entries {
		c.index[e.routeID] = e.storedAt
	}
	return nil
}

// Put stores details for routeID, stamping the current time.
func (c *ShapeCache) Put(ctx context.Context, routeID string, details domain.RouteDetails) error {
	entry := shapeEntry{
		Shapes:        make([]string, 0, len(details.Shape)),
		Stops:         details.Stops,
		RouteLongName: details.RouteLongName,
		StoredAt:      c.clock.NowUnixMilli(),
	}
	for _, line := range details.Shape {
		entry.Shapes = append(entry.Shapes, encodeLine(line))
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal shape %s: %w", routeID, err)
	}
	if err := c.store.Set(ctx, shapeKey(routeID), string(data)); err != nil {
		return fmt.Errorf("store shape %s: %w", routeID, err)
	}

	c.mu.Lock()
	c.index[routeID] = entry.StoredAt
	c.mu.Unlock()
	return nil
}

// Get returns the cached details for routeID. A corrupt blob is logged and
// reported as a miss.
func (c *ShapeCache) Get(ctx context.Context, routeID string) (*domain.RouteDetails, bool, error) {
	details, _, ok, err := c.Lookup(ctx, routeID)
	return details, ok, err
}

// Lookup is Get that also returns when the entry was stored, in epoch ms.
func (c *ShapeCache) Lookup(ctx context.Context, routeID string) (*domain.RouteDetails, int64, bool, error) {
	raw, ok, err := c.store.Get(ctx, shapeKey(routeID))
	if err != nil {
		return nil, 0, false, fmt.Errorf("get shape %s: %w", routeID, err)
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues("route_shape").Inc()
		return nil, 0, false, nil
	}

	var entry shapeEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.log.Warn("corrupt shape blob", "route_id", routeID, "error", err)
		metrics.CacheMisses.WithLabelValues("route_shape").Inc()
		return nil, 0, false, nil
	}

	details := &domain.RouteDetails{
		Shape:         make([]domain.LineString, 0, len(entry.Shapes)),
		Stops:         entry.Stops,
		RouteLongName: entry.RouteLongName,
	}
	for _, enc := range entry.Shapes {
		line, err := decodeLine(enc)
		if err != nil {
			c.log.Warn("corrupt shape polyline", "route_id", routeID, "error", err)
			metrics.CacheMisses.WithLabelValues("route_shape").Inc()
			return nil, 0, false, nil
		}
		details.Shape = append(details.Shape, line)
	}
	metrics.CacheHits.WithLabelValues("route_shape").Inc()
	return details, entry.StoredAt, true, nil
}

// TotalSize returns the summed byte length of all stored shape blobs.
func (c *ShapeCache) TotalSize(ctx context.Context) (int64, error) {
	entries, err := c.scan(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += int64(e.size)
	}
	return total, nil
}

// EnforceBudget removes the oldest quarter of entries when the stored size
// exceeds the budget. It returns the number of entries removed.
func (c *ShapeCache) EnforceBudget(ctx context.Context) (int, error) {
	entries, err := c.scan(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		total += int64(e.size)
	}
	if total <= c.budgetBytes {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].storedAt != entries[j].storedAt {
			return entries[i].storedAt < entries[j].storedAt
		}
		return entries[i].routeID < entries[j].routeID
	})

	n := len(entries) / shapeEvictFraction
	if n == 0 {
		n = 1
	}
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = shapeKey(entries[i].routeID)
	}
	if err := c.store.MultiRemove(ctx, keys); err != nil {
		return 0, fmt.Errorf("evict shapes: %w", err)
	}

	c.mu.Lock()
	for i := 0; i < n; i++ {
		delete(c.index, entries[i].routeID)
	}
	c.mu.Unlock()

	metrics.CacheEvictions.WithLabelValues("route_shape").Add(float64(n))
	c.log.Info("shape cache over budget, evicted oldest entries",
		"evicted", n, "total_bytes", total, "budget_bytes", c.budgetBytes)
	return n, nil
}

// ResetIfDue wipes the cache once per day after the reset hour.
func (c *ShapeCache) ResetIfDue(ctx context.Context) (bool, error) {
	now := c.clock.Now()

	c.mu.Lock()
	due := ResetDue(c.lastReset, now, c.resetHour)
	c.mu.Unlock()
	if !due {
		return false, nil
	}

	if err := c.Clear(ctx); err != nil {
		return false, err
	}
	if err := c.store.Set(ctx, shapeResetKey, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		return false, fmt.Errorf("stamp shape reset: %w", err)
	}

	c.mu.Lock()
	c.lastReset = now
	c.mu.Unlock()

	metrics.CacheResets.WithLabelValues("route_shape").Inc()
	c.log.Info("shape cache daily reset")
	return true, nil
}

// Clear removes every stored shape.
func (c *ShapeCache) Clear(ctx context.Context) error {
	keys, err := c.keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := c.store.MultiRemove(ctx, keys); err != nil {
			return fmt.Errorf("clear shapes: %w", err)
		}
	}
	c.mu.Lock()
	c.index = make(map[string]int64)
	c.mu.Unlock()
	return nil
}

// Len returns the number of indexed entries.
func (c *ShapeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

type storedShape struct {
	routeID  string
	size     int
	storedAt int64
}

func (c *ShapeCache) keys(ctx context.Context) ([]string, error) {
	all, err := c.store.GetAllKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, ShapeKeyPrefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// scan reads every shape blob. Unparseable blobs count with storedAt 0 so
// they are evicted first.
func (c *ShapeCache) scan(ctx context.Context) ([]storedShape, error) {
	keys, err := c.keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]storedShape, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := c.store.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", k, err)
		}
		if !ok {
			continue
		}
		var meta struct {
			StoredAt int64 `json:"stored_at"`
		}
		_ = json.Unmarshal([]byte(raw), &meta)
		out = append(out, storedShape{
			routeID:  strings.TrimPrefix(k, ShapeKeyPrefix),
			size:     len(raw),
			storedAt: meta.StoredAt,
		})
	}
	return out, nil
}

// encodeLine converts [lon, lat] pairs to a polyline of (lat, lon).
func encodeLine(line domain.LineString) string {
	coords := make([][]float64, len(line))
	for i, p := range line {
		coords[i] = []float64{p[1], p[0]}
	}
	return string(polyline.EncodeCoords(coords))
}

func decodeLine(enc string) (domain.LineString, error) {
	coords, _, err := polyline.DecodeCoords([]byte(enc))
	if err != nil {
		return nil, err
	}
	line := make(domain.LineString, len(coords))
	for i, c := range coords {
		line[i] = [2]float64{c[1], c[0]}
	}
	return line, nil
}
