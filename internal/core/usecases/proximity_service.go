package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/core/ports"
	"github.com/samirrijal/bilbotrack/internal/pkg/clock"
	"github.com/samirrijal/bilbotrack/internal/pkg/geospatial"
	"github.com/samirrijal/bilbotrack/internal/pkg/metrics"
	"github.com/samirrijal/bilbotrack/internal/pkg/telemetry"
)

// ProximityAlertsKey is the KV key holding the alert set as one JSON blob.
const ProximityAlertsKey = "proximity_alerts"

// ErrInvalidNotification is returned for push payloads that cannot be applied.
var ErrInvalidNotification = errors.New("invalid proximity notification")

// ProximityConfig holds the alert timing settings.
type ProximityConfig struct {
	PassedClearDelay     time.Duration
	PushPassedClearDelay time.Duration
	StaleAfter           time.Duration
}

// DefaultProximityConfig returns the stock timings.
func DefaultProximityConfig() ProximityConfig {
	return ProximityConfig{
		PassedClearDelay:     60 * time.Second,
		PushPassedClearDelay: 120 * time.Second,
		StaleAfter:           10 * time.Minute,
	}
}

// ProximityService tracks per-subscription vehicle distance to a stop.
//
// The in-memory set is the current view; every mutation is written through
// to the KV store as a single blob and published. Store failures are logged
// and leave the in-memory state unchanged.
type ProximityService struct {
	store     ports.KeyValueStore
	publisher ports.AlertPublisher
	clock     clock.Clock
	scheduler *ClearScheduler
	cfg       ProximityConfig
	log       *slog.Logger

	mu     sync.Mutex
	alerts domain.AlertSet
}

// NewProximityService creates a ProximityService. publisher may be nil.
func NewProximityService(
	store ports.KeyValueStore,
	publisher ports.AlertPublisher,
	clk clock.Clock,
	cfg ProximityConfig,
	log *slog.Logger,
) *ProximityService {
	return &ProximityService{
		store:     store,
		publisher: publisher,
		clock:     clk,
		scheduler: NewClearScheduler(clk),
		cfg:       cfg,
		log:       log,
		alerts:    make(domain.AlertSet),
	}
}

// Initialize loads the persisted alert set. Passed alerts found on load get
// a fresh deferred clear.
func (s *ProximityService) Initialize(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.store.Get(ctx, ProximityAlertsKey)
	if err != nil {
		s.log.Error("load proximity alerts", "error", err)
		return
	}
	if !ok {
		return
	}

	var loaded domain.AlertSet
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		s.log.Error("corrupt proximity alerts blob, starting empty", "error", err)
		return
	}
	if loaded == nil {
		loaded = make(domain.AlertSet)
	}
	s.alerts = loaded

	for id, a := range s.alerts {
		if a.StopPassed {
			s.scheduleClear(id, s.cfg.PassedClearDelay)
		}
	}
	metrics.AlertsActive.Set(float64(len(s.alerts)))
	s.log.Info("proximity alerts loaded", "count", len(s.alerts))
}

// Close cancels all pending deferred clears.
func (s *ProximityService) Close() {
	s.scheduler.CancelAll()
}

// ProcessVehicles applies one feed snapshot to every active alert.
// Alerts whose vehicle is absent from the snapshot are left untouched.
func (s *ProximityService) ProcessVehicles(ctx context.Context, vehicles []domain.Vehicle) {
	ctx, span := telemetry.StartSpan(ctx, "proximity.process_vehicles",
		attribute.Int("vehicles", len(vehicles)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.alerts) == 0 {
		return
	}

	byID := make(map[string]domain.Vehicle, len(vehicles))
	for _, v := range vehicles {
		byID[v.ID] = v
	}

	now := s.clock.NowUnixMilli()
	next := s.alerts.Clone()
	changed := false
	var passed []string

	for id, a := range s.alerts {
		v, ok := byID[a.VehicleID]
		if !ok {
			continue
		}
		d := geospatial.Haversine(v.Latitude, v.Longitude, a.StopLat, a.StopLon)
		res := PollingThresholds.Step(a, d, now)
		if !res.Changed {
			continue
		}
		next[id] = res.Alert
		changed = true
		if res.NewlyPassed {
			passed = append(passed, id)
		}
	}

	if !changed || !s.commit(ctx, next) {
		return
	}

	metrics.AlertTransitions.WithLabelValues(metrics.TransitionUpdated).Inc()
	for _, id := range passed {
		metrics.AlertTransitions.WithLabelValues(metrics.TransitionPassed).Inc()
		s.log.Info("stop passed", "subscription_id", id, "source", "poll")
		s.scheduleClear(id, s.cfg.PassedClearDelay)
	}
}

// AddProximityAlert applies an inbound push notification. A first
// notification creates the alert; later ones update it when the distance
// differs. Creation requires the stop coordinates.
func (s *ProximityService) AddProximityAlert(ctx context.Context, n *domain.ProximityNotification) error {
	if n == nil || n.Type != domain.NotificationTypeProximityAlert {
		return fmt.Errorf("%w: unsupported type", ErrInvalidNotification)
	}
	if n.SubscriptionID == "" || n.VehicleID == "" {
		return fmt.Errorf("%w: subscriptionId and vehicleId are required", ErrInvalidNotification)
	}

	ctx, span := telemetry.StartSpan(ctx, "proximity.add_alert",
		attribute.String("subscription_id", n.SubscriptionID))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowUnixMilli()
	existing, ok := s.alerts[n.SubscriptionID]

	if !ok {
		if n.StopLat == nil || n.StopLon == nil {
			return fmt.Errorf("%w: stop_lat and stop_lon are required for a new alert", ErrInvalidNotification)
		}
		created := domain.ProximityAlert{
			SubscriptionID:   n.SubscriptionID,
			VehicleID:        n.VehicleID,
			Distance:         n.Distance,
			PreviousDistance: n.Distance,
			MinimumDistance:  n.Distance,
			IsApproaching:    true,
			StopLat:          *n.StopLat,
			StopLon:          *n.StopLon,
			EstimatedArrival: n.EstimatedArrival,
			Timestamp:        now,
		}
		next := s.alerts.Clone()
		next[n.SubscriptionID] = created
		if !s.commit(ctx, next) {
			return nil
		}
		transition := metrics.TransitionCreated
		if s.scheduler.Cancel(n.SubscriptionID) {
			transition = metrics.TransitionRecreate
		}
		metrics.AlertTransitions.WithLabelValues(transition).Inc()
		return nil
	}

	if n.Distance == existing.Distance {
		return nil
	}

	res := PushThresholds.Step(existing, n.Distance, now)
	updated := res.Alert
	updated.VehicleID = n.VehicleID
	if n.EstimatedArrival != nil {
		updated.EstimatedArrival = n.EstimatedArrival
	}
	if n.StopLat != nil && n.StopLon != nil {
		updated.StopLat, updated.StopLon = *n.StopLat, *n.StopLon
	}

	next := s.alerts.Clone()
	next[n.SubscriptionID] = updated
	if !s.commit(ctx, next) {
		return nil
	}

	metrics.AlertTransitions.WithLabelValues(metrics.TransitionUpdated).Inc()
	if res.NewlyPassed {
		metrics.AlertTransitions.WithLabelValues(metrics.TransitionPassed).Inc()
		s.log.Info("stop passed", "subscription_id", n.SubscriptionID, "source", "push")
		s.scheduleClear(n.SubscriptionID, s.cfg.PushPassedClearDelay)
	}
	return nil
}

// Alerts returns the current alert set after dropping stale entries.
// If anything was dropped the pruned set is persisted first.
func (s *ProximityService) Alerts(ctx context.Context) domain.AlertSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	next := make(domain.AlertSet, len(s.alerts))
	var expired []string
	for id, a := range s.alerts {
		if a.Age(now) > s.cfg.StaleAfter {
			expired = append(expired, id)
			continue
		}
		next[id] = a
	}

	if len(expired) == 0 {
		return s.alerts.Clone()
	}

	if !s.commit(ctx, next) {
		// Stale entries stay hidden; the next read retries the write.
		s.log.Warn("stale proximity alerts hidden but not persisted", "count", len(expired))
		return next.Clone()
	}
	for _, id := range expired {
		s.scheduler.Cancel(id)
		metrics.AlertTransitions.WithLabelValues(metrics.TransitionExpired).Inc()
	}
	s.log.Info("stale proximity alerts dropped", "count", len(expired))
	return s.alerts.Clone()
}

// Alert returns one alert by subscription id, applying the staleness filter.
func (s *ProximityService) Alert(ctx context.Context, subscriptionID string) (domain.ProximityAlert, bool) {
	a, ok := s.Alerts(ctx)[subscriptionID]
	return a, ok
}

// ClearAlert deletes the alert for subscriptionID and cancels its pending
// clear. It reports whether an alert existed.
func (s *ProximityService) ClearAlert(ctx context.Context, subscriptionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduler.Cancel(subscriptionID)
	if _, ok := s.alerts[subscriptionID]; !ok {
		return false
	}

	next := s.alerts.Clone()
	delete(next, subscriptionID)
	if !s.commit(ctx, next) {
		return false
	}
	metrics.AlertTransitions.WithLabelValues(metrics.TransitionCleared).Inc()
	return true
}

// ClearAll deletes every alert and cancels all pending clears.
func (s *ProximityService) ClearAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduler.CancelAll()
	if s.commit(ctx, make(domain.AlertSet)) {
		metrics.AlertTransitions.WithLabelValues(metrics.TransitionCleared).Inc()
	}
}

// PendingClear reports whether a deferred clear is scheduled for subscriptionID.
func (s *ProximityService) PendingClear(subscriptionID string) bool {
	return s.scheduler.Pending(subscriptionID)
}

// scheduleClear must be called with s.mu held.
func (s *ProximityService) scheduleClear(id string, delay time.Duration) {
	s.scheduler.Schedule(id, delay, func(gen uint64) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.scheduler.Claim(id, gen) {
			return
		}
		if _, ok := s.alerts[id]; !ok {
			return
		}
		next := s.alerts.Clone()
		delete(next, id)
		if s.commit(context.Background(), next) {
			metrics.AlertTransitions.WithLabelValues(metrics.TransitionCleared).Inc()
			s.log.Info("passed alert cleared", "subscription_id", id)
		}
	})
}

// commit persists next, swaps it in and publishes it. It must be called
// with s.mu held and reports whether the write succeeded.
func (s *ProximityService) commit(ctx context.Context, next domain.AlertSet) bool {
	data, err := json.Marshal(next)
	if err != nil {
		s.log.Error("marshal proximity alerts", "error", err)
		return false
	}
	if err := s.store.Set(ctx, ProximityAlertsKey, string(data)); err != nil {
		s.log.Error("persist proximity alerts", "error", err)
		return false
	}

	s.alerts = next
	metrics.AlertsActive.Set(float64(len(next)))

	if s.publisher != nil {
		if err := s.publisher.PublishProximityAlerts(ctx, next.Clone()); err != nil {
			s.log.Warn("publish proximity alerts", "error", err)
		}
	}
	return true
}
