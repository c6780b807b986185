package usecases

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/core/ports"
	"github.com/samirrijal/bilbotrack/internal/pkg/clock"
	"github.com/samirrijal/bilbotrack/internal/pkg/metrics"
	"github.com/samirrijal/bilbotrack/internal/pkg/telemetry"
)

// TrackerService polls the vehicle feed and drives the snapshot, trip
// mappings and proximity alerts from each poll.
type TrackerService struct {
	feed      ports.VehicleFeed
	snapshot  *VehicleSnapshot
	mappings  *TripMappingService
	proximity *ProximityService
	clock     clock.Clock
	interval  time.Duration
	log       *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTrackerService creates a TrackerService. mappings may be nil.
func NewTrackerService(
	feed ports.VehicleFeed,
	snapshot *VehicleSnapshot,
	mappings *TripMappingService,
	proximity *ProximityService,
	clk clock.Clock,
	interval time.Duration,
	log *slog.Logger,
) *TrackerService {
	return &TrackerService{
		feed:      feed,
		snapshot:  snapshot,
		mappings:  mappings,
		proximity: proximity,
		clock:     clk,
		interval:  interval,
		log:       log,
		stop:      make(chan struct{}),
	}
}

// Run polls immediately and then every interval until ctx is done or Stop
// is called.
func (t *TrackerService) Run(ctx context.Context) {
	t.log.Info("tracker started", "interval", t.interval)

	_ = t.PollOnce(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Info("tracker stopped", "reason", ctx.Err())
			return
		case <-t.stop:
			t.log.Info("tracker stopped")
			return
		case <-ticker.C:
			_ = t.PollOnce(ctx)
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (t *TrackerService) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// PollOnce runs a single poll cycle. A feed error leaves the previous
// snapshot and all alerts untouched.
func (t *TrackerService) PollOnce(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "tracker.poll")
	defer span.End()

	start := time.Now()
	defer func() { metrics.FeedPollDuration.Observe(time.Since(start).Seconds()) }()

	vehicles, err := t.feed.Vehicles(ctx)
	if err != nil {
		metrics.FeedPollErrors.Inc()
		t.log.Error("poll vehicle feed", "error", err)
		return err
	}
	span.SetAttributes(attribute.Int("vehicles", len(vehicles)))

	t.snapshot.Replace(vehicles, t.clock.Now())
	metrics.VehiclesPolled.Set(float64(len(vehicles)))

	if t.mappings != nil {
		if res := t.mappings.UpdateMappings(ctx, tripIDs(vehicles)); !res.Success {
			t.log.Warn("trip mapping refresh failed", "error", res.Error)
		}
	}

	t.proximity.ProcessVehicles(ctx, vehicles)

	t.log.Debug("poll complete", "vehicles", len(vehicles), "took", time.Since(start))
	return nil
}

func tripIDs(vehicles []domain.Vehicle) []string {
	ids := make([]string, 0, len(vehicles))
	for _, v := range vehicles {
		if v.TripID != "" {
			ids = append(ids, v.TripID)
		}
	}
	return ids
}
