package workflows

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"

	"github.com/samirrijal/bilbotrack/internal/core/usecases"
)

// Activity names registered by the maintainer worker.
const (
	ResetTripMappingsActivity  = "ResetTripMappingsIfDue"
	ResetShapeCacheActivity    = "ResetShapeCacheIfDue"
	EnforceShapeBudgetActivity = "EnforceShapeBudget"
)

// MaintenanceActivities runs cache housekeeping against the shared KV store.
type MaintenanceActivities struct {
	Mappings *usecases.TripMappingService
	Shapes   *usecases.ShapeCache
}

// ResetTripMappingsIfDue reloads the persisted trip cache and wipes it when
// the daily reset is due. The reload picks up writes from tracker instances.
func (a *MaintenanceActivities) ResetTripMappingsIfDue(ctx context.Context) (bool, error) {
	a.Mappings.Reload(ctx)
	reset := a.Mappings.ResetIfDue(ctx)
	activity.GetLogger(ctx).Info("trip mapping reset check", "reset", reset)
	return reset, nil
}

// ResetShapeCacheIfDue wipes the route shape cache once per day.
func (a *MaintenanceActivities) ResetShapeCacheIfDue(ctx context.Context) (bool, error) {
	if err := a.Shapes.Load(ctx); err != nil {
		return false, fmt.Errorf("load shape cache: %w", err)
	}
	reset, err := a.Shapes.ResetIfDue(ctx)
	if err != nil {
		return false, fmt.Errorf("shape cache reset: %w", err)
	}
	return reset, nil
}

// EnforceShapeBudget evicts the oldest quarter of route shapes when the
// cache is over budget and returns how many were removed.
func (a *MaintenanceActivities) EnforceShapeBudget(ctx context.Context) (int, error) {
	if err := a.Shapes.Load(ctx); err != nil {
		return 0, fmt.Errorf("load shape cache: %w", err)
	}
	removed, err := a.Shapes.EnforceBudget(ctx)
	if err != nil {
		return 0, fmt.Errorf("enforce shape budget: %w", err)
	}
	if removed > 0 {
		activity.GetLogger(ctx).Info("shape cache over budget", "evicted", removed)
	}
	return removed, nil
}
