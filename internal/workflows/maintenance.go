package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// MaintenanceInput configures CacheMaintenanceWorkflow.
type MaintenanceInput struct {
	// Interval between maintenance passes.
	Interval time.Duration
	// Passes before the workflow continues as new to bound its history.
	// Zero selects DefaultPassesPerRun.
	PassesPerRun int
}

// MaintenanceReport summarises one pass.
type MaintenanceReport struct {
	TripMappingsReset bool
	ShapeCacheReset   bool
	ShapesEvicted     int
}

// DefaultPassesPerRun bounds workflow history at roughly a day of hourly passes.
const DefaultPassesPerRun = 24

// CacheMaintenanceWorkflow runs the daily reset checks and shape budget
// enforcement every Interval, then continues as new.
func CacheMaintenanceWorkflow(ctx workflow.Context, input MaintenanceInput) error {
	logger := workflow.GetLogger(ctx)

	passes := input.PassesPerRun
	if passes <= 0 {
		passes = DefaultPassesPerRun
	}

	actOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, actOpts)

	for i := 0; i < passes; i++ {
		report, err := maintenancePass(ctx)
		if err != nil {
			// A failed pass is retried on the next tick
			logger.Warn("cache maintenance pass failed", "error", err)
		} else {
			logger.Info("cache maintenance pass",
				"tripMappingsReset", report.TripMappingsReset,
				"shapeCacheReset", report.ShapeCacheReset,
				"shapesEvicted", report.ShapesEvicted)
		}

		if err := workflow.Sleep(ctx, input.Interval); err != nil {
			return err
		}
	}

	return workflow.NewContinueAsNewError(ctx, CacheMaintenanceWorkflow, input)
}

// MaintenancePassWorkflow runs a single maintenance pass and returns its report.
func MaintenancePassWorkflow(ctx workflow.Context) (MaintenanceReport, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	return maintenancePass(ctx)
}

func maintenancePass(ctx workflow.Context) (MaintenanceReport, error) {
	var report MaintenanceReport

	if err := workflow.ExecuteActivity(ctx, ResetTripMappingsActivity).Get(ctx, &report.TripMappingsReset); err != nil {
		return report, err
	}
	if err := workflow.ExecuteActivity(ctx, ResetShapeCacheActivity).Get(ctx, &report.ShapeCacheReset); err != nil {
		return report, err
	}
	// A fresh reset leaves nothing to evict
	if report.ShapeCacheReset {
		return report, nil
	}
	if err := workflow.ExecuteActivity(ctx, EnforceShapeBudgetActivity).Get(ctx, &report.ShapesEvicted); err != nil {
		return report, err
	}
	return report, nil
}
