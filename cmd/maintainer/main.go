package main

import (
	"context"
	"log"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/samirrijal/bilbotrack/internal/adapters/storage"
	"github.com/samirrijal/bilbotrack/internal/adapters/transitapi"
	"github.com/samirrijal/bilbotrack/internal/core/usecases"
	"github.com/samirrijal/bilbotrack/internal/pkg/clock"
	"github.com/samirrijal/bilbotrack/internal/pkg/config"
	"github.com/samirrijal/bilbotrack/internal/pkg/logging"
	"github.com/samirrijal/bilbotrack/internal/workflows"
)

// maintenanceWorkflowID keeps a single maintenance loop per namespace.
const maintenanceWorkflowID = "bilbotrack-cache-maintenance"

func main() {
	cfg, err := config.Load("bilbotrack-maintainer")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	if cfg.Storage.Backend == config.StorageMemory {
		log.Fatal("maintainer needs a shared storage backend, not memory")
	}

	ctx := context.Background()

	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer backend.Close()

	clk := clock.RealClock{}
	shapes := usecases.NewShapeCache(backend.Store, clk, cfg.Cache.ShapeBudgetMB, cfg.Cache.ResetHour, logging.Component("shape_cache"))
	api := transitapi.New(cfg.TransitAPI.BaseURL, cfg.TransitAPI.Timeout, cfg.TransitAPI.RateLimit, cfg.TransitAPI.Burst)
	mappings := usecases.NewTripMappingService(backend.Store, api, shapes, clk, cfg.Cache.ResetHour, logging.Component("trip_mapping"))

	// Connect to Temporal
	c, err := client.Dial(client.Options{
		HostPort: cfg.Temporal.HostPort,
		Logger:   slog.Default(),
	})
	if err != nil {
		log.Fatalf("temporal client: %v", err)
	}
	defer c.Close()

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})

	// Register workflows & activities
	w.RegisterWorkflow(workflows.CacheMaintenanceWorkflow)
	w.RegisterWorkflow(workflows.MaintenancePassWorkflow)
	w.RegisterActivity(&workflows.MaintenanceActivities{
		Mappings: mappings,
		Shapes:   shapes,
	})

	// Returns the running execution when the loop is already started.
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        maintenanceWorkflowID,
		TaskQueue: cfg.Temporal.TaskQueue,
	}, workflows.CacheMaintenanceWorkflow, workflows.MaintenanceInput{
		Interval: cfg.Temporal.Interval,
	})
	if err != nil {
		log.Fatalf("start maintenance workflow: %v", err)
	}
	slog.Info("maintenance workflow running", "workflow_id", run.GetID(), "run_id", run.GetRunID())

	slog.Info("maintainer worker started", "task_queue", cfg.Temporal.TaskQueue, "backend", backend.Name)
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatalf("worker: %v", err)
	}
}
