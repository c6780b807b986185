package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/samirrijal/bilbotrack/internal/adapters/gtfsrt"
	"github.com/samirrijal/bilbotrack/internal/adapters/http"
	natsadapter "github.com/samirrijal/bilbotrack/internal/adapters/nats"
	"github.com/samirrijal/bilbotrack/internal/adapters/storage"
	"github.com/samirrijal/bilbotrack/internal/adapters/transitapi"
	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/core/ports"
	"github.com/samirrijal/bilbotrack/internal/core/usecases"
	"github.com/samirrijal/bilbotrack/internal/pkg/clock"
	"github.com/samirrijal/bilbotrack/internal/pkg/config"
	"github.com/samirrijal/bilbotrack/internal/pkg/logging"
	"github.com/samirrijal/bilbotrack/internal/pkg/metrics"
	"github.com/samirrijal/bilbotrack/internal/pkg/telemetry"
)

const poolStatsInterval = 15 * time.Second

func main() {
	cfg, err := config.Load("bilbotrack-tracker")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.TempoAddr)
		if err != nil {
			slog.Warn("telemetry init failed", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	// Storage
	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer backend.Close()
	slog.Info("storage ready", "backend", backend.Name)

	if backend.DB != nil {
		go reportPoolStats(ctx, backend)
	}

	// NATS: alert fan-out and inbound push notifications
	var publisher ports.AlertPublisher
	pub, err := natsadapter.NewPublisher(cfg.NATS.URL, cfg.NATS.AlertsSubject)
	if err != nil {
		slog.Warn("nats publisher unavailable", "error", err)
	} else {
		publisher = pub
		defer pub.Close()
	}

	clk := clock.RealClock{}

	// Use cases
	shapes := usecases.NewShapeCache(backend.Store, clk, cfg.Cache.ShapeBudgetMB, cfg.Cache.ResetHour, logging.Component("shape_cache"))
	if err := shapes.Load(ctx); err != nil {
		slog.Warn("shape cache load failed", "error", err)
	}
	if _, err := shapes.ResetIfDue(ctx); err != nil {
		slog.Warn("shape cache reset failed", "error", err)
	}

	api := transitapi.New(cfg.TransitAPI.BaseURL, cfg.TransitAPI.Timeout, cfg.TransitAPI.RateLimit, cfg.TransitAPI.Burst)

	mappings := usecases.NewTripMappingService(backend.Store, api, shapes, clk, cfg.Cache.ResetHour, logging.Component("trip_mapping"))
	mappings.Initialize(ctx)
	mappings.StartDailyReset(ctx, cfg.Cache.ResetCheckInterval)
	defer mappings.Close()

	proximity := usecases.NewProximityService(backend.Store, publisher, clk, usecases.ProximityConfig{
		PassedClearDelay:     cfg.Tracking.PassedClearDelay,
		PushPassedClearDelay: cfg.Tracking.PushPassedClearDelay,
		StaleAfter:           cfg.Tracking.StaleAfter,
	}, logging.Component("proximity"))
	proximity.Initialize(ctx)
	defer proximity.Close()

	sub, err := natsadapter.NewSubscriber(cfg.NATS.URL, cfg.NATS.PushSubject, cfg.NATS.PushDurableName)
	if err != nil {
		slog.Warn("nats subscriber unavailable, push notifications disabled", "error", err)
	} else {
		defer sub.Close()
		if err := sub.SubscribeProximityNotifications(ctx, pushHandler(proximity)); err != nil {
			slog.Warn("push subscription failed", "error", err)
		}
	}

	snapshot := usecases.NewVehicleSnapshot()

	// Vehicle polling
	var tracker *usecases.TrackerService
	if cfg.Feed.VehiclePositionsURL == "" {
		slog.Warn("no vehicle positions feed configured, polling disabled")
	} else {
		feed := gtfsrt.NewFeed(cfg.Feed.VehiclePositionsURL, cfg.Feed.Timeout)
		tracker = usecases.NewTrackerService(feed, snapshot, mappings, proximity, clk, cfg.Tracking.PollInterval, logging.Component("tracker"))
		go tracker.Run(ctx)
	}

	deps := &http.Dependencies{
		Clusters:      usecases.NewClusterService(snapshot),
		Proximity:     proximity,
		Mappings:      mappings,
		Shapes:        shapes,
		Routes:        usecases.NewRouteService(api),
		AlertsSubject: cfg.NATS.AlertsSubject,
		Store:         backend.Store,
		StoreBackend:  backend.Name,
	}
	if pub != nil {
		deps.NATS = pub.Conn()
	}

	// Fiber
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    1024 * 1024, // 1 MB max request body
		AppName:      "BilboTrack",
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     "http://localhost:3000, http://localhost:5173, https://*.bilbotrack.eus",
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: false,
		MaxAge:           3600,
	}))

	http.SetupRoutes(app, deps)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		slog.Info("tracker server starting", "addr", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received, draining connections...", "signal", sig.String())

	if tracker != nil {
		tracker.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}

// pushHandler applies inbound push notifications. Payloads that can never
// be applied are acknowledged so they are not redelivered.
func pushHandler(proximity *usecases.ProximityService) func(context.Context, *domain.ProximityNotification) error {
	return func(ctx context.Context, n *domain.ProximityNotification) error {
		err := proximity.AddProximityAlert(ctx, n)
		if errors.Is(err, usecases.ErrInvalidNotification) {
			slog.Warn("rejected push notification", "subscription_id", n.SubscriptionID, "error", err)
			return nil
		}
		return err
	}
}

func reportPoolStats(ctx context.Context, backend *storage.Backend) {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateDBPoolMetrics(backend.DB.Stat())
		}
	}
}
