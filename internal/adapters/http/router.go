package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/fiber/v2/middleware/timeout"
	"github.com/gofiber/websocket/v2"

	"github.com/samirrijal/bilbotrack/internal/pkg/metrics"
)

const requestTimeout = 15 * time.Second

// SetupRoutes registers all REST, GraphQL, and WebSocket routes.
func SetupRoutes(app *fiber.App, deps *Dependencies) {
	// Prometheus metrics
	app.Use(metrics.Middleware())
	app.Get("/metrics", metrics.Handler())

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	app.Use(requestid.New())
	app.Use(RequestIDLogMiddleware())
	app.Use(AccessLogMiddleware())

	// Rate limiting: 600 requests per minute per IP; map clients re-cluster on every pan
	app.Use(limiter.New(limiter.Config{
		Max:        600,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return newError(c, fiber.StatusTooManyRequests, "rate_limited", "too many requests, please try again later")
		},
	}))

	// Security headers + API version
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("X-API-Version", "1.0.0")
		return c.Next()
	})

	app.Use(ETagMiddleware())
	app.Use(CachingMiddleware())

	// Health & readiness (no timeout, fast internal checks)
	app.Get("/v1/health", HealthHandler(deps))
	app.Get("/v1/ready", ReadyHandler(deps))

	v1 := app.Group("/v1")

	// Live vehicles
	v1.Get("/clusters", timeout.NewWithContext(ClustersHandler(deps), requestTimeout))
	v1.Get("/vehicles", timeout.NewWithContext(VehiclesHandler(deps), requestTimeout))

	// Proximity alerts
	v1.Get("/alerts", timeout.NewWithContext(ListAlertsHandler(deps), requestTimeout))
	v1.Delete("/alerts", timeout.NewWithContext(ClearAlertsHandler(deps), requestTimeout))
	v1.Post("/alerts/notifications", timeout.NewWithContext(PushNotificationHandler(deps), requestTimeout))
	v1.Get("/alerts/:subscriptionId", timeout.NewWithContext(GetAlertHandler(deps), requestTimeout))
	v1.Delete("/alerts/:subscriptionId", timeout.NewWithContext(ClearAlertHandler(deps), requestTimeout))

	// Trip → route cache
	v1.Post("/trips/mappings", timeout.NewWithContext(UpdateMappingsHandler(deps), requestTimeout))
	v1.Get("/trips/:tripId/route", timeout.NewWithContext(TripRouteHandler(deps), requestTimeout))
	v1.Get("/cache", timeout.NewWithContext(CacheStatsHandler(deps), requestTimeout))
	v1.Delete("/cache", timeout.NewWithContext(ClearCacheHandler(deps), requestTimeout))

	// Route catalog
	v1.Get("/routes", timeout.NewWithContext(ListRoutesHandler(deps), requestTimeout))
	v1.Get("/routes/nearby", timeout.NewWithContext(NearbyRoutesHandler(deps), requestTimeout))
	v1.Get("/routes/:id", timeout.NewWithContext(RouteDetailsHandler(deps), requestTimeout))
	v1.Get("/routes/:id/stops", timeout.NewWithContext(RouteStopsHandler(deps), requestTimeout))

	// GraphQL
	app.Post("/graphql", GraphQLHandler(deps))

	// WebSocket alert relay
	if deps.NATS != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws", websocket.New(WebSocketHandler(deps.NATS, deps.AlertsSubject)))
	}
}
