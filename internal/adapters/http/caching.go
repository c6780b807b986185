package http

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// CachingMiddleware sets Cache-Control headers on GET responses based on endpoint.
// Handlers that set their own header win.
func CachingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		if c.Method() != fiber.MethodGet {
			return err
		}
		if existing := c.GetRespHeader(fiber.HeaderCacheControl); existing != "" {
			return err
		}

		path := c.Path()
		var ttl string

		switch {
		case path == "/v1/health" || path == "/v1/ready":
			ttl = "no-cache"

		case path == "/metrics":
			ttl = "no-cache"

		// Live data changes every poll
		case strings.HasPrefix(path, "/v1/clusters"),
			strings.HasPrefix(path, "/v1/vehicles"),
			strings.HasPrefix(path, "/v1/alerts"),
			strings.HasPrefix(path, "/v1/cache"):
			ttl = "no-store"

		case strings.HasPrefix(path, "/v1/routes/nearby"):
			ttl = "public, max-age=300"

		case strings.HasPrefix(path, "/v1/routes/") || strings.HasPrefix(path, "/v1/trips/"):
			ttl = "public, max-age=600"

		case path == "/v1/routes":
			ttl = "public, max-age=3600"

		case strings.HasPrefix(path, "/v1/"):
			ttl = "public, max-age=60"
		}

		if ttl != "" {
			c.Set(fiber.HeaderCacheControl, ttl)
		}

		return err
	}
}
