package http

import (
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/core/ports"
	"github.com/samirrijal/bilbotrack/internal/core/usecases"
	"github.com/samirrijal/bilbotrack/internal/pkg/clustering"
)

// ClustersResponse is the body of GET /v1/clusters.
type ClustersResponse struct {
	Zoom      string           `json:"zoom"`
	Vehicles  int              `json:"vehicles"`
	Clusters  []domain.Cluster `json:"clusters"`
	UpdatedAt *time.Time       `json:"updatedAt,omitempty"`
}

// ClustersHandler clusters the live vehicle snapshot for a viewport.
// Query: lat, lon, latDelta (required, > 0), lonDelta, capped.
func ClustersHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		region := domain.Region{
			Latitude:       c.QueryFloat("lat", 0),
			Longitude:      c.QueryFloat("lon", 0),
			LatitudeDelta:  c.QueryFloat("latDelta", 0),
			LongitudeDelta: c.QueryFloat("lonDelta", 0),
		}
		if region.LatitudeDelta <= 0 {
			return errBadRequest(c, "latDelta must be a positive number")
		}
		capped := c.QueryBool("capped", false)

		clusters := deps.Clusters.Clusters(c.UserContext(), region, capped)
		total := 0
		for _, cl := range clusters {
			total += cl.NumPoints
		}

		resp := ClustersResponse{
			Zoom:     clustering.ZoomFor(region.LatitudeDelta).Name,
			Vehicles: total,
			Clusters: clusters,
		}
		if at := deps.Clusters.UpdatedAt(); !at.IsZero() {
			resp.UpdatedAt = &at
		}
		return c.JSON(resp)
	}
}

// VehiclesHandler returns the raw vehicle snapshot.
func VehiclesHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		vehicles := deps.Clusters.Vehicles()
		if vehicles == nil {
			vehicles = []domain.Vehicle{}
		}
		return c.JSON(vehicles)
	}
}

// ListAlertsHandler returns every live proximity alert keyed by subscription id.
func ListAlertsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(deps.Proximity.Alerts(c.UserContext()))
	}
}

// GetAlertHandler returns one alert.
func GetAlertHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("subscriptionId")
		a, ok := deps.Proximity.Alert(c.UserContext(), id)
		if !ok {
			return errNotFound(c, "no alert for subscription "+id)
		}
		return c.JSON(a)
	}
}

// ClearAlertHandler deletes one alert and cancels its pending clear.
func ClearAlertHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("subscriptionId")
		if !deps.Proximity.ClearAlert(c.UserContext(), id) {
			return errNotFound(c, "no alert for subscription "+id)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// ClearAlertsHandler deletes every alert.
func ClearAlertsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		deps.Proximity.ClearAll(c.UserContext())
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// PushNotificationHandler applies an inbound proximity push payload.
func PushNotificationHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var n domain.ProximityNotification
		if err := c.BodyParser(&n); err != nil {
			return errBadRequest(c, "invalid request body")
		}
		if err := deps.Proximity.AddProximityAlert(c.UserContext(), &n); err != nil {
			if errors.Is(err, usecases.ErrInvalidNotification) {
				return errBadRequest(c, err.Error())
			}
			return errInternal(c, err.Error())
		}
		a, _ := deps.Proximity.Alert(c.UserContext(), n.SubscriptionID)
		return c.Status(fiber.StatusAccepted).JSON(a)
	}
}

type updateMappingsRequest struct {
	TripIDs []string `json:"tripIds"`
}

// UpdateMappingsHandler refreshes trip→route mappings for the given trips.
func UpdateMappingsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if deps.Mappings == nil {
			return errUnavailable(c, "trip mapping is not configured")
		}
		var req updateMappingsRequest
		if err := c.BodyParser(&req); err != nil {
			return errBadRequest(c, "invalid request body")
		}
		if len(req.TripIDs) > 1000 {
			return errBadRequest(c, "too many trip ids (max 1000)")
		}
		res := deps.Mappings.UpdateMappings(c.UserContext(), req.TripIDs)
		if !res.Success {
			return errUpstream(c, res.Error)
		}
		return c.JSON(res)
	}
}

// TripRouteResponse is the body of GET /v1/trips/:tripId/route.
type TripRouteResponse struct {
	TripID  string            `json:"tripId"`
	RouteID string            `json:"routeId"`
	Route   *domain.RouteData `json:"route,omitempty"`
}

// TripRouteHandler resolves the cached route of a trip.
func TripRouteHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if deps.Mappings == nil {
			return errUnavailable(c, "trip mapping is not configured")
		}
		tripID := c.Params("tripId")
		routeID, ok := deps.Mappings.GetRouteForTrip(tripID)
		if !ok {
			return errNotFound(c, "no route mapped for trip "+tripID)
		}
		rd, _ := deps.Mappings.GetRouteData(routeID)
		return c.JSON(TripRouteResponse{TripID: tripID, RouteID: routeID, Route: rd})
	}
}

// RouteDetailsHandler returns a route's shape and stops, fetching them on a miss.
func RouteDetailsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if deps.Mappings == nil {
			return errUnavailable(c, "trip mapping is not configured")
		}
		res := deps.Mappings.LoadRouteDetails(c.UserContext(), c.Params("id"))
		if !res.Success {
			return errUpstream(c, res.Error)
		}
		return c.JSON(res.Details)
	}
}

// CacheStats is the body of GET /v1/cache.
type CacheStats struct {
	RoutesWithDetails int        `json:"routesWithDetails"`
	LastReset         *time.Time `json:"lastReset,omitempty"`
	ShapeEntries      int        `json:"shapeEntries"`
	ShapeBytes        int64      `json:"shapeBytes"`
}

// CacheStatsHandler reports the size of the route caches.
func CacheStatsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var stats CacheStats
		if deps.Mappings != nil {
			stats.RoutesWithDetails = deps.Mappings.RoutesWithDetails()
			if t := deps.Mappings.LastReset(); !t.IsZero() {
				stats.LastReset = &t
			}
		}
		if deps.Shapes != nil {
			size, err := deps.Shapes.TotalSize(c.UserContext())
			if err != nil {
				return errInternal(c, err.Error())
			}
			stats.ShapeEntries = deps.Shapes.Len()
			stats.ShapeBytes = size
		}
		return c.JSON(stats)
	}
}

// ClearCacheHandler wipes cached route data.
// scope=routes keeps the trip index; scope=all (default) wipes everything.
func ClearCacheHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if deps.Mappings == nil {
			return errUnavailable(c, "trip mapping is not configured")
		}
		var err error
		switch scope := c.Query("scope", "all"); scope {
		case "routes":
			err = deps.Mappings.ClearRouteDataCache(c.UserContext())
		case "all":
			err = deps.Mappings.ClearCache(c.UserContext())
			if err == nil && deps.Shapes != nil {
				err = deps.Shapes.Clear(c.UserContext())
			}
		default:
			return errBadRequest(c, "scope must be routes or all")
		}
		if err != nil {
			return errInternal(c, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// ListRoutesHandler returns the route catalog, paginated.
func ListRoutesHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if deps.Routes == nil {
			return errUnavailable(c, "transit api is not configured")
		}
		routes, err := deps.Routes.List(c.UserContext())
		if err != nil {
			return errUpstream(c, err.Error())
		}
		sort.Slice(routes, func(i, j int) bool { return routes[i].RouteID < routes[j].RouteID })

		pg := pageParams(c, len(routes))
		SetLinkHeaders(c, pg)
		return c.JSON(PaginatedResponse{Data: paginate(routes, pg), Pagination: pg})
	}
}

// NearbyRoutesHandler returns routes passing near a point.
func NearbyRoutesHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if deps.Routes == nil {
			return errUnavailable(c, "transit api is not configured")
		}
		lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
		lon, errLon := strconv.ParseFloat(c.Query("lon"), 64)
		if errLat != nil || errLon != nil {
			return errBadRequest(c, "lat and lon are required")
		}
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return errBadRequest(c, "lat or lon out of range")
		}
		distance := c.QueryFloat("distance", 500)
		if distance <= 0 || distance > 10000 {
			return errBadRequest(c, "distance must be between 1 and 10000 meters")
		}

		routes, err := deps.Routes.Nearby(c.UserContext(), lat, lon, distance)
		if err != nil {
			return errUpstream(c, err.Error())
		}
		if routes == nil {
			routes = []domain.NearbyRoute{}
		}
		return c.JSON(routes)
	}
}

// RouteStopsHandler returns the stops served by a route.
func RouteStopsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if deps.Routes == nil {
			return errUnavailable(c, "transit api is not configured")
		}
		stops, err := deps.Routes.Stops(c.UserContext(), c.Params("id"))
		if err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				return errNotFound(c, err.Error())
			}
			return errUpstream(c, err.Error())
		}
		return c.JSON(stops)
	}
}
