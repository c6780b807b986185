package domain

import (
	"slices"
	"time"
)

// VehicleType distinguishes the kind of vehicle reported by the feed.
type VehicleType string

const (
	VehicleTypeBus         VehicleType = "BUS"
	VehicleTypeTrain       VehicleType = "TRAIN"
	VehicleTypeHandicapBus VehicleType = "HANDICAP_BUS"
)

// Vehicle is a live vehicle position. Each poll replaces the full set.
type Vehicle struct {
	ID          string      `json:"id"`
	Latitude    float64     `json:"latitude"`
	Longitude   float64     `json:"longitude"`
	TripID      string      `json:"tripId"`
	RouteID     *string     `json:"routeId,omitempty"`
	Label       string      `json:"label"`
	Speed       float64     `json:"speed"`
	VehicleType VehicleType `json:"vehicleType"`
}

// Point is a vehicle projected for a single clustering pass.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Vehicle   Vehicle `json:"vehicle"`
}

// Cluster groups markers that would overlap at the current zoom.
// NumPoints always equals len(Points).
type Cluster struct {
	ID         string   `json:"id"`
	Coordinate GeoPoint `json:"coordinate"`
	NumPoints  int      `json:"numPoints"`
	Points     []Point  `json:"points"`
}

// Stop is a stop on a route as returned by the transit API.
type Stop struct {
	StopID       int     `json:"stop_id"`
	StopLat      float64 `json:"stop_lat"`
	StopLon      float64 `json:"stop_lon"`
	StopSequence *int    `json:"stop_sequence,omitempty"`
	StopName     *string `json:"stop_name,omitempty"`
}

// RouteData is the cached geometry and trip membership of a route.
// Shape and Stops stay empty until details are fetched.
type RouteData struct {
	TripIDs       []int        `json:"tripIds"`
	Shape         []LineString `json:"shape"`
	Stops         []Stop       `json:"stops"`
	RouteLongName *string      `json:"routeLongName,omitempty"`
}

// AddTripIDs unions ids into the route's trip set, keeping it sorted.
func (r *RouteData) AddTripIDs(ids ...int) {
	for _, id := range ids {
		i, found := slices.BinarySearch(r.TripIDs, id)
		if !found {
			r.TripIDs = slices.Insert(r.TripIDs, i, id)
		}
	}
}

// HasDetails reports whether shape or stop data is present.
func (r *RouteData) HasDetails() bool {
	return len(r.Shape) > 0 || len(r.Stops) > 0
}

// ProximityAlert tracks a vehicle's live distance to a subscribed stop.
// Distances are in meters, Timestamp in epoch milliseconds.
type ProximityAlert struct {
	SubscriptionID   string  `json:"subscriptionId"`
	VehicleID        string  `json:"vehicleId"`
	Distance         float64 `json:"distance"`
	PreviousDistance float64 `json:"previousDistance"`
	MinimumDistance  float64 `json:"minimumDistance"`
	IsApproaching    bool    `json:"isApproaching"`
	StopPassed       bool    `json:"stopPassed"`
	StopLat          float64 `json:"stop_lat"`
	StopLon          float64 `json:"stop_lon"`
	EstimatedArrival *string `json:"estimatedArrival,omitempty"`
	Timestamp        int64   `json:"timestamp"`
}

// Age returns how long ago the alert was last updated.
func (a ProximityAlert) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(a.Timestamp))
}

// AlertSet holds one alert per subscription id.
type AlertSet map[string]ProximityAlert

// Clone returns a shallow copy safe to hand to observers.
func (s AlertSet) Clone() AlertSet {
	out := make(AlertSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// NotificationTypeProximityAlert is the push payload type handled by the tracker.
const NotificationTypeProximityAlert = "proximity_alert"

// ProximityNotification is the inbound push payload for a proximity event.
type ProximityNotification struct {
	Type             string   `json:"type"`
	SubscriptionID   string   `json:"subscriptionId"`
	VehicleID        string   `json:"vehicleId"`
	Distance         float64  `json:"distance"`
	EstimatedArrival *string  `json:"estimatedArrival,omitempty"`
	StopLat          *float64 `json:"stop_lat,omitempty"`
	StopLon          *float64 `json:"stop_lon,omitempty"`
}

// TripMappingRoute is one route entry of a batch trip mapping response.
type TripMappingRoute struct {
	TripIDs       []int        `json:"trip_ids"`
	Shape         []LineString `json:"shape,omitempty"`
	Stops         []Stop       `json:"stops,omitempty"`
	RouteLongName *string      `json:"route_long_name,omitempty"`
}

// RouteDetails is the geometry payload for a single route.
type RouteDetails struct {
	Shape         []LineString `json:"shape"`
	Stops         []Stop       `json:"stops"`
	RouteLongName *string      `json:"route_long_name,omitempty"`
}

func (d *RouteDetails) HasData() bool {
	return len(d.Shape) > 0 || len(d.Stops) > 0
}

// RouteShort is a catalog entry from the route listing.
type RouteShort struct {
	RouteID        string `json:"route_id"`
	RouteShortName string `json:"route_short_name"`
	RouteLongName  string `json:"route_long_name,omitempty"`
	RouteType      int    `json:"route_type"`
	RouteColor     string `json:"route_color,omitempty"`
}

// NearbyRoute is a route passing close to a queried location.
type NearbyRoute struct {
	RouteShort
	Distance float64 `json:"distance"`
}

// RouteStops is the stop listing for a route.
type RouteStops struct {
	RouteID string `json:"route_id"`
	Stops   []Stop `json:"stops"`
}
