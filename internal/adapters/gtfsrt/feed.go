// Package gtfsrt reads vehicle positions from a GTFS-Realtime protobuf feed.
package gtfsrt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
)

// DefaultMaxBodySize caps a feed download.
const DefaultMaxBodySize = 25 * 1024 * 1024

// Feed implements ports.VehicleFeed over a GTFS-RT VehiclePositions URL.
type Feed struct {
	url    string
	client *http.Client

	// MaxBodySize rejects larger responses.
	MaxBodySize int64

	// Classify maps a position to a vehicle type. Defaults to BUS.
	Classify func(vp *gtfsrtpb.VehiclePosition) domain.VehicleType
}

func NewFeed(url string, timeout time.Duration) *Feed {
	return &Feed{
		url:         url,
		client:      &http.Client{Timeout: timeout},
		MaxBodySize: DefaultMaxBodySize,
	}
}

// Vehicles fetches the feed and returns every entity carrying a position.
func (f *Feed) Vehicles(ctx context.Context) ([]domain.Vehicle, error) {
	feed, err := f.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return f.decode(feed), nil
}

func (f *Feed) fetch(ctx context.Context) (*gtfsrtpb.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d for %s", resp.StatusCode, f.url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.MaxBodySize {
		return nil, fmt.Errorf("feed %s exceeds size limit of %d bytes", f.url, f.MaxBodySize)
	}

	feed := &gtfsrtpb.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("unmarshal protobuf: %w", err)
	}
	return feed, nil
}

func (f *Feed) decode(feed *gtfsrtpb.FeedMessage) []domain.Vehicle {
	vehicles := make([]domain.Vehicle, 0, len(feed.GetEntity()))
	for _, entity := range feed.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}
		pos := vp.GetPosition()
		desc := vp.GetVehicle()

		id := desc.GetId()
		if id == "" {
			id = desc.GetLabel()
		}
		if id == "" {
			id = entity.GetId()
		}

		v := domain.Vehicle{
			ID:          id,
			Latitude:    float64(pos.GetLatitude()),
			Longitude:   float64(pos.GetLongitude()),
			TripID:      vp.GetTrip().GetTripId(),
			Label:       desc.GetLabel(),
			Speed:       float64(pos.GetSpeed()),
			VehicleType: domain.VehicleTypeBus,
		}
		if routeID := vp.GetTrip().GetRouteId(); routeID != "" {
			v.RouteID = &routeID
		}
		if f.Classify != nil {
			v.VehicleType = f.Classify(vp)
		}
		vehicles = append(vehicles, v)
	}
	return vehicles
}
