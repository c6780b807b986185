// Package transitapi is the fasthttp client for the remote transit backend.
package transitapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/core/ports"
)

// ErrNotFound is returned when the backend answers 404.
var ErrNotFound = ports.ErrNotFound

// StatusError carries a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transit api: %s %s: HTTP %d", e.Method, e.Path, e.Status)
}

// Client implements ports.TransitAPI.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *fasthttp.Client
	limiter *rate.Limiter
}

// New builds a client. ratePerSecond <= 0 disables client-side limiting.
func New(baseURL string, timeout time.Duration, ratePerSecond float64, burst int) *Client {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http: &fasthttp.Client{
			Name:                "bilbotrack",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: 90 * time.Second,
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type tripMappingRequest struct {
	TripIDs []string `json:"tripIds"`
}

// TripMapping resolves trip ids in one POST /tripmapping call.
func (c *Client) TripMapping(ctx context.Context, tripIDs []string) (map[string]domain.TripMappingRoute, error) {
	var out map[string]domain.TripMappingRoute
	if err := c.do(ctx, fasthttp.MethodPost, "/tripmapping", tripMappingRequest{TripIDs: tripIDs}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]domain.TripMappingRoute{}
	}
	return out, nil
}

func (c *Client) RouteDetails(ctx context.Context, routeID string) (*domain.RouteDetails, error) {
	var out domain.RouteDetails
	if err := c.do(ctx, fasthttp.MethodGet, "/tripmapping/route/"+url.PathEscape(routeID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopsForRoute(ctx context.Context, routeID string) (*domain.RouteStops, error) {
	var out domain.RouteStops
	if err := c.do(ctx, fasthttp.MethodGet, "/stops/route/"+url.PathEscape(routeID), nil, &out); err != nil {
		return nil, err
	}
	if out.RouteID == "" {
		out.RouteID = routeID
	}
	return &out, nil
}

func (c *Client) Routes(ctx context.Context) ([]domain.RouteShort, error) {
	var out []domain.RouteShort
	if err := c.do(ctx, fasthttp.MethodGet, "/routes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) NearbyRoutes(ctx context.Context, lat, lon, distance float64) ([]domain.NearbyRoute, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("distance", strconv.FormatFloat(distance, 'f', -1, 64))

	var out []domain.NearbyRoute
	if err := c.do(ctx, fasthttp.MethodGet, "/routes/nearby?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do waits for the limiter, sends the request and decodes a JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("transit api: rate limit wait: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transit api: encode body: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(data)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return fmt.Errorf("transit api: %s %s: %w", method, path, context.DeadlineExceeded)
	}

	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("transit api: %s %s: %w", method, path, err)
	}

	switch status := resp.StatusCode(); {
	case status == fasthttp.StatusNotFound:
		return fmt.Errorf("transit api: %s %s: %w", method, path, ErrNotFound)
	case status < 200 || status > 299:
		return &StatusError{Method: method, Path: path, Status: status}
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("transit api: decode %s: %w", path, err)
	}
	return nil
}
