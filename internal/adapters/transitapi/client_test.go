package transitapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirrijal/bilbotrack/internal/adapters/transitapi"
)

func newServer(t *testing.T, mux *http.ServeMux) *transitapi.Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return transitapi.New(srv.URL+"/", 2*time.Second, 0, 1)
}

func TestClient_TripMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tripmapping", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var req struct {
			TripIDs []string `json:"tripIds"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, []string{"1001", "1002"}, req.TripIDs)

		_, _ = w.Write([]byte(`{"A3":{"trip_ids":[1001,1002],"route_long_name":"Bilbao - Getxo",
			"shape":[[[-2.93,43.26],[-2.94,43.27]]],"stops":[{"stop_id":7,"stop_lat":43.26,"stop_lon":-2.93}]}}`))
	})
	c := newServer(t, mux)

	routes, err := c.TripMapping(context.Background(), []string{"1001", "1002"})
	require.NoError(t, err)
	require.Contains(t, routes, "A3")
	r := routes["A3"]
	assert.Equal(t, []int{1001, 1002}, r.TripIDs)
	require.NotNil(t, r.RouteLongName)
	assert.Equal(t, "Bilbao - Getxo", *r.RouteLongName)
	require.Len(t, r.Shape, 1)
	assert.Equal(t, [2]float64{-2.93, 43.26}, r.Shape[0][0])
	require.Len(t, r.Stops, 1)
	assert.Equal(t, 7, r.Stops[0].StopID)
}

func TestClient_RouteDetailsAndStops(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tripmapping/route/A3", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"shape":[[[-2.93,43.26]]],"stops":[],"route_long_name":"L3"}`))
	})
	mux.HandleFunc("/stops/route/A3", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"stops":[{"stop_id":1,"stop_lat":43.1,"stop_lon":-2.9}]}`))
	})
	c := newServer(t, mux)

	d, err := c.RouteDetails(context.Background(), "A3")
	require.NoError(t, err)
	assert.Len(t, d.Shape, 1)
	assert.Equal(t, "L3", *d.RouteLongName)

	s, err := c.StopsForRoute(context.Background(), "A3")
	require.NoError(t, err)
	assert.Equal(t, "A3", s.RouteID)
	assert.Len(t, s.Stops, 1)
}

func TestClient_RoutesAndNearby(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/routes", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"route_id":"A1","route_short_name":"A1","route_type":3}]`))
	})
	mux.HandleFunc("/routes/nearby", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "43.263", q.Get("lat"))
		assert.Equal(t, "-2.935", q.Get("lon"))
		assert.Equal(t, "500", q.Get("distance"))
		_, _ = w.Write([]byte(`[{"route_id":"A2","route_short_name":"A2","route_type":3,"distance":120.5}]`))
	})
	c := newServer(t, mux)

	routes, err := c.Routes(context.Background())
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "A1", routes[0].RouteID)

	nearby, err := c.NearbyRoutes(context.Background(), 43.263, -2.935, 500)
	require.NoError(t, err)
	require.Len(t, nearby, 1)
	assert.Equal(t, "A2", nearby[0].RouteID)
	assert.InDelta(t, 120.5, nearby[0].Distance, 1e-9)
}

func TestClient_Errors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/routes", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/tripmapping/route/bad", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})
	c := newServer(t, mux)

	_, err := c.RouteDetails(context.Background(), "missing")
	assert.ErrorIs(t, err, transitapi.ErrNotFound)

	_, err = c.Routes(context.Background())
	var se *transitapi.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)

	_, err = c.RouteDetails(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestClient_RateLimit(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/routes", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// one token, refilled every 10s: the second call cannot get a token before the deadline
	c := transitapi.New(srv.URL, time.Second, 0.1, 1)
	_, err := c.Routes(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Routes(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, int32(1), calls.Load())
}
