package geospatial

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversine(t *testing.T) {
	tests := []struct {
		name      string
		lat1      float64
		lon1      float64
		lat2      float64
		lon2      float64
		expected  float64
		tolerance float64
	}{
		{
			name:      "same point",
			lat1:      43.2630,
			lon1:      -2.9350,
			lat2:      43.2630,
			lon2:      -2.9350,
			expected:  0,
			tolerance: 0.001,
		},
		{
			name:      "one degree of latitude",
			lat1:      0,
			lon1:      0,
			lat2:      1,
			lon2:      0,
			expected:  EarthRadiusMeters * math.Pi / 180,
			tolerance: 0.01,
		},
		{
			name:      "Abando to Moyua",
			lat1:      43.2614,
			lon1:      -2.9276,
			lat2:      43.2630,
			lon2:      -2.9350,
			expected:  626,
			tolerance: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Haversine(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.expected, got, tt.tolerance)
		})
	}
}

func TestHaversine_Symmetric(t *testing.T) {
	a := Haversine(43.26, -2.93, 43.30, -2.98)
	b := Haversine(43.30, -2.98, 43.26, -2.93)
	assert.InDelta(t, a, b, 1e-9)
}

func TestPixelOffset(t *testing.T) {
	dx, dy := PixelOffset(0.01, -0.02, 0.1)
	assert.InDelta(t, 37.5, dy, 1e-9)
	assert.InDelta(t, 37.5, dx, 1e-9)
}

func TestScreenDistance(t *testing.T) {
	// 3-4-5 triangle in pixel space at latitudeDelta 1.
	d := ScreenDistance(0, 0, 3.0/ViewportWidth, 8.0/ViewportWidth, 1)
	assert.InDelta(t, 5, d, 1e-9)
}
