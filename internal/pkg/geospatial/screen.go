package geospatial

import "math"

// ViewportWidth is the assumed screen width in pixels used for projection.
const ViewportWidth = 375.0

// PixelOffset converts a lat/lon delta into approximate screen pixels at the
// given latitudeDelta. Vertical scale is ViewportWidth/latitudeDelta and
// horizontal scale ViewportWidth/(2*latitudeDelta). This is not Mercator.
func PixelOffset(dLat, dLon, latitudeDelta float64) (dx, dy float64) {
	dy = math.Abs(dLat) * (ViewportWidth / latitudeDelta)
	dx = math.Abs(dLon) * (ViewportWidth / (2 * latitudeDelta))
	return dx, dy
}

// ScreenDistance is the Euclidean pixel distance between two coordinates.
func ScreenDistance(lat1, lon1, lat2, lon2, latitudeDelta float64) float64 {
	dx, dy := PixelOffset(lat2-lat1, lon2-lon1, latitudeDelta)
	return math.Sqrt(dx*dx + dy*dy)
}
