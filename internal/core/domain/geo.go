package domain

// GeoPoint represents a geographic coordinate (WGS 84).
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LineString is an ordered sequence of [lon, lat] pairs.
type LineString [][2]float64

// Region is the current map viewport. LatitudeDelta is the zoom proxy:
// smaller means more zoomed in.
type Region struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	LatitudeDelta  float64 `json:"latitudeDelta"`
	LongitudeDelta float64 `json:"longitudeDelta"`
}
