package clustering

// Zoom thresholds on Region.LatitudeDelta.
const (
	FarThreshold    = 0.1
	MediumThreshold = 0.05
	CloseThreshold  = 0.02
)

// Cluster radii in pixels per zoom level.
const (
	FarRadius    = 50
	MediumRadius = 35
	CloseRadius  = 20
)

// Maximum members per cluster per zoom level, used by CapClusterSize.
const (
	FarMaxSize    = 20
	MediumMaxSize = 10
	CloseMaxSize  = 5
)

// Marker footprint used for the overlap test.
const (
	MarkerWidth  = 40.0
	MarkerBuffer = 0.0
)

// ZoomLevel is the clustering granularity picked from a latitudeDelta.
type ZoomLevel struct {
	Name    string
	Radius  int
	MaxSize int
}

var (
	zoomFar    = ZoomLevel{Name: "far", Radius: FarRadius, MaxSize: FarMaxSize}
	zoomMedium = ZoomLevel{Name: "medium", Radius: MediumRadius, MaxSize: MediumMaxSize}
	zoomClose  = ZoomLevel{Name: "close", Radius: CloseRadius, MaxSize: CloseMaxSize}
	zoomNone   = ZoomLevel{Name: "none"}
)

// ZoomFor maps a latitudeDelta to its zoom level. A zero radius disables clustering.
func ZoomFor(latitudeDelta float64) ZoomLevel {
	switch {
	case latitudeDelta > FarThreshold:
		return zoomFar
	case latitudeDelta > MediumThreshold:
		return zoomMedium
	case latitudeDelta > CloseThreshold:
		return zoomClose
	default:
		return zoomNone
	}
}
