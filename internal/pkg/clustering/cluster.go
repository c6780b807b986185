// Package clustering groups vehicle markers that would overlap on screen.
//
// Assignment is first-match-wins in input order against each cluster's first
// member, so the result depends on vehicle order. Callers and tests rely on
// that exact output; do not replace the scan with nearest-cluster assignment.
package clustering

import (
	"fmt"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
	"github.com/samirrijal/bilbotrack/internal/pkg/geospatial"
)

// Cluster partitions vehicles into clusters for the given viewport.
func Cluster(vehicles []domain.Vehicle, region domain.Region) []domain.Cluster {
	if len(vehicles) == 0 {
		return []domain.Cluster{}
	}

	points := make([]domain.Point, len(vehicles))
	for i, v := range vehicles {
		points[i] = domain.Point{Latitude: v.Latitude, Longitude: v.Longitude, Vehicle: v}
	}

	zoom := ZoomFor(region.LatitudeDelta)
	clusters := make([]domain.Cluster, 0, len(points))

	if zoom.Radius == 0 {
		for _, p := range points {
			clusters = append(clusters, newCluster(len(clusters), []domain.Point{p}))
		}
		return clusters
	}

	for _, p := range points {
		joined := false
		for i := range clusters {
			first := clusters[i].Points[0]
			if overlaps(first, p, region.LatitudeDelta) {
				clusters[i].Points = append(clusters[i].Points, p)
				recompute(&clusters[i])
				joined = true
				break
			}
		}
		if !joined {
			clusters = append(clusters, newCluster(len(clusters), []domain.Point{p}))
		}
	}

	return clusters
}

// CapClusterSize splits clusters larger than the zoom level's maximum. The
// back half of an oversized cluster becomes a new cluster; splitting repeats
// until every cluster fits. The input slice is not modified.
func CapClusterSize(clusters []domain.Cluster, latitudeDelta float64) []domain.Cluster {
	out := make([]domain.Cluster, len(clusters))
	for i, c := range clusters {
		c.Points = append([]domain.Point(nil), c.Points...)
		out[i] = c
	}

	maxSize := ZoomFor(latitudeDelta).MaxSize
	if maxSize == 0 {
		return out
	}

	nextID := len(out)
	for i := 0; i < len(out); i++ {
		for out[i].NumPoints > maxSize {
			mid := out[i].NumPoints / 2
			back := append([]domain.Point(nil), out[i].Points[mid:]...)
			out[i].Points = out[i].Points[:mid:mid]
			recompute(&out[i])

			out = append(out, newCluster(nextID, back))
			nextID++
		}
	}
	return out
}

// ClusterCapped runs Cluster followed by CapClusterSize.
func ClusterCapped(vehicles []domain.Vehicle, region domain.Region) []domain.Cluster {
	return CapClusterSize(Cluster(vehicles, region), region.LatitudeDelta)
}

func overlaps(a, b domain.Point, latitudeDelta float64) bool {
	d := geospatial.ScreenDistance(a.Latitude, a.Longitude, b.Latitude, b.Longitude, latitudeDelta)
	return d < MarkerWidth+MarkerBuffer
}

func newCluster(index int, points []domain.Point) domain.Cluster {
	c := domain.Cluster{
		ID:     fmt.Sprintf("cluster-%d", index),
		Points: points,
	}
	recompute(&c)
	return c
}

// recompute sets the centroid and count from the member points.
func recompute(c *domain.Cluster) {
	var sumLat, sumLon float64
	for _, p := range c.Points {
		sumLat += p.Latitude
		sumLon += p.Longitude
	}
	n := float64(len(c.Points))
	c.NumPoints = len(c.Points)
	c.Coordinate = domain.GeoPoint{Latitude: sumLat / n, Longitude: sumLon / n}
}
