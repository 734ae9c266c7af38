// Package geometry provides basic geometric types used throughout the application.
package geometry

import (
	"math"
)

// Point2D represents a 2D point with floating-point coordinates.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance to another point.
func (p Point2D) Distance(other Point2D) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Point3D is a point in a pattern-local or camera frame.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// XY drops the Z coordinate.
func (p Point3D) XY() Point2D {
	return Point2D{X: p.X, Y: p.Y}
}

// Centroid computes the centroid (average position) of a set of points.
func Centroid(points []Point2D) Point2D {
	if len(points) == 0 {
		return Point2D{}
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	n := float64(len(points))
	return Point2D{X: sumX / n, Y: sumY / n}
}

// MeanDistance returns the mean index-aligned distance between two point lists.
// Lists of different length, or empty lists, yield +Inf.
func MeanDistance(a, b []Point2D) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}

	var total float64
	for i := range a {
		total += a[i].Distance(b[i])
	}
	return total / float64(len(a))
}
