package calibration

import (
	"image"

	"camcal/pkg/geometry"

	"gocv.io/x/gocv"
)

// Detector finds checkerboard corners in a single-channel image.
// Corners are returned row-major from a fixed reference corner, matching
// Gridspace. ok is false when the pattern is not fully visible.
type Detector interface {
	FindCorners(gray gocv.Mat, pattern Pattern) (corners []geometry.Point2D, ok bool)
}

// Solution is the raw output of a Solver. Per-view poses are not kept.
type Solution struct {
	CameraMatrix [3][3]float64
	Distortion   []float64
	RMS          float64
}

// Solver fits a pinhole camera with lens distortion to aligned
// object/image point lists, one list pair per view.
type Solver interface {
	Solve(objectPoints [][]geometry.Point3D, imagePoints [][]geometry.Point2D, size image.Point) (Solution, error)
}

// Undistorter removes lens distortion from an image. The returned Mat is
// owned by the caller.
type Undistorter interface {
	Undistort(src gocv.Mat, r *Result) (gocv.Mat, error)
}
