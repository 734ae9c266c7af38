package calibration

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Result holds the fitted camera model.
//
// CameraMatrix is the 3x3 intrinsic matrix
//
//	[fx  0 cx]
//	[ 0 fy cy]
//	[ 0  0  1]
//
// and Distortion follows OpenCV ordering (k1, k2, p1, p2[, k3...]).
type Result struct {
	CameraMatrix *mat.Dense
	Distortion   []float64
	ImageSize    image.Point
	RMS          float64 // RMS reprojection error in pixels
	Views        int     // images that contributed correspondences
}

// NewResult validates and wraps a camera matrix and distortion vector.
func NewResult(k [3][3]float64, distortion []float64, size image.Point) (*Result, error) {
	data := make([]float64, 0, 9)
	for r := 0; r < 3; r++ {
		data = append(data, k[r][0], k[r][1], k[r][2])
	}
	if !finite(data...) || !finite(distortion...) {
		return nil, fmt.Errorf("%w: non-finite parameters", ErrSolverFailed)
	}
	if k[0][0] <= 0 || k[1][1] <= 0 {
		return nil, fmt.Errorf("%w: focal length fx=%g fy=%g", ErrSolverFailed, k[0][0], k[1][1])
	}

	dist := make([]float64, len(distortion))
	copy(dist, distortion)

	return &Result{
		CameraMatrix: mat.NewDense(3, 3, data),
		Distortion:   dist,
		ImageSize:    size,
	}, nil
}

// Fx returns the horizontal focal length in pixels.
func (r *Result) Fx() float64 { return r.CameraMatrix.At(0, 0) }

// Fy returns the vertical focal length in pixels.
func (r *Result) Fy() float64 { return r.CameraMatrix.At(1, 1) }

// Cx returns the principal point's x coordinate.
func (r *Result) Cx() float64 { return r.CameraMatrix.At(0, 2) }

// Cy returns the principal point's y coordinate.
func (r *Result) Cy() float64 { return r.CameraMatrix.At(1, 2) }

// Matrix returns the intrinsic matrix as a fixed-size array.
func (r *Result) Matrix() [3][3]float64 {
	var k [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			k[i][j] = r.CameraMatrix.At(i, j)
		}
	}
	return k
}

// Coefficient returns distortion coefficient i, or 0 when the model has fewer.
func (r *Result) Coefficient(i int) float64 {
	if i < 0 || i >= len(r.Distortion) {
		return 0
	}
	return r.Distortion[i]
}

func (r *Result) String() string {
	return fmt.Sprintf("fx=%.3f fy=%.3f cx=%.3f cy=%.3f dist=%v rms=%.4f views=%d",
		r.Fx(), r.Fy(), r.Cx(), r.Cy(), r.Distortion, r.RMS, r.Views)
}

func (r *Result) cameraMat() gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.SetDoubleAt(i, j, r.CameraMatrix.At(i, j))
		}
	}
	return m
}

func (r *Result) distortionMat() gocv.Mat {
	if len(r.Distortion) == 0 {
		return gocv.NewMat()
	}
	m := gocv.NewMatWithSize(1, len(r.Distortion), gocv.MatTypeCV64F)
	for i, v := range r.Distortion {
		m.SetDoubleAt(0, i, v)
	}
	return m
}
