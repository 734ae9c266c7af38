package calibration

import (
	"fmt"
	"image"
	"math"

	"camcal/pkg/geometry"

	"gocv.io/x/gocv"
)

// Default corner refinement parameters.
const (
	DefaultRefineWindow = 11
	refineIterations    = 30
	refineEpsilon       = 0.001
)

// OpenCV cv::CALIB_* values for calibrateCamera. gocv's CalibFlag constants
// follow the fisheye module numbering, so they cannot be used here.
const (
	cvCalibFixAspectRatio    = 1 << 1
	cvCalibFixPrincipalPoint = 1 << 2
	cvCalibZeroTangentDist   = 1 << 3
	cvCalibFixK3             = 1 << 7
)

// DetectorFlags select findChessboardCorners options.
type DetectorFlags struct {
	AdaptiveThreshold bool `json:"adaptive_threshold" yaml:"adaptive_threshold"`
	NormalizeImage    bool `json:"normalize_image" yaml:"normalize_image"`
	FastCheck         bool `json:"fast_check" yaml:"fast_check"`
}

// DefaultDetectorFlags matches OpenCV's own defaults.
func DefaultDetectorFlags() DetectorFlags {
	return DetectorFlags{AdaptiveThreshold: true, NormalizeImage: true}
}

func (f DetectorFlags) cv() gocv.CalibCBFlag {
	var flags gocv.CalibCBFlag
	if f.AdaptiveThreshold {
		flags |= gocv.CalibCBAdaptiveThresh
	}
	if f.NormalizeImage {
		flags |= gocv.CalibCBNormalizeImage
	}
	if f.FastCheck {
		flags |= gocv.CalibCBFastCheck
	}
	return flags
}

// SolverFlags constrain the camera model fitted by calibrateCamera.
type SolverFlags struct {
	FixAspectRatio    bool `json:"fix_aspect_ratio" yaml:"fix_aspect_ratio"`
	FixPrincipalPoint bool `json:"fix_principal_point" yaml:"fix_principal_point"`
	ZeroTangentDist   bool `json:"zero_tangent_dist" yaml:"zero_tangent_dist"`
	FixK3             bool `json:"fix_k3" yaml:"fix_k3"`
}

func (f SolverFlags) cv() gocv.CalibFlag {
	var flags int
	if f.FixAspectRatio {
		flags |= cvCalibFixAspectRatio
	}
	if f.FixPrincipalPoint {
		flags |= cvCalibFixPrincipalPoint
	}
	if f.ZeroTangentDist {
		flags |= cvCalibZeroTangentDist
	}
	if f.FixK3 {
		flags |= cvCalibFixK3
	}
	return gocv.CalibFlag(flags)
}

// OpenCVDetector finds corners with findChessboardCorners and optionally
// refines them with cornerSubPix.
type OpenCVDetector struct {
	Flags        DetectorFlags
	Refine       bool
	RefineWindow int // half-size of the cornerSubPix search window
}

// NewOpenCVDetector returns a detector with OpenCV default flags and
// sub-pixel refinement enabled.
func NewOpenCVDetector() *OpenCVDetector {
	return &OpenCVDetector{
		Flags:        DefaultDetectorFlags(),
		Refine:       true,
		RefineWindow: DefaultRefineWindow,
	}
}

// FindCorners implements Detector.
func (d *OpenCVDetector) FindCorners(gray gocv.Mat, pattern Pattern) ([]geometry.Point2D, bool) {
	// findChessboardCorners asserts on grids smaller than 3x3
	if pattern.Width < 3 || pattern.Height < 3 {
		return nil, false
	}

	corners := gocv.NewMat()
	defer corners.Close()

	if !gocv.FindChessboardCorners(gray, pattern.Size(), &corners, d.Flags.cv()) {
		return nil, false
	}

	if d.Refine {
		win := d.RefineWindow
		if win <= 0 {
			win = DefaultRefineWindow
		}
		criteria := gocv.NewTermCriteria(gocv.MaxIter|gocv.EPS, refineIterations, refineEpsilon)
		gocv.CornerSubPix(gray, &corners, image.Pt(win, win), image.Pt(-1, -1), criteria)
	}

	return pointsFromMat(corners), true
}

// pointsFromMat reads an Nx1 (or 1xN) CV_32FC2 Mat.
func pointsFromMat(m gocv.Mat) []geometry.Point2D {
	rows, cols := m.Rows(), m.Cols()
	n := rows * cols
	points := make([]geometry.Point2D, n)
	for i := 0; i < n; i++ {
		r, c := i, 0
		if rows == 1 {
			r, c = 0, i
		}
		v := m.GetVecfAt(r, c)
		points[i] = geometry.Point2D{X: float64(v[0]), Y: float64(v[1])}
	}
	return points
}

// OpenCVSolver wraps calibrateCamera.
type OpenCVSolver struct {
	Flags SolverFlags
}

// Solve implements Solver.
func (s *OpenCVSolver) Solve(objectPoints [][]geometry.Point3D, imagePoints [][]geometry.Point2D, size image.Point) (Solution, error) {
	if len(objectPoints) != len(imagePoints) {
		return Solution{}, fmt.Errorf("view count mismatch: %d vs %d", len(objectPoints), len(imagePoints))
	}
	if len(objectPoints) == 0 {
		return Solution{}, ErrEmptyCorpus
	}

	objs := make([][]gocv.Point3f, len(objectPoints))
	imgs := make([][]gocv.Point2f, len(imagePoints))
	for v := range objectPoints {
		if len(objectPoints[v]) != len(imagePoints[v]) {
			return Solution{}, fmt.Errorf("view %d: point count mismatch: %d vs %d",
				v, len(objectPoints[v]), len(imagePoints[v]))
		}
		objs[v] = make([]gocv.Point3f, len(objectPoints[v]))
		for i, p := range objectPoints[v] {
			objs[v][i] = gocv.Point3f{X: float32(p.X), Y: float32(p.Y), Z: float32(p.Z)}
		}
		imgs[v] = make([]gocv.Point2f, len(imagePoints[v]))
		for i, p := range imagePoints[v] {
			imgs[v][i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
		}
	}

	objVec := gocv.NewPoints3fVectorFromPoints(objs)
	defer objVec.Close()
	imgVec := gocv.NewPoints2fVectorFromPoints(imgs)
	defer imgVec.Close()

	cameraMatrix := gocv.NewMat()
	defer cameraMatrix.Close()
	distCoeffs := gocv.NewMat()
	defer distCoeffs.Close()
	rvecs := gocv.NewMat()
	defer rvecs.Close()
	tvecs := gocv.NewMat()
	defer tvecs.Close()

	rms := gocv.CalibrateCamera(objVec, imgVec, size, &cameraMatrix, &distCoeffs, &rvecs, &tvecs, s.Flags.cv())

	if cameraMatrix.Rows() != 3 || cameraMatrix.Cols() != 3 {
		return Solution{}, fmt.Errorf("%w: camera matrix is %dx%d", ErrSolverFailed, cameraMatrix.Rows(), cameraMatrix.Cols())
	}

	var sol Solution
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			sol.CameraMatrix[r][c] = cameraMatrix.GetDoubleAt(r, c)
		}
	}
	sol.Distortion = doublesFromMat(distCoeffs)
	sol.RMS = rms
	return sol, nil
}

func doublesFromMat(m gocv.Mat) []float64 {
	rows, cols := m.Rows(), m.Cols()
	n := rows * cols
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		if rows == 1 {
			out[i] = m.GetDoubleAt(0, i)
		} else {
			out[i] = m.GetDoubleAt(i, 0)
		}
	}
	return out
}

// OpenCVUndistorter wraps cv::undistort, reusing the calibrated camera matrix
// as the new camera matrix so the output keeps the input geometry.
type OpenCVUndistorter struct{}

// Undistort implements Undistorter.
func (OpenCVUndistorter) Undistort(src gocv.Mat, r *Result) (gocv.Mat, error) {
	cameraMatrix := r.cameraMat()
	defer cameraMatrix.Close()
	distCoeffs := r.distortionMat()
	defer distCoeffs.Close()

	dst := gocv.NewMat()
	gocv.Undistort(src, &dst, cameraMatrix, distCoeffs, cameraMatrix)
	if dst.Empty() {
		dst.Close()
		return gocv.NewMat(), fmt.Errorf("undistort produced an empty image")
	}
	return dst, nil
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
