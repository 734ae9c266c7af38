// Package calibration estimates pinhole camera intrinsics and lens distortion
// from checkerboard images and removes that distortion from later images.
//
// Corner detection, the nonlinear fit and the remap are delegated to OpenCV
// through the Detector, Solver and Undistorter interfaces; this package owns
// the correspondence bookkeeping around them.
package calibration

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Calibrator turns a set of checkerboard images into a reusable undistortion.
// The zero value is an uncalibrated Calibrator whose Undistort returns
// ErrNotCalibrated.
type Calibrator struct {
	pattern     Pattern
	layout      ColorLayout
	workers     int
	detector    Detector
	solver      Solver
	undistorter Undistorter

	corpus *Corpus
	result *Result
}

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithDetector replaces the OpenCV corner detector.
func WithDetector(d Detector) Option {
	return func(c *Calibrator) { c.detector = d }
}

// WithSolver replaces the OpenCV calibration solver.
func WithSolver(s Solver) Option {
	return func(c *Calibrator) { c.solver = s }
}

// WithUndistorter replaces the OpenCV undistortion routine.
func WithUndistorter(u Undistorter) Option {
	return func(c *Calibrator) { c.undistorter = u }
}

// WithColorLayout sets the channel order of multi-channel inputs.
func WithColorLayout(l ColorLayout) Option {
	return func(c *Calibrator) { c.layout = l }
}

// WithWorkers runs corner detection on up to n goroutines.
func WithWorkers(n int) Option {
	return func(c *Calibrator) { c.workers = n }
}

// NewCalibrator returns an uncalibrated Calibrator for the given pattern.
func NewCalibrator(pattern Pattern, opts ...Option) (*Calibrator, error) {
	if err := pattern.Validate(); err != nil {
		return nil, err
	}
	c := &Calibrator{pattern: pattern}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// New detects the pattern in every image, fits the camera model once over
// all usable images and returns a calibrated Calibrator.
func New(images []gocv.Mat, pattern Pattern, opts ...Option) (*Calibrator, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	c, err := NewCalibrator(pattern, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := c.Calibrate(images); err != nil {
		return nil, err
	}
	return c, nil
}

// FromResult returns a calibrated Calibrator for a previously computed
// result, e.g. one loaded from a profile.
func FromResult(r *Result, opts ...Option) (*Calibrator, error) {
	if r == nil || r.CameraMatrix == nil {
		return nil, fmt.Errorf("%w: nil result", ErrNotCalibrated)
	}
	if rows, cols := r.CameraMatrix.Dims(); rows != 3 || cols != 3 {
		return nil, fmt.Errorf("camera matrix is %dx%d, want 3x3", rows, cols)
	}
	if _, err := NewResult(r.Matrix(), r.Distortion, r.ImageSize); err != nil {
		return nil, err
	}

	c := &Calibrator{result: r}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Calibrate collects correspondences from images and solves for the camera.
func (c *Calibrator) Calibrate(images []gocv.Mat) (*Result, error) {
	if c.result != nil {
		return nil, ErrAlreadyCalibrated
	}
	corpus, err := c.Collect(images)
	if err != nil {
		return nil, err
	}
	return c.Solve(corpus)
}

// Solve fits the camera model to corpus. An empty corpus is rejected before
// the solver is called. On success the result is cached for the lifetime of c.
func (c *Calibrator) Solve(corpus *Corpus) (*Result, error) {
	if c.result != nil {
		return nil, ErrAlreadyCalibrated
	}
	if corpus.Len() == 0 {
		return nil, ErrEmptyCorpus
	}
	if len(corpus.ObjectPoints) != len(corpus.ImagePoints) {
		return nil, fmt.Errorf("corpus misaligned: %d object sets, %d image sets",
			len(corpus.ObjectPoints), len(corpus.ImagePoints))
	}

	sol, err := c.solverOrDefault().Solve(corpus.ObjectPoints, corpus.ImagePoints, corpus.ImageSize)
	if err != nil {
		return nil, fmt.Errorf("solve over %d views: %w", corpus.Len(), err)
	}

	res, err := NewResult(sol.CameraMatrix, sol.Distortion, corpus.ImageSize)
	if err != nil {
		return nil, err
	}
	if !finite(sol.RMS) {
		return nil, fmt.Errorf("%w: reprojection error %v", ErrSolverFailed, sol.RMS)
	}
	res.RMS = sol.RMS
	res.Views = corpus.Len()

	Logf("Calibration: solved from %d of %d images, RMS %.4f px",
		corpus.Len(), corpus.Len()+len(corpus.Skipped), res.RMS)

	c.corpus = corpus
	c.result = res
	return res, nil
}

// Undistort returns a copy of img with lens distortion removed. The camera
// matrix is reused as the target matrix, so the output has the input's size
// and no cropping. The caller owns the returned Mat.
func (c *Calibrator) Undistort(img gocv.Mat) (gocv.Mat, error) {
	if c == nil || c.result == nil {
		return gocv.NewMat(), ErrNotCalibrated
	}
	if img.Empty() {
		return gocv.NewMat(), ErrEmptyImage
	}
	return c.undistorterOrDefault().Undistort(img, c.result)
}

// Calibrated reports whether a camera model is available.
func (c *Calibrator) Calibrated() bool {
	return c != nil && c.result != nil
}

// Result returns the camera model, or nil before calibration.
func (c *Calibrator) Result() *Result {
	if c == nil {
		return nil
	}
	return c.result
}

// Corpus returns the correspondences used for calibration. It is nil for
// calibrators built with FromResult.
func (c *Calibrator) Corpus() *Corpus {
	if c == nil {
		return nil
	}
	return c.corpus
}

// Pattern returns the checkerboard grid.
func (c *Calibrator) Pattern() Pattern {
	return c.pattern
}

func (c *Calibrator) detectorOrDefault() Detector {
	if c.detector == nil {
		return NewOpenCVDetector()
	}
	return c.detector
}

func (c *Calibrator) solverOrDefault() Solver {
	if c.solver == nil {
		return &OpenCVSolver{}
	}
	return c.solver
}

func (c *Calibrator) undistorterOrDefault() Undistorter {
	if c.undistorter == nil {
		return OpenCVUndistorter{}
	}
	return c.undistorter
}
