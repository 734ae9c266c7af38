package calibration

import (
	"errors"
	"fmt"
	"image"
)

var (
	// ErrNoImages is returned when calibration is attempted with no input images.
	ErrNoImages = errors.New("calibration: no input images")

	// ErrInvalidPattern is returned for grid dimensions that are not positive.
	ErrInvalidPattern = errors.New("calibration: invalid pattern size")

	// ErrEmptyImage is returned when an input Mat holds no pixels.
	ErrEmptyImage = errors.New("calibration: empty image")

	// ErrEmptyCorpus is returned when no image yielded a full set of corners.
	// The solver is never invoked in that case.
	ErrEmptyCorpus = errors.New("calibration: no usable calibration images")

	// ErrNotCalibrated is returned by Undistort before a successful calibration.
	ErrNotCalibrated = errors.New("calibration: camera is not calibrated")

	// ErrAlreadyCalibrated is returned when Solve is called on a calibrated instance.
	ErrAlreadyCalibrated = errors.New("calibration: camera is already calibrated")

	// ErrSolverFailed wraps solver output that cannot describe a real camera.
	ErrSolverFailed = errors.New("calibration: solver failed")
)

// ImageSizeError reports a calibration image whose resolution differs from
// the first image's.
type ImageSizeError struct {
	Index int
	Got   image.Point
	Want  image.Point
}

func (e *ImageSizeError) Error() string {
	return fmt.Sprintf("calibration: image %d is %dx%d, expected %dx%d like image 0",
		e.Index, e.Got.X, e.Got.Y, e.Want.X, e.Want.Y)
}
