package calibration

import (
	"fmt"
	"image"
	"strconv"
	"strings"

	"camcal/pkg/geometry"
)

// Pattern is a checkerboard described by its interior-corner grid.
type Pattern struct {
	Width  int `json:"width" yaml:"width"`   // Corners per row
	Height int `json:"height" yaml:"height"` // Corners per column
}

// Validate checks that both dimensions are positive.
func (p Pattern) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidPattern, p.Width, p.Height)
	}
	return nil
}

// Count returns the number of interior corners.
func (p Pattern) Count() int {
	return p.Width * p.Height
}

// Size returns the grid as an image.Point, the form OpenCV expects.
func (p Pattern) Size() image.Point {
	return image.Pt(p.Width, p.Height)
}

func (p Pattern) String() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// ObjectPoints returns the pattern's canonical 3D corner grid.
func (p Pattern) ObjectPoints() []geometry.Point3D {
	return Gridspace(p.Width, p.Height)
}

// ParsePattern parses "WxH" (e.g. "9x6").
func ParsePattern(s string) (Pattern, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Pattern{}, fmt.Errorf("%w: %q is not WIDTHxHEIGHT", ErrInvalidPattern, s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: width %q", ErrInvalidPattern, w)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: height %q", ErrInvalidPattern, h)
	}
	p := Pattern{Width: width, Height: height}
	if err := p.Validate(); err != nil {
		return Pattern{}, err
	}
	return p, nil
}

// Gridspace generates the object points of a width x height corner grid on the
// z=0 plane, one unit per square. Point i = row*width + col is (col, row, 0),
// the same row-major order OpenCV uses for detected corners.
func Gridspace(width, height int) []geometry.Point3D {
	if width <= 0 || height <= 0 {
		return nil
	}
	points := make([]geometry.Point3D, 0, width*height)
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			points = append(points, geometry.Point3D{X: float64(col), Y: float64(row)})
		}
	}
	return points
}
