package calibration

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"runtime"

	"camcal/pkg/geometry"

	"gocv.io/x/gocv"
)

// ColorLayout names the channel order of multi-channel input images.
type ColorLayout int

const (
	// LayoutBGR is OpenCV's native order (gocv.IMRead, image.ToMat).
	LayoutBGR ColorLayout = iota
	// LayoutRGB is the order used by most non-OpenCV decoders.
	LayoutRGB
)

func (l ColorLayout) String() string {
	switch l {
	case LayoutBGR:
		return "bgr"
	case LayoutRGB:
		return "rgb"
	default:
		return "unknown"
	}
}

// ParseColorLayout parses "bgr" or "rgb".
func ParseColorLayout(s string) (ColorLayout, error) {
	switch s {
	case "", "bgr", "BGR":
		return LayoutBGR, nil
	case "rgb", "RGB":
		return LayoutRGB, nil
	}
	return LayoutBGR, fmt.Errorf("unknown color layout %q", s)
}

// reasonNotVisible is the skip reason for a failed detection.
const reasonNotVisible = "checkerboard corners not fully visible"

// Detection is the outcome of corner extraction on one image.
type Detection struct {
	Index   int                // position of the image in the input sequence
	Size    image.Point        // image width and height in pixels
	Found   bool               // true only when every corner was detected
	Corners []geometry.Point2D // row-major, aligned with Pattern.ObjectPoints
	Reason  string             // why Found is false
}

// Coverage returns the fraction of the frame covered by the convex outline of
// the detected corners.
func (d Detection) Coverage() float64 {
	if !d.Found || d.Size.X == 0 || d.Size.Y == 0 {
		return 0
	}
	hull := geometry.ConvexHull(d.Corners)
	return geometry.PolygonArea(hull) / float64(d.Size.X*d.Size.Y)
}

// grayscale converts img to a single-channel Mat. The caller must Close it.
func grayscale(img gocv.Mat, layout ColorLayout) (gocv.Mat, error) {
	gray := gocv.NewMat()
	switch img.Channels() {
	case 1:
		img.CopyTo(&gray)
	case 3:
		code := gocv.ColorBGRToGray
		if layout == LayoutRGB {
			code = gocv.ColorRGBToGray
		}
		gocv.CvtColor(img, &gray, code)
	case 4:
		code := gocv.ColorBGRAToGray
		if layout == LayoutRGB {
			code = gocv.ColorRGBAToGray
		}
		gocv.CvtColor(img, &gray, code)
	default:
		gray.Close()
		return gocv.NewMat(), fmt.Errorf("unsupported channel count %d", img.Channels())
	}
	return gray, nil
}

// DetectCorners extracts the corner correspondences of a single image.
// A missing or partial pattern is not an error: the Detection comes back
// with Found false and a Reason.
func (c *Calibrator) DetectCorners(index int, img gocv.Mat) (Detection, error) {
	if err := c.pattern.Validate(); err != nil {
		return Detection{}, err
	}
	if img.Empty() {
		return Detection{}, fmt.Errorf("image %d: %w", index, ErrEmptyImage)
	}

	gray, err := grayscale(img, c.layout)
	if err != nil {
		return Detection{}, fmt.Errorf("image %d: %w", index, err)
	}
	defer gray.Close()

	d := Detection{
		Index: index,
		Size:  image.Pt(gray.Cols(), gray.Rows()),
	}

	corners, ok := c.detectorOrDefault().FindCorners(gray, c.pattern)
	switch {
	case !ok:
		d.Reason = reasonNotVisible
	case len(corners) != c.pattern.Count():
		d.Reason = fmt.Sprintf("detector returned %d of %d corners", len(corners), c.pattern.Count())
	default:
		d.Found = true
		d.Corners = corners
	}
	return d, nil
}

// Annotate returns a BGR copy of img with the detection drawn on it.
// The caller must Close the result.
func (c *Calibrator) Annotate(img gocv.Mat, d Detection) gocv.Mat {
	out := gocv.NewMat()
	switch img.Channels() {
	case 1:
		gocv.CvtColor(img, &out, gocv.ColorGrayToBGR)
	case 4:
		code := gocv.ColorBGRAToBGR
		if c.layout == LayoutRGB {
			code = gocv.ColorRGBAToBGR
		}
		gocv.CvtColor(img, &out, code)
	default:
		if c.layout == LayoutRGB {
			gocv.CvtColor(img, &out, gocv.ColorBGRToRGB)
		} else {
			img.CopyTo(&out)
		}
	}

	if len(d.Corners) == 0 {
		return out
	}

	buf := make([]byte, 8*len(d.Corners))
	for i, p := range d.Corners {
		binary.LittleEndian.PutUint32(buf[8*i:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(buf[8*i+4:], math.Float32bits(float32(p.Y)))
	}
	corners, err := gocv.NewMatFromBytes(len(d.Corners), 1, gocv.MatTypeCV32FC2, buf)
	if err != nil {
		return out
	}
	defer corners.Close()

	gocv.DrawChessboardCorners(&out, c.pattern.Size(), corners, d.Found)
	runtime.KeepAlive(buf)
	return out
}
