// Package calibtest renders synthetic checkerboard views through a known
// camera, for end-to-end calibration tests.
package calibtest

import (
	"errors"
	"fmt"
	"image"
	"math"

	"camcal/pkg/geometry"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Camera is a pinhole camera with two radial distortion terms.
type Camera struct {
	Fx, Fy, Cx, Cy float64
	K1, K2         float64
	Width, Height  int
}

// GroundTruth is the camera the calibration tests try to recover.
var GroundTruth = Camera{
	Fx: 620, Fy: 615, Cx: 318.5, Cy: 243,
	K1: -0.28, K2: 0.09,
	Width: 640, Height: 480,
}

// Pose places the board centre at a camera-frame position with a rotation
// given in degrees about x, then y, then z. One unit is one square.
type Pose struct {
	RX, RY, RZ float64
	Center     [3]float64
}

// CalibrationPoses keep a 9x6 board fully inside the GroundTruth frame and
// push corners toward the image edges, where k2 becomes observable.
var CalibrationPoses = []Pose{
	{RX: 0, RY: 0, RZ: 0, Center: [3]float64{0, 0, 16}},
	{RX: 25, RY: 0, RZ: 5, Center: [3]float64{-1.5, 0.5, 17}},
	{RX: -20, RY: 25, RZ: -5, Center: [3]float64{1.5, -0.5, 17}},
	{RX: 10, RY: -30, RZ: 10, Center: [3]float64{1, 1, 18}},
	{RX: -25, RY: -15, RZ: -10, Center: [3]float64{-1, -1, 16}},
	{RX: 10, RY: 15, RZ: 0, Center: [3]float64{2.5, 1.2, 17}},
	{RX: -10, RY: -15, RZ: 5, Center: [3]float64{-2.5, -1.2, 17}},
}

// HeldOutPose is close to the camera and never used for calibration.
var HeldOutPose = Pose{RX: 15, RY: 20, RZ: 3, Center: [3]float64{0.5, 0.3, 13.5}}

const (
	black       = 25.0
	white       = 230.0
	supersample = 3
)

func rotationXYZ(rx, ry, rz float64) *mat.Dense {
	ax, ay, az := rx*math.Pi/180, ry*math.Pi/180, rz*math.Pi/180
	x := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, math.Cos(ax), -math.Sin(ax),
		0, math.Sin(ax), math.Cos(ax),
	})
	y := mat.NewDense(3, 3, []float64{
		math.Cos(ay), 0, math.Sin(ay),
		0, 1, 0,
		-math.Sin(ay), 0, math.Cos(ay),
	})
	z := mat.NewDense(3, 3, []float64{
		math.Cos(az), -math.Sin(az), 0,
		math.Sin(az), math.Cos(az), 0,
		0, 0, 1,
	})
	var zy, r mat.Dense
	zy.Mul(z, y)
	r.Mul(&zy, x)
	return &r
}

// Homography maps board coordinates (X, Y, 1) of a width x height corner
// grid to homogeneous ideal normalized camera coordinates.
func (p Pose) Homography(width, height int) *mat.Dense {
	r := rotationXYZ(p.RX, p.RY, p.RZ)
	mid := mat.NewVecDense(3, []float64{float64(width-1) / 2, float64(height-1) / 2, 0})
	var rm mat.VecDense
	rm.MulVec(r, mid)

	h := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		h.Set(i, 0, r.At(i, 0))
		h.Set(i, 1, r.At(i, 1))
		h.Set(i, 2, p.Center[i]-rm.AtVec(i))
	}
	return h
}

// Distort applies the radial model to ideal normalized coordinates.
func (c Camera) Distort(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	f := 1 + c.K1*r2 + c.K2*r2*r2
	return x * f, y * f
}

// Undistort inverts Distort by fixed-point iteration.
func (c Camera) Undistort(xd, yd float64) (float64, float64) {
	x, y := xd, yd
	for i := 0; i < 20; i++ {
		r2 := x*x + y*y
		f := 1 + c.K1*r2 + c.K2*r2*r2
		x, y = xd/f, yd/f
	}
	return x, y
}

// Normalized maps a board point to ideal normalized camera coordinates.
func Normalized(h *mat.Dense, X, Y float64) (float64, float64) {
	w := h.At(2, 0)*X + h.At(2, 1)*Y + h.At(2, 2)
	x := (h.At(0, 0)*X + h.At(0, 1)*Y + h.At(0, 2)) / w
	y := (h.At(1, 0)*X + h.At(1, 1)*Y + h.At(1, 2)) / w
	return x, y
}

// Project maps a board point to pixels, with or without lens distortion.
func (c Camera) Project(h *mat.Dense, X, Y float64, distorted bool) geometry.Point2D {
	x, y := Normalized(h, X, Y)
	if distorted {
		x, y = c.Distort(x, y)
	}
	return geometry.Point2D{X: c.Fx*x + c.Cx, Y: c.Fy*y + c.Cy}
}

// ProjectGrid projects every corner of a width x height grid, row-major.
func (c Camera) ProjectGrid(h *mat.Dense, width, height int, distorted bool) []geometry.Point2D {
	out := make([]geometry.Point2D, 0, width*height)
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			out = append(out, c.Project(h, float64(col), float64(row), distorted))
		}
	}
	return out
}

// Render draws a board with width x height inner corners as seen through
// the distorted camera. Pixels inside occlude are painted white. The board
// has one more square than corners along each axis and sits on white.
func (c Camera) Render(p Pose, width, height int, occlude image.Rectangle) (*image.Gray, error) {
	var hinv mat.Dense
	if err := hinv.Inverse(p.Homography(width, height)); err != nil {
		return nil, fmt.Errorf("pose not invertible: %w", err)
	}
	var hi [9]float64
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			hi[3*r+col] = hinv.At(r, col)
		}
	}

	boardW, boardH := float64(width), float64(height)
	intensity := func(x, y float64) float64 {
		w := hi[6]*x + hi[7]*y + hi[8]
		X := (hi[0]*x + hi[1]*y + hi[2]) / w
		Y := (hi[3]*x + hi[4]*y + hi[5]) / w
		if X < -1 || X >= boardW || Y < -1 || Y >= boardH {
			return white
		}
		if (int(math.Floor(X))+int(math.Floor(Y))+2)%2 == 0 {
			return black
		}
		return white
	}

	img := image.NewGray(image.Rect(0, 0, c.Width, c.Height))
	const n = supersample
	for v := 0; v < c.Height; v++ {
		for u := 0; u < c.Width; u++ {
			if image.Pt(u, v).In(occlude) {
				img.Pix[v*img.Stride+u] = byte(white)
				continue
			}
			var sum float64
			for sy := 0; sy < n; sy++ {
				for sx := 0; sx < n; sx++ {
					pu := float64(u) - 0.5 + (float64(sx)+0.5)/n
					pv := float64(v) - 0.5 + (float64(sy)+0.5)/n
					x, y := c.Undistort((pu-c.Cx)/c.Fx, (pv-c.Cy)/c.Fy)
					sum += intensity(x, y)
				}
			}
			img.Pix[v*img.Stride+u] = byte(sum/(n*n) + 0.5)
		}
	}
	return img, nil
}

// ToBGR copies a gray image into a 3-channel BGR Mat. The caller must Close it.
func ToBGR(g *image.Gray) (gocv.Mat, error) {
	b := g.Bounds()
	if b.Empty() || g.Stride != b.Dx() {
		return gocv.NewMat(), errors.New("calibtest: gray image must be non-empty and tightly packed")
	}
	gray, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, g.Pix)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer gray.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(gray, &bgr, gocv.ColorGrayToBGR)
	return bgr, nil
}

// FitHomography fits dst ~ H*src with the normalized DLT.
func FitHomography(src, dst []geometry.Point2D) (*mat.Dense, error) {
	if len(src) != len(dst) || len(src) < 4 {
		return nil, fmt.Errorf("calibtest: need at least 4 aligned points, got %d and %d", len(src), len(dst))
	}

	normalize := func(pts []geometry.Point2D) ([]geometry.Point2D, *mat.Dense, *mat.Dense) {
		c := geometry.Centroid(pts)
		var mean float64
		for _, p := range pts {
			mean += p.Distance(c)
		}
		mean /= float64(len(pts))
		s := math.Sqrt2 / mean

		out := make([]geometry.Point2D, len(pts))
		for i, p := range pts {
			out[i] = geometry.Point2D{X: s * (p.X - c.X), Y: s * (p.Y - c.Y)}
		}
		fwd := mat.NewDense(3, 3, []float64{s, 0, -s * c.X, 0, s, -s * c.Y, 0, 0, 1})
		inv := mat.NewDense(3, 3, []float64{1 / s, 0, c.X, 0, 1 / s, c.Y, 0, 0, 1})
		return out, fwd, inv
	}

	ns, srcT, _ := normalize(src)
	nd, _, dstInv := normalize(dst)

	a := mat.NewDense(2*len(ns), 9, nil)
	for i := range ns {
		X, Y := ns[i].X, ns[i].Y
		x, y := nd[i].X, nd[i].Y
		a.SetRow(2*i, []float64{-X, -Y, -1, 0, 0, 0, x * X, x * Y, x})
		a.SetRow(2*i+1, []float64{0, 0, 0, -X, -Y, -1, y * X, y * Y, y})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, errors.New("calibtest: SVD failed")
	}
	var v mat.Dense
	svd.VTo(&v)

	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, v.At(i, 8))
	}

	var tmp, h mat.Dense
	tmp.Mul(dstInv, hn)
	h.Mul(&tmp, srcT)
	return &h, nil
}

// HomographyResidual is the mean distance between the corners of a
// width x height grid and their best planar projective fit. A
// distortion-free pinhole image of a planar grid has zero residual.
func HomographyResidual(corners []geometry.Point2D, width, height int) (float64, error) {
	src := make([]geometry.Point2D, 0, width*height)
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			src = append(src, geometry.Point2D{X: float64(col), Y: float64(row)})
		}
	}

	h, err := FitHomography(src, corners)
	if err != nil {
		return 0, err
	}
	fitted := make([]geometry.Point2D, len(src))
	for i, p := range src {
		w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
		fitted[i] = geometry.Point2D{
			X: (h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)) / w,
			Y: (h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)) / w,
		}
	}
	return geometry.MeanDistance(fitted, corners), nil
}
