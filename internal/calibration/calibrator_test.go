package calibration

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"camcal/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gocv.io/x/gocv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testPattern = Pattern{Width: 9, Height: 6}

// markerDetector "finds" the pattern when pixel (0,0) is bright and encodes
// the value of pixel (0,1) into every returned corner's X coordinate.
type markerDetector struct {
	calls atomic.Int32
	short bool // return one corner too few
}

func (d *markerDetector) FindCorners(gray gocv.Mat, pattern Pattern) ([]geometry.Point2D, bool) {
	d.calls.Add(1)
	if gray.GetUCharAt(0, 0) < 128 {
		return nil, false
	}
	n := pattern.Count()
	if d.short {
		n--
	}
	id := float64(gray.GetUCharAt(0, 1))
	corners := make([]geometry.Point2D, n)
	for i := range corners {
		corners[i] = geometry.Point2D{X: id, Y: float64(i)}
	}
	return corners, true
}

// graySampler records the gray value of pixel (0,0) and never finds a pattern.
type graySampler struct {
	value uint8
}

func (p *graySampler) FindCorners(gray gocv.Mat, _ Pattern) ([]geometry.Point2D, bool) {
	p.value = gray.GetUCharAt(0, 0)
	return nil, false
}

type fakeSolver struct {
	calls    int
	views    int
	size     image.Point
	solution Solution
	err      error
}

func (s *fakeSolver) Solve(obj [][]geometry.Point3D, img [][]geometry.Point2D, size image.Point) (Solution, error) {
	s.calls++
	s.views = len(img)
	s.size = size
	if s.err != nil {
		return Solution{}, s.err
	}
	return s.solution, nil
}

func goodSolver() *fakeSolver {
	return &fakeSolver{solution: Solution{
		CameraMatrix: [3][3]float64{{500, 0, 32}, {0, 510, 24}, {0, 0, 1}},
		Distortion:   []float64{-0.1, 0.01, 0, 0, 0},
		RMS:          0.25,
	}}
}

type logCapture struct {
	mu       sync.Mutex
	infos    []string
	warnings []string
}

func (l *logCapture) into(dst *[]string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		l.mu.Lock()
		defer l.mu.Unlock()
		*dst = append(*dst, fmt.Sprintf(format, v...))
	}
}

func containing(lines []string, substr string) []string {
	var out []string
	for _, line := range lines {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return out
}

// warned returns the warnings containing substr.
func (l *logCapture) warned(substr string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return containing(l.warnings, substr)
}

// logged returns the progress messages containing substr.
func (l *logCapture) logged(substr string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return containing(l.infos, substr)
}

func captureLogs(t *testing.T) *logCapture {
	t.Helper()
	capture := &logCapture{}
	logf, warnf := Logf, Warnf
	SetLogger(capture.into(&capture.infos))
	SetWarnLogger(capture.into(&capture.warnings))
	t.Cleanup(func() { Logf, Warnf = logf, warnf })
	return capture
}

func setPixel(m gocv.Mat, row, col int, v uint8) {
	for ch := 0; ch < m.Channels(); ch++ {
		m.SetUCharAt(row, col*m.Channels()+ch, v)
	}
}

// markedImage returns a black BGR image; when found is true the marker
// detector will detect it and report id.
func markedImage(rows, cols int, found bool, id uint8) gocv.Mat {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC3)
	if found {
		setPixel(m, 0, 0, 255)
	}
	setPixel(m, 0, 1, id)
	return m
}

func closeAll(mats []gocv.Mat) {
	for i := range mats {
		mats[i].Close()
	}
}

func markedImages(found ...bool) []gocv.Mat {
	mats := make([]gocv.Mat, len(found))
	for i, f := range found {
		mats[i] = markedImage(24, 32, f, uint8(i))
	}
	return mats
}

func TestNewRejectsNoImages(t *testing.T) {
	solver := goodSolver()
	_, err := New(nil, testPattern, WithDetector(&markerDetector{}), WithSolver(solver))
	assert.ErrorIs(t, err, ErrNoImages)
	assert.Zero(t, solver.calls)
}

func TestNewRejectsInvalidPattern(t *testing.T) {
	images := markedImages(true)
	defer closeAll(images)

	_, err := New(images, Pattern{Width: 0, Height: 6}, WithDetector(&markerDetector{}), WithSolver(goodSolver()))
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestNewEmptyCorpusNeverCallsSolver(t *testing.T) {
	logs := captureLogs(t)
	images := markedImages(false, false, false)
	defer closeAll(images)

	detector := &markerDetector{}
	solver := goodSolver()
	c, err := New(images, testPattern, WithDetector(detector), WithSolver(solver))

	require.ErrorIs(t, err, ErrEmptyCorpus)
	assert.Nil(t, c)
	assert.Equal(t, int32(3), detector.calls.Load())
	assert.Zero(t, solver.calls)
	assert.Len(t, logs.warned("skipped"), 3)
}

func TestSkipsGoToWarnLogger(t *testing.T) {
	logs := captureLogs(t)
	images := markedImages(true, false)
	defer closeAll(images)

	_, err := New(images, testPattern, WithDetector(&markerDetector{}), WithSolver(goodSolver()))
	require.NoError(t, err)

	skips := logs.warned("skipped")
	require.Len(t, skips, 1)
	assert.Contains(t, skips[0], "image 1 ")
	assert.Empty(t, logs.logged("skipped"))

	progress := logs.logged("of frame")
	require.Len(t, progress, 1)
	assert.Contains(t, progress[0], "image 0: 54 corners")
	assert.Empty(t, logs.warned("of frame"))
	assert.Len(t, logs.logged("solved from 1 of 2 images"), 1)
}

func TestSolveRejectsEmptyCorpus(t *testing.T) {
	solver := goodSolver()
	c, err := NewCalibrator(testPattern, WithSolver(solver))
	require.NoError(t, err)

	_, err = c.Solve(nil)
	assert.ErrorIs(t, err, ErrEmptyCorpus)
	_, err = c.Solve(&Corpus{})
	assert.ErrorIs(t, err, ErrEmptyCorpus)
	assert.Zero(t, solver.calls)
	assert.False(t, c.Calibrated())
}

func TestNewSkipsUndetectedImages(t *testing.T) {
	logs := captureLogs(t)
	images := markedImages(true, false, true, true, false, true)
	defer closeAll(images)

	solver := goodSolver()
	c, err := New(images, testPattern, WithDetector(&markerDetector{}), WithSolver(solver))
	require.NoError(t, err)
	require.True(t, c.Calibrated())

	corpus := c.Corpus()
	require.Equal(t, 4, corpus.Len())
	assert.Len(t, corpus.ObjectPoints, 4)
	assert.Len(t, corpus.ImagePoints, 4)
	assert.Equal(t, []int{0, 2, 3, 5}, corpus.Indices)
	assert.Equal(t, []Skip{
		{Index: 1, Reason: reasonNotVisible},
		{Index: 4, Reason: reasonNotVisible},
	}, corpus.Skipped)

	for i, idx := range corpus.Indices {
		assert.Equal(t, float64(idx), corpus.ImagePoints[i][0].X, "entry %d out of order", i)
		assert.Equal(t, Gridspace(9, 6), corpus.ObjectPoints[i])
	}

	skips := logs.warned("skipped")
	require.Len(t, skips, 2)
	assert.Contains(t, skips[0], "image 1 ")
	assert.Contains(t, skips[1], "image 4 ")

	assert.Equal(t, 1, solver.calls)
	assert.Equal(t, 4, solver.views)
	assert.Equal(t, image.Pt(32, 24), solver.size)

	res := c.Result()
	assert.Equal(t, 4, res.Views)
	assert.InDelta(t, 0.25, res.RMS, 1e-12)
	assert.Equal(t, 500.0, res.Fx())
	assert.Equal(t, 510.0, res.Fy())
	assert.Equal(t, 32.0, res.Cx())
	assert.Equal(t, 24.0, res.Cy())
	assert.Equal(t, image.Pt(32, 24), res.ImageSize)
}

func TestCollectParallelPreservesOrder(t *testing.T) {
	captureLogs(t)
	found := make([]bool, 40)
	for i := range found {
		found[i] = i%3 != 1
	}
	images := markedImages(found...)
	defer closeAll(images)

	c, err := NewCalibrator(testPattern, WithDetector(&markerDetector{}), WithWorkers(6))
	require.NoError(t, err)

	corpus, err := c.Collect(images)
	require.NoError(t, err)

	var want []int
	for i, f := range found {
		if f {
			want = append(want, i)
		}
	}
	assert.Equal(t, want, corpus.Indices)
	for i, idx := range corpus.Indices {
		assert.Equal(t, float64(idx), corpus.ImagePoints[i][0].X)
	}
	assert.Len(t, corpus.Skipped, len(found)-len(want))
	for i := 1; i < len(corpus.Skipped); i++ {
		assert.Less(t, corpus.Skipped[i-1].Index, corpus.Skipped[i].Index)
	}
}

func TestCollectRejectsMixedSizes(t *testing.T) {
	images := []gocv.Mat{
		markedImage(24, 32, true, 0),
		markedImage(24, 32, true, 1),
		markedImage(30, 40, true, 2),
	}
	defer closeAll(images)

	solver := goodSolver()
	_, err := New(images, testPattern, WithDetector(&markerDetector{}), WithSolver(solver))

	var sizeErr *ImageSizeError
	require.True(t, errors.As(err, &sizeErr), "got %v", err)
	assert.Equal(t, 2, sizeErr.Index)
	assert.Equal(t, image.Pt(40, 30), sizeErr.Got)
	assert.Equal(t, image.Pt(32, 24), sizeErr.Want)
	assert.Zero(t, solver.calls)
}

func TestDetectCornersShortDetection(t *testing.T) {
	img := markedImage(24, 32, true, 7)
	defer img.Close()

	c, err := NewCalibrator(testPattern, WithDetector(&markerDetector{short: true}))
	require.NoError(t, err)

	d, err := c.DetectCorners(3, img)
	require.NoError(t, err)
	assert.False(t, d.Found)
	assert.Nil(t, d.Corners)
	assert.Equal(t, 3, d.Index)
	assert.Contains(t, d.Reason, "53 of 54")
}

func TestDetectCornersEmptyImage(t *testing.T) {
	c, err := NewCalibrator(testPattern, WithDetector(&markerDetector{}))
	require.NoError(t, err)

	empty := gocv.NewMat()
	defer empty.Close()
	_, err = c.DetectCorners(0, empty)
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestDetectCornersRecordsOwnSize(t *testing.T) {
	small := markedImage(10, 20, true, 0)
	defer small.Close()
	large := markedImage(30, 50, false, 0)
	defer large.Close()

	c, err := NewCalibrator(testPattern, WithDetector(&markerDetector{}))
	require.NoError(t, err)

	d1, err := c.DetectCorners(0, small)
	require.NoError(t, err)
	d2, err := c.DetectCorners(1, large)
	require.NoError(t, err)

	assert.Equal(t, image.Pt(20, 10), d1.Size)
	assert.Equal(t, image.Pt(50, 30), d2.Size)
	assert.True(t, d1.Found)
	assert.False(t, d2.Found)
	assert.Equal(t, reasonNotVisible, d2.Reason)
}

func TestDetectionCoverage(t *testing.T) {
	d := Detection{
		Found:   true,
		Size:    image.Pt(100, 50),
		Corners: []geometry.Point2D{{X: 10, Y: 10}, {X: 35, Y: 10}, {X: 60, Y: 10}, {X: 10, Y: 35}, {X: 60, Y: 35}},
	}
	assert.InDelta(t, 0.25, d.Coverage(), 1e-12)

	d.Corners = []geometry.Point2D{{X: 10, Y: 10}, {X: 60, Y: 10}, {X: 10, Y: 35}}
	assert.InDelta(t, 0.125, d.Coverage(), 1e-12)
	assert.Zero(t, Detection{}.Coverage())
}

func TestGrayscaleHonoursColorLayout(t *testing.T) {
	// Pure red when read as BGR.
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 255, 0), 4, 4, gocv.MatTypeCV8UC3)
	defer img.Close()

	bgr := &graySampler{}
	c, err := NewCalibrator(testPattern, WithDetector(bgr))
	require.NoError(t, err)
	_, err = c.DetectCorners(0, img)
	require.NoError(t, err)

	rgb := &graySampler{}
	c, err = NewCalibrator(testPattern, WithDetector(rgb), WithColorLayout(LayoutRGB))
	require.NoError(t, err)
	_, err = c.DetectCorners(0, img)
	require.NoError(t, err)

	// 0.299*255 for red, 0.114*255 for blue
	assert.InDelta(t, 76, int(bgr.value), 1)
	assert.InDelta(t, 29, int(rgb.value), 1)
}

func TestAnnotateConvertsRGBToBGR(t *testing.T) {
	// Blue when read as RGB, red when read as BGR.
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 255, 0), 4, 4, gocv.MatTypeCV8UC3)
	defer img.Close()

	c, err := NewCalibrator(testPattern, WithColorLayout(LayoutRGB))
	require.NoError(t, err)
	out := c.Annotate(img, Detection{})
	defer out.Close()
	require.Equal(t, 3, out.Channels())
	assert.Equal(t, uint8(255), out.GetUCharAt(0, 0))
	assert.Equal(t, uint8(0), out.GetUCharAt(0, 2))

	c, err = NewCalibrator(testPattern)
	require.NoError(t, err)
	same := c.Annotate(img, Detection{})
	defer same.Close()
	assert.Equal(t, img.ToBytes(), same.ToBytes())
}

func TestGrayscaleSingleChannel(t *testing.T) {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(200, 0, 0, 0), 4, 4, gocv.MatTypeCV8UC1)
	defer img.Close()

	sampler := &graySampler{}
	c, err := NewCalibrator(testPattern, WithDetector(sampler))
	require.NoError(t, err)
	_, err = c.DetectCorners(0, img)
	require.NoError(t, err)
	assert.Equal(t, uint8(200), sampler.value)
}

func TestParseColorLayout(t *testing.T) {
	l, err := ParseColorLayout("rgb")
	require.NoError(t, err)
	assert.Equal(t, LayoutRGB, l)

	l, err = ParseColorLayout("")
	require.NoError(t, err)
	assert.Equal(t, LayoutBGR, l)
	assert.Equal(t, "bgr", l.String())

	_, err = ParseColorLayout("hsv")
	assert.Error(t, err)
}

func TestSolverErrorsPropagate(t *testing.T) {
	captureLogs(t)
	images := markedImages(true, true)
	defer closeAll(images)

	solver := &fakeSolver{err: errors.New("boom")}
	_, err := New(images, testPattern, WithDetector(&markerDetector{}), WithSolver(solver))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "2 views")
}

func TestSolverDegenerateResultRejected(t *testing.T) {
	captureLogs(t)
	images := markedImages(true)
	defer closeAll(images)

	solver := &fakeSolver{} // all-zero camera matrix
	c, err := New(images, testPattern, WithDetector(&markerDetector{}), WithSolver(solver))
	assert.ErrorIs(t, err, ErrSolverFailed)
	assert.Nil(t, c)
}

func TestCalibrateOnlyOnce(t *testing.T) {
	captureLogs(t)
	images := markedImages(true)
	defer closeAll(images)

	solver := goodSolver()
	c, err := New(images, testPattern, WithDetector(&markerDetector{}), WithSolver(solver))
	require.NoError(t, err)

	_, err = c.Calibrate(images)
	assert.ErrorIs(t, err, ErrAlreadyCalibrated)
	_, err = c.Solve(c.Corpus())
	assert.ErrorIs(t, err, ErrAlreadyCalibrated)
	assert.Equal(t, 1, solver.calls)
}

func TestUndistortBeforeCalibration(t *testing.T) {
	img := markedImage(8, 8, true, 0)
	defer img.Close()

	var zero Calibrator
	out, err := zero.Undistort(img)
	out.Close()
	assert.ErrorIs(t, err, ErrNotCalibrated)
	assert.False(t, zero.Calibrated())
	assert.Nil(t, zero.Result())

	c, err := NewCalibrator(testPattern)
	require.NoError(t, err)
	out, err = c.Undistort(img)
	out.Close()
	assert.ErrorIs(t, err, ErrNotCalibrated)

	var nilCal *Calibrator
	out, err = nilCal.Undistort(img)
	out.Close()
	assert.ErrorIs(t, err, ErrNotCalibrated)
}

func TestFromResult(t *testing.T) {
	res, err := NewResult([3][3]float64{{400, 0, 16}, {0, 400, 12}, {0, 0, 1}}, []float64{-0.2, 0.05, 0, 0, 0}, image.Pt(32, 24))
	require.NoError(t, err)

	c, err := FromResult(res)
	require.NoError(t, err)
	assert.True(t, c.Calibrated())
	assert.Nil(t, c.Corpus())
	assert.Same(t, res, c.Result())

	_, err = FromResult(nil)
	assert.ErrorIs(t, err, ErrNotCalibrated)
}

func TestNewResultValidation(t *testing.T) {
	_, err := NewResult([3][3]float64{{0, 0, 0}, {0, 0, 0}, {0, 0, 1}}, nil, image.Pt(1, 1))
	assert.ErrorIs(t, err, ErrSolverFailed)

	nan := [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	_, err = NewResult(nan, []float64{nanValue()}, image.Pt(1, 1))
	assert.ErrorIs(t, err, ErrSolverFailed)

	dist := []float64{0.1, 0.2}
	res, err := NewResult(nan, dist, image.Pt(1, 1))
	require.NoError(t, err)
	dist[0] = 9
	assert.Equal(t, 0.1, res.Coefficient(0))
	assert.Equal(t, 0.2, res.Coefficient(1))
	assert.Zero(t, res.Coefficient(4))
	assert.Equal(t, nan, res.Matrix())
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}

// patternImage draws a deterministic texture so undistortion has something
// to move around.
func patternImage(rows, cols int) gocv.Mat {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC3)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if (x/8+y/8)%2 == 0 {
				setPixel(m, y, x, uint8(40+(x*y)%160))
			}
		}
	}
	return m
}

func TestUndistortIdempotent(t *testing.T) {
	res, err := NewResult([3][3]float64{{90, 0, 40}, {0, 90, 30}, {0, 0, 1}}, []float64{-0.3, 0.1, 0.001, -0.001, 0}, image.Pt(80, 60))
	require.NoError(t, err)
	c, err := FromResult(res)
	require.NoError(t, err)

	img := patternImage(60, 80)
	defer img.Close()
	before := img.ToBytes()

	first, err := c.Undistort(img)
	require.NoError(t, err)
	defer first.Close()
	second, err := c.Undistort(img)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, img.Rows(), first.Rows())
	assert.Equal(t, img.Cols(), first.Cols())
	assert.Equal(t, img.Type(), first.Type())
	assert.Equal(t, first.ToBytes(), second.ToBytes())
	assert.Equal(t, before, img.ToBytes(), "input must not be modified")
	assert.NotEqual(t, before, first.ToBytes(), "distortion should move pixels")
}

func TestUndistortEmptyImage(t *testing.T) {
	res, err := NewResult([3][3]float64{{90, 0, 40}, {0, 90, 30}, {0, 0, 1}}, nil, image.Pt(80, 60))
	require.NoError(t, err)
	c, err := FromResult(res)
	require.NoError(t, err)

	empty := gocv.NewMat()
	defer empty.Close()
	out, err := c.Undistort(empty)
	out.Close()
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestAnnotate(t *testing.T) {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 0, 0, 0), 60, 80, gocv.MatTypeCV8UC1)
	defer img.Close()

	c, err := NewCalibrator(Pattern{Width: 3, Height: 3})
	require.NoError(t, err)

	d := Detection{Found: true, Size: image.Pt(80, 60)}
	for _, p := range Gridspace(3, 3) {
		d.Corners = append(d.Corners, geometry.Point2D{X: 20 + 10*p.X, Y: 15 + 10*p.Y})
	}

	out := c.Annotate(img, d)
	defer out.Close()
	assert.Equal(t, 3, out.Channels())
	assert.Equal(t, 60, out.Rows())

	plain := c.Annotate(img, Detection{})
	defer plain.Close()
	assert.NotEqual(t, plain.ToBytes(), out.ToBytes())
}
