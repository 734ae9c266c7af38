package calibration

import (
	"image"

	"camcal/pkg/geometry"

	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"
)

// Skip records an input image that contributed no correspondences.
type Skip struct {
	Index  int
	Reason string
}

// Corpus is the aligned set of correspondences across all usable images.
// ObjectPoints, ImagePoints and Indices always have the same length; entry i
// came from input image Indices[i]. Every ObjectPoints entry shares the same
// backing grid and must not be modified.
type Corpus struct {
	ObjectPoints [][]geometry.Point3D
	ImagePoints  [][]geometry.Point2D
	Indices      []int
	Skipped      []Skip
	ImageSize    image.Point
}

// Len returns the number of usable views.
func (c *Corpus) Len() int {
	if c == nil {
		return 0
	}
	return len(c.ImagePoints)
}

// Collect runs corner detection over every image and aggregates the
// successful detections, in input order. Skipped images are logged with
// their index. All images must share one resolution.
func (c *Calibrator) Collect(images []gocv.Mat) (*Corpus, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	if err := c.pattern.Validate(); err != nil {
		return nil, err
	}

	detections, err := c.detectAll(images)
	if err != nil {
		return nil, err
	}
	return c.aggregate(detections)
}

// detectAll fills one slot per image so ordering does not depend on which
// goroutine finishes first.
func (c *Calibrator) detectAll(images []gocv.Mat) ([]Detection, error) {
	detections := make([]Detection, len(images))

	if c.workers <= 1 {
		for i := range images {
			d, err := c.DetectCorners(i, images[i])
			if err != nil {
				return nil, err
			}
			detections[i] = d
		}
		return detections, nil
	}

	var g errgroup.Group
	g.SetLimit(c.workers)
	for i := range images {
		g.Go(func() error {
			d, err := c.DetectCorners(i, images[i])
			if err != nil {
				return err
			}
			detections[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return detections, nil
}

func (c *Calibrator) aggregate(detections []Detection) (*Corpus, error) {
	corpus := &Corpus{}
	if len(detections) == 0 {
		return corpus, nil
	}

	corpus.ImageSize = detections[0].Size
	for _, d := range detections[1:] {
		if d.Size != corpus.ImageSize {
			return nil, &ImageSizeError{Index: d.Index, Got: d.Size, Want: corpus.ImageSize}
		}
	}

	grid := c.pattern.ObjectPoints()
	for _, d := range detections {
		if !d.Found {
			Warnf("Calibration: image %d skipped: %s", d.Index, d.Reason)
			corpus.Skipped = append(corpus.Skipped, Skip{Index: d.Index, Reason: d.Reason})
			continue
		}
		Logf("Calibration: image %d: %d corners, %.0f%% of frame", d.Index, len(d.Corners), 100*d.Coverage())
		corpus.ObjectPoints = append(corpus.ObjectPoints, grid)
		corpus.ImagePoints = append(corpus.ImagePoints, d.Corners)
		corpus.Indices = append(corpus.Indices, d.Index)
	}
	return corpus, nil
}
