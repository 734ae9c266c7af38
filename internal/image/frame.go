// Package image provides image loading and conversion between Go images and gocv Mats.
package image

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gocv.io/x/gocv"
	_ "golang.org/x/image/tiff"
)

// Frame is one decoded image file.
type Frame struct {
	Path  string      // Original file path
	Image image.Image // Decoded image data
}

// Load decodes an image from the specified path.
func Load(path string) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return &Frame{Path: path, Image: img}, nil
}

// Width returns the image width in pixels.
func (f *Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the image height in pixels.
func (f *Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Mat converts the frame to a BGR Mat. The caller must Close it.
func (f *Frame) Mat() (gocv.Mat, error) {
	if f.Image == nil {
		return gocv.NewMat(), fmt.Errorf("frame %s has no image data", f.Path)
	}
	return ToMat(f.Image)
}

// ToMat converts a Go image.Image to a gocv.Mat in BGR format.
func ToMat(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return gocv.NewMat(), fmt.Errorf("empty image")
	}

	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != 4*w || bounds.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	}

	src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, rgba.Pix)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to wrap pixels: %w", err)
	}
	defer src.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(src, &bgr, gocv.ColorRGBAToBGR)
	return bgr, nil
}

// LoadMats loads every path as a BGR Mat, in order. On failure all Mats
// created so far are closed and the error names the failing file.
func LoadMats(paths []string) ([]gocv.Mat, error) {
	mats := make([]gocv.Mat, 0, len(paths))
	for _, p := range paths {
		frame, err := Load(p)
		if err == nil {
			var m gocv.Mat
			m, err = frame.Mat()
			if err == nil {
				mats = append(mats, m)
				continue
			}
		}
		CloseAll(mats)
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return mats, nil
}

// CloseAll closes every Mat in the slice.
func CloseAll(mats []gocv.Mat) {
	for i := range mats {
		mats[i].Close()
	}
}

// Save writes a Mat to disk; the format follows the file extension.
func Save(path string, m gocv.Mat) error {
	if m.Empty() {
		return fmt.Errorf("refusing to write empty image to %s", path)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if !gocv.IMWrite(path, m) {
		return fmt.Errorf("failed to write image %s", path)
	}
	return nil
}

// SupportedFormats returns the list of supported image formats.
func SupportedFormats() []string {
	return []string{".tiff", ".tif", ".png", ".jpg", ".jpeg"}
}

// IsSupportedFormat checks if the given path has a supported image format.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range SupportedFormats() {
		if ext == format {
			return true
		}
	}
	return false
}

// ExpandPaths replaces directory arguments with the supported image files
// they contain, sorted by name. File arguments are kept as given.
func ExpandPaths(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if !e.IsDir() && IsSupportedFormat(e.Name()) {
				found = append(found, filepath.Join(arg, e.Name()))
			}
		}
		sort.Strings(found)
		out = append(out, found...)
	}
	return out, nil
}
