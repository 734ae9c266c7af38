// Package profile persists calibration results as camera profile files.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"camcal/internal/calibration"
)

// CurrentVersion is the profile format written by Save.
const CurrentVersion = 1

// ErrUnsupportedVersion is returned by Load for profiles from a newer format.
var ErrUnsupportedVersion = errors.New("unsupported profile version")

// File is a camera profile (.json).
type File struct {
	Version  int       `json:"version"`
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`

	Pattern   calibration.Pattern `json:"pattern"`
	ImageSize Size                `json:"image_size"`

	// Camera model
	CameraMatrix [3][3]float64 `json:"camera_matrix"`
	Distortion   []float64     `json:"distortion"`
	RMS          float64       `json:"rms"`
	Views        int           `json:"views"`

	// Calibration images (relative to profile file)
	Images []string `json:"images,omitempty"`
}

// Size is an image resolution in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FromResult creates a profile for a calibration result.
func FromResult(name string, pattern calibration.Pattern, r *calibration.Result) (*File, error) {
	if r == nil || r.CameraMatrix == nil {
		return nil, calibration.ErrNotCalibrated
	}

	now := time.Now()
	dist := make([]float64, len(r.Distortion))
	copy(dist, r.Distortion)

	return &File{
		Version:      CurrentVersion,
		Name:         name,
		Created:      now,
		Modified:     now,
		Pattern:      pattern,
		ImageSize:    Size{Width: r.ImageSize.X, Height: r.ImageSize.Y},
		CameraMatrix: r.Matrix(),
		Distortion:   dist,
		RMS:          r.RMS,
		Views:        r.Views,
	}, nil
}

// Result rebuilds the calibration result stored in the profile.
func (p *File) Result() (*calibration.Result, error) {
	r, err := calibration.NewResult(p.CameraMatrix, p.Distortion, image.Pt(p.ImageSize.Width, p.ImageSize.Height))
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", p.Name, err)
	}
	r.RMS = p.RMS
	r.Views = p.Views
	return r, nil
}

// Load loads a profile from a file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p File
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	if p.Version > CurrentVersion {
		return nil, fmt.Errorf("%s: %w %d", path, ErrUnsupportedVersion, p.Version)
	}

	return &p, nil
}

// Save saves the profile to a file.
func (p *File) Save(path string) error {
	p.Modified = time.Now()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// SetImages records the calibration images relative to the profile path.
func (p *File) SetImages(profilePath string, imagePaths []string) {
	p.Images = make([]string, len(imagePaths))
	for i, path := range imagePaths {
		rel, err := filepath.Rel(filepath.Dir(profilePath), path)
		if err != nil {
			p.Images[i] = path
		} else {
			p.Images[i] = rel
		}
	}
	p.Modified = time.Now()
}

// ImagePaths returns the calibration images as paths usable from the
// working directory.
func (p *File) ImagePaths(profilePath string) []string {
	out := make([]string, len(p.Images))
	for i, path := range p.Images {
		if filepath.IsAbs(path) {
			out[i] = path
		} else {
			out[i] = filepath.Join(filepath.Dir(profilePath), path)
		}
	}
	return out
}
