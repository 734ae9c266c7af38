package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"camcal/internal/calibration"
	"camcal/internal/config"
	camimage "camcal/internal/image"
	"camcal/internal/profile"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gocv.io/x/gocv"
)

type calibrateOptions struct {
	configPath  string
	pattern     string
	workers     int
	annotateDir string
	output      string
	name        string
	saveConfig  string
}

func NewCalibrateCommand() *cobra.Command {
	return newCalibrateCommand(&calibrateOptions{})
}

func newCalibrateCommand(opts *calibrateOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate [flags] image|dir...",
		Short: "Estimate camera intrinsics from checkerboard images",
		Long: `Estimate camera intrinsics from checkerboard images.

Every image must have the same resolution. Images in which the whole board
cannot be found are skipped with a warning. Directories are expanded to the
PNG, JPEG and TIFF files they contain.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			if opts.saveConfig != "" {
				if err := cfg.Save(opts.saveConfig); err != nil {
					return err
				}
				logrus.Infof("Effective config written to %s", opts.saveConfig)
			}
			return runCalibrate(cmd.OutOrStdout(), cfg, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	flags.StringVarP(&opts.pattern, "pattern", "p", "9x6", "inner corners per row and column, e.g. 9x6")
	flags.IntVarP(&opts.workers, "workers", "j", 1, "images to search for corners in parallel")
	flags.StringVar(&opts.annotateDir, "annotate-dir", "", "write images with detected corners drawn to this directory")
	flags.StringVarP(&opts.output, "output", "o", "camera.json", "profile file to write")
	flags.StringVar(&opts.name, "name", "", "profile name (default: output file name)")
	flags.StringVar(&opts.saveConfig, "save-config", "", "write the effective settings to this YAML file")

	return cmd
}

// config loads the config file and applies explicitly set flags over it.
// A config file named on the command line must exist.
func (o *calibrateOptions) config(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		if _, err := os.Stat(o.configPath); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("pattern") || o.configPath == "" {
		p, err := calibration.ParsePattern(o.pattern)
		if err != nil {
			return nil, err
		}
		cfg.Pattern = p
	}
	if flags.Changed("workers") {
		cfg.Workers = o.workers
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCalibrate(w io.Writer, cfg *config.Config, opts *calibrateOptions, args []string) error {
	paths, err := camimage.ExpandPaths(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return calibration.ErrNoImages
	}
	logrus.Infof("Loading %d images", len(paths))

	mats, err := camimage.LoadMats(paths)
	if err != nil {
		return err
	}
	defer camimage.CloseAll(mats)

	c, err := calibration.NewCalibrator(cfg.Pattern, cfg.Options()...)
	if err != nil {
		return err
	}

	corpus, err := c.Collect(mats)
	if err != nil {
		return err
	}

	if opts.annotateDir != "" {
		if err := writeAnnotations(c, corpus, mats, paths, opts.annotateDir); err != nil {
			return err
		}
	}

	res, err := c.Solve(corpus)
	if err != nil {
		return err
	}

	name := opts.name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(opts.output), filepath.Ext(opts.output))
	}
	prof, err := profile.FromResult(name, cfg.Pattern, res)
	if err != nil {
		return err
	}
	used := make([]string, len(corpus.Indices))
	for i, idx := range corpus.Indices {
		used[i] = paths[idx]
	}
	prof.SetImages(opts.output, used)
	if err := prof.Save(opts.output); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}

	printReport(w, res, corpus, paths)
	fmt.Fprintf(w, "Profile written to %s\n", opts.output)
	return nil
}

// writeAnnotations draws the detected corners on every image. Skipped
// images are written unmarked so the set stays complete.
func writeAnnotations(c *calibration.Calibrator, corpus *calibration.Corpus, mats []gocv.Mat, paths []string, dir string) error {
	detections := make([]calibration.Detection, len(mats))
	for i := range mats {
		detections[i] = calibration.Detection{Index: i, Size: corpus.ImageSize}
	}
	for i, idx := range corpus.Indices {
		detections[idx].Found = true
		detections[idx].Corners = corpus.ImagePoints[i]
	}

	for i, m := range mats {
		out := c.Annotate(m, detections[i])
		base := strings.TrimSuffix(filepath.Base(paths[i]), filepath.Ext(paths[i]))
		err := camimage.Save(filepath.Join(dir, base+"_corners.png"), out)
		out.Close()
		if err != nil {
			return err
		}
	}
	logrus.Infof("Annotated images written to %s", dir)
	return nil
}

func printReport(w io.Writer, res *calibration.Result, corpus *calibration.Corpus, paths []string) {
	fmt.Fprintf(w, "Image size:  %dx%d\n", res.ImageSize.X, res.ImageSize.Y)
	fmt.Fprintf(w, "Views used:  %d of %d\n", res.Views, len(paths))
	fmt.Fprintf(w, "fx, fy:      %.3f, %.3f\n", res.Fx(), res.Fy())
	fmt.Fprintf(w, "cx, cy:      %.3f, %.3f\n", res.Cx(), res.Cy())

	coeffs := make([]string, len(res.Distortion))
	for i, d := range res.Distortion {
		coeffs[i] = fmt.Sprintf("%.6f", d)
	}
	fmt.Fprintf(w, "Distortion:  [%s]\n", strings.Join(coeffs, ", "))
	fmt.Fprintf(w, "RMS error:   %.4f px\n", res.RMS)

	if len(corpus.Skipped) > 0 {
		fmt.Fprintf(w, "Skipped %d images:\n", len(corpus.Skipped))
		for _, s := range corpus.Skipped {
			fmt.Fprintf(w, "  %s: %s\n", paths[s.Index], s.Reason)
		}
	}
}
