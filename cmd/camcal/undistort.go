package main

import (
	"fmt"
	"path/filepath"

	"camcal/internal/calibration"
	camimage "camcal/internal/image"
	"camcal/internal/profile"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewUndistortCommand() *cobra.Command {
	var (
		profilePath string
		outDir      string
	)

	cmd := &cobra.Command{
		Use:   "undistort [flags] [image|dir...]",
		Short: "Remove lens distortion using a saved profile",
		Long: `Remove lens distortion using a saved profile.

Output images keep the input resolution and file name and are written to
--out-dir. Images whose resolution differs from the calibration images are
processed with a warning, since the profile may not fit them. Without image
arguments the profile's own calibration images are undistorted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if profilePath == "" {
				return fmt.Errorf("--profile is required")
			}

			prof, err := profile.Load(profilePath)
			if err != nil {
				return fmt.Errorf("failed to load profile: %w", err)
			}
			res, err := prof.Result()
			if err != nil {
				return err
			}
			c, err := calibration.FromResult(res)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				args = prof.ImagePaths(profilePath)
				if len(args) == 0 {
					return fmt.Errorf("profile %s lists no images; pass images to undistort", profilePath)
				}
			}
			paths, err := camimage.ExpandPaths(args)
			if err != nil {
				return err
			}
			for _, p := range paths {
				if err := undistortFile(c, p, outDir); err != nil {
					return err
				}
			}
			cmd.Printf("Undistorted %d images into %s\n", len(paths), outDir)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&profilePath, "profile", "P", "", "camera profile written by calibrate")
	flags.StringVarP(&outDir, "out-dir", "d", "undistorted", "output directory")

	return cmd
}

func undistortFile(c *calibration.Calibrator, path, outDir string) error {
	frame, err := camimage.Load(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	size := c.Result().ImageSize
	if frame.Width() != size.X || frame.Height() != size.Y {
		logrus.Warnf("%s is %dx%d, profile was calibrated at %dx%d", path, frame.Width(), frame.Height(), size.X, size.Y)
	}

	img, err := frame.Mat()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer img.Close()

	out, err := c.Undistort(img)
	if err != nil {
		out.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	defer out.Close()

	dst := filepath.Join(outDir, filepath.Base(path))
	if err := camimage.Save(dst, out); err != nil {
		return err
	}
	logrus.Debugf("Wrote %s", dst)
	return nil
}
