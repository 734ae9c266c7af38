// Command camcal calibrates a camera from checkerboard photos and removes
// lens distortion from later images.
package main

import (
	"errors"
	"fmt"
	"os"

	"camcal/internal/calibration"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var logLevel = "info"

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	calibration.SetLogger(logrus.Infof)
	calibration.SetWarnLogger(logrus.Warnf)
	return nil
}

func handleCmdError(err error) {
	var sizeErr *calibration.ImageSizeError
	switch {
	case errors.Is(err, calibration.ErrEmptyCorpus):
		fmt.Fprintln(os.Stderr, "\nError: the checkerboard was not found in any image")
		fmt.Fprintln(os.Stderr, "  - Check that --pattern counts inner corners, not squares")
		fmt.Fprintln(os.Stderr, "  - Make sure the whole board is visible in each photo")
	case errors.As(err, &sizeErr):
		fmt.Fprintln(os.Stderr, "\nError: all calibration images must have the same resolution")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "camcal",
		Short: "camcal calibrates cameras from checkerboard images",
		Long: `camcal estimates a camera's intrinsic matrix and lens distortion from
photos of a printed checkerboard, saves them as a profile, and uses the
profile to undistort other images taken with the same camera.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogger()
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")

	cmd.AddCommand(
		NewCalibrateCommand(),
		NewUndistortCommand(),
		NewVersionCommand(),
	)

	return cmd
}
