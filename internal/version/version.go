// Package version provides build-time version information.
package version

// Set with -ldflags "-X camcal/internal/version.Version=...".
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
