// Package version carries build metadata set with -ldflags -X.
package version

import "fmt"

var (
	// Version is the driver release, "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is when the binary was built.
	BuildTime = "unknown"
)

// String formats the build metadata for -version and the debug index.
func String() string {
	return fmt.Sprintf("stepper %s (git %s, built %s)", Version, GitSHA, BuildTime)
}
