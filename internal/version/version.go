// Package version holds the build identity stamped into the fusion
// binaries via -ldflags at release time.
package version

import "fmt"

var (
	// Version is the trackfuse release tag, "dev" for local builds.
	Version = "dev"
	// GitSHA identifies the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is when the binary was built, RFC3339.
	BuildTime = "unknown"
)

// String renders the full build identity for startup logs.
func String() string {
	return fmt.Sprintf("trackfuse %s (%s built %s)", Version, GitSHA, BuildTime)
}
