package version

import "fmt"

var (
	// Version is the release tag, set via -ldflags at build time.
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for CLI and API output.
func String() string {
	return fmt.Sprintf("adccal %s (%s, built %s)", Version, GitSHA, BuildTime)
}
