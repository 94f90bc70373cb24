// Package buildinfo carries version identity stamped at build time via
// -ldflags "-X github.com/outpost-run/outpost/internal/buildinfo.Version=...".
package buildinfo

import "fmt"

var (
	// Version is the release version, "dev" for unstamped builds.
	Version = "dev"
	// Commit is the short git hash of the build.
	Commit = "unknown"
)

// String renders the full identity line.
func String() string {
	return fmt.Sprintf("outpost %s (%s)", Version, Commit)
}
