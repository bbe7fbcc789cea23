// Package version records build identity, injected at link time:
//
//	go build -ldflags "-X .../internal/version.Version=v1.0.0 \
//	  -X .../internal/version.Commit=$(git rev-parse HEAD) \
//	  -X .../internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build identity for banners and `lattice version`.
func String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date)
}
