// Package version provides build-time version information.
package version

import (
	"fmt"
	"runtime"

	"github.com/coreos/go-semver/semver"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X github.com/javanstorm/vmctl/internal/version.Version=1.0.0 \
//	                   -X github.com/javanstorm/vmctl/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/javanstorm/vmctl/internal/version.BuildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	// Version is the semantic version of the application.
	Version = "dev"

	// Commit is the git commit SHA at build time.
	Commit = "unknown"

	// BuildDate is the date when the binary was built.
	BuildDate = "unknown"
)

// Semver parses Version. Development builds have no semantic version.
func Semver() (*semver.Version, error) {
	if Version == "dev" {
		return nil, fmt.Errorf("development build")
	}
	v, err := semver.NewVersion(trimV(Version))
	if err != nil {
		return nil, fmt.Errorf("parse version %q: %w", Version, err)
	}
	return v, nil
}

// String returns a one-line summary for logs and the user agent.
func String() string {
	return fmt.Sprintf("vmctl %s (%s, %s/%s)", Version, shortCommit(), runtime.GOOS, runtime.GOARCH)
}

func trimV(s string) string {
	if len(s) > 1 && s[0] == 'v' {
		return s[1:]
	}
	return s
}

func shortCommit() string {
	if len(Commit) > 7 {
		return Commit[:7]
	}
	return Commit
}
