// Package version holds build-time identity for fabricd, set via ldflags.
package version

import "fmt"

// Version, GitCommit, and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/fabricbroker/fabricd/pkg/version.Version=v1.0.0 \
//	  -X github.com/fabricbroker/fabricd/pkg/version.GitCommit=abc1234 \
//	  -X github.com/fabricbroker/fabricd/pkg/version.BuildDate=2026-07-31"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a one-line human-readable version string for --version output.
func Info() string {
	return fmt.Sprintf("fabricd %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
