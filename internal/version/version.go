// Package version holds build metadata set through -ldflags.
package version

var (
	GitTag    = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
