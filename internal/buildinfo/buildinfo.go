// Package buildinfo exposes compile-time metadata for the monerodctl binary.
// The values are overridden through -ldflags by the release build.
package buildinfo

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)
