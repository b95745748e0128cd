// Package version holds build information injected through -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release version, recorded in every archive's mapping.
	Version = "dev"

	// Commit is the git commit that was compiled.
	Commit = "unknown"

	// Date is the build date.
	Date = "unknown"

	GoVersion = runtime.Version()
	Platform  = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
)

// Info returns version information
func Info() string {
	return fmt.Sprintf("dockbak version %s\nGit commit: %s\nBuild date: %s\nGo version: %s\nPlatform: %s",
		Version, Commit, Date, GoVersion, Platform)
}
