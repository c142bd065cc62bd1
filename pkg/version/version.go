// Package version reports the build of the running conductor.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/goclaw/conductor/pkg/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns the build fields keyed the way the readiness endpoint reports them.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
		"go_version": GoVersion,
	}
}

// String returns a one-line build description for startup logs and --version.
func String() string {
	commit := GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("conductor %s (%s, built %s, %s)", Version, commit, BuildTime, GoVersion)
}
