// Package version identifies the running build. The commit comes from
// an -ldflags override when set, falling back to the module's embedded
// VCS metadata, and finally to "dev" for builds without either (go
// test, source tarballs).
package version

import "runtime/debug"

// AppName prefixes version strings in logs and handshakes.
const AppName = "ccobservatory"

// gitCommitOverride can be injected at build time, for container builds
// that compile outside a git checkout.
var gitCommitOverride string

// GitCommit is the short commit hash identifying this build.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if gitCommitOverride != "" {
		return shorten(gitCommitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shorten(s.Value)
			}
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "<app>/<commit>", e.g. "ccobservatory/a3f8c2d1".
func Full() string {
	return AppName + "/" + GitCommit
}
