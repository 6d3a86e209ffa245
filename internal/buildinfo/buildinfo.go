// Package buildinfo carries version metadata injected at link time:
//
//	go build -ldflags "-X hostsync/internal/buildinfo.Version=v1.2.3 -X hostsync/internal/buildinfo.Commit=abc123"
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
)

// String returns "version (commit)", reading the VCS revision from the
// embedded build info when Commit was not injected.
func String() string {
	commit := Commit
	if commit == "" {
		commit = vcsRevision()
	}
	if commit == "" {
		return Version
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return Version + " (" + commit + ")"
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
