package version

import (
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags "-X fsrelay/internal/version.Version=...".
var (
	Version   = "dev"
	Built     = ""
	GitCommit = ""
)

type Info struct {
	Version   string
	Built     string
	GitCommit string
	GoVersion string
}

// Get returns the linked build values, falling back to the VCS revision
// recorded by the Go toolchain when no commit was linked in.
func Get() Info {
	info := Info{Version: Version, Built: Built, GitCommit: GitCommit}
	if build, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = build.GoVersion
		if info.GitCommit == "" {
			for _, setting := range build.Settings {
				if setting.Key == "vcs.revision" {
					info.GitCommit = setting.Value
				}
			}
		}
	}
	return info
}

// String renders the info on one line, e.g. "fsrelay 1.2.0 (abc1234, built 2026-01-11)".
func (info Info) String() string {
	details := []string{}
	if info.GitCommit != "" {
		commit := info.GitCommit
		if len(commit) > 7 {
			commit = commit[:7]
		}
		details = append(details, commit)
	}
	if info.Built != "" {
		details = append(details, "built "+info.Built)
	}
	line := "fsrelay " + info.Version
	if len(details) > 0 {
		line += " (" + strings.Join(details, ", ") + ")"
	}
	return line
}
