// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/bureau-foundation/vdmabuf/lib/version.GitCommit=...".
var (
	Version   = "0.1.0-dev"
	GitCommit = ""
	GitDirty  = ""
	BuildTime = ""
)

// BuildInfo identifies a build. The control socket's "version" action
// returns it.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Dirty     bool   `json:"dirty,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Current returns the running binary's BuildInfo. Values not set by
// ldflags are taken from the VCS stamp the go command embeds, when
// there is one.
func Current() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		Dirty:     GitDirty == "true",
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if build, ok := debug.ReadBuildInfo(); ok {
		applyVCS(&info, build.Settings)
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	return info
}

func applyVCS(info *BuildInfo, settings []debug.BuildSetting) {
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = setting.Value
				if len(info.Commit) > 12 {
					info.Commit = info.Commit[:12]
				}
			}
		case "vcs.time":
			if info.BuildTime == "" {
				info.BuildTime = setting.Value
			}
		case "vcs.modified":
			if GitDirty == "" {
				info.Dirty = setting.Value == "true"
			}
		}
	}
}

// String formats info on one line, e.g. "0.1.0 (3f2a9c1d, 2026-10-01T00:00:00Z)".
func (info BuildInfo) String() string {
	commit := info.Commit
	if info.Dirty {
		commit += "-dirty"
	}
	if info.BuildTime == "" {
		return fmt.Sprintf("%s (%s)", info.Version, commit)
	}
	return fmt.Sprintf("%s (%s, %s)", info.Version, commit, info.BuildTime)
}

// Print writes the --version output for binary to stdout.
func Print(binary string) {
	Fprint(os.Stdout, binary)
}

// Fprint writes the --version output for binary to w.
func Fprint(w io.Writer, binary string) {
	info := Current()
	fmt.Fprintf(w, "%s %s\n  go: %s\n  platform: %s\n", binary, info, info.GoVersion, info.Platform)
}
