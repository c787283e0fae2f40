// Package version reports which revision of rvb is running.
package version

import (
	"runtime/debug"
	"strings"
)

const repoURL = "https://github.com/rvboot/tools"

type buildInfo struct {
	version  string // release tag, empty for pseudo-versions
	revision string
	modified bool
}

func parse(info *debug.BuildInfo) (buildInfo, bool) {
	settings := make(map[string]string)
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	// Built from a local checkout.
	if rev, ok := settings["vcs.revision"]; ok {
		return buildInfo{
			revision: rev,
			modified: settings["vcs.modified"] == "true",
		}, true
	}
	// Installed with go install: either a release such as v0.3.0 or a
	// pseudo-version such as v0.0.0-20240827190026-6ab9fef83042.
	v := info.Main.Version
	if v == "" || v == "(devel)" {
		return buildInfo{}, false
	}
	if idx := strings.LastIndexByte(v, '-'); idx > -1 {
		return buildInfo{revision: v[idx+1:]}, true
	}
	return buildInfo{version: v}, true
}

func format(bi buildInfo) string {
	if bi.version != "" {
		return "rvb " + bi.version
	}
	suffix := ""
	if bi.modified {
		suffix = " (modified)"
	}
	return "rvb " + repoURL + "/commit/" + bi.revision + suffix
}

// Read returns a human-readable description of the running binary.
func Read() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "rvb (unknown version)"
	}
	bi, ok := parse(info)
	if !ok {
		return "rvb (unknown version)"
	}
	return format(bi)
}
