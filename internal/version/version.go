// Package version resolves the module version reported by the CLI: an
// ldflags-injected value when the build sets one, otherwise whatever the Go
// build info carries.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/mbus"

// buildVersion is set via -ldflags "-X pkt.systems/mbus/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the best available version string, trying the injected
// build version, the module version stamped by go install, and finally a
// pseudo-version derived from VCS metadata.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := pseudo(info.Settings); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// pseudo renders a v0.0.0 pseudo-version from the vcs.* build settings, or
// "" when the build carries no usable VCS metadata.
func pseudo(settings []debug.BuildSetting) string {
	var rev, stamp string
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.time":
			stamp = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + rev
	if dirty {
		v += "+dirty"
	}
	return v
}
