package config

import "runtime/debug"

// Overridden with -ldflags "-X storegate/internal/config.version=1.4.0".
var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

// NewBuildInfo reports the linker-provided version. Commit and build time
// fall back to the VCS stamp the go tool embeds.
func NewBuildInfo() BuildInfo {
	b := BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch {
			case s.Key == "vcs.revision" && b.Commit == "":
				b.Commit = s.Value
			case s.Key == "vcs.time" && b.BuildTime == "":
				b.BuildTime = s.Value
			}
		}
	}
	if len(b.Commit) > 12 {
		b.Commit = b.Commit[:12]
	}
	return b
}
