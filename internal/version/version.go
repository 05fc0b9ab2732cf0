// Package version reports the daemon's build identity, adapted from the
// teacher's internal/version package (ldflags-injected fields falling back
// to runtime/debug.ReadBuildInfo for `go install` builds).
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	gitVersion = "dev"
	buildDate  = "unknown"
	commit     = "unknown"
)

// BuildInfo is the daemon's reported identity.
type BuildInfo struct {
	Version   string
	BuildDate string
	Commit    string
	GoVersion string
	OS        string
	Arch      string
}

// Get returns the current build information.
func Get() BuildInfo {
	info := BuildInfo{
		Version:   gitVersion,
		BuildDate: buildDate,
		Commit:    commit,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	if info.Version == "dev" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
				info.Version = strings.TrimPrefix(bi.Main.Version, "v")
			}
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					if info.Commit == "unknown" && len(s.Value) >= 7 {
						info.Commit = s.Value[:7]
					}
				case "vcs.time":
					if info.BuildDate == "unknown" {
						info.BuildDate = s.Value
					}
				}
			}
		}
	}

	return info
}

// String returns a one-line human-readable build identity.
func String() string {
	info := Get()
	return fmt.Sprintf("dapxd v%s (%s, %s/%s, %s)", info.Version, info.Commit, info.OS, info.Arch, info.GoVersion)
}
