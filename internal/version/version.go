// Package version reports how the running crewwatch binary was built.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/crewwatch"

// buildVersion is set via -ldflags "-X pkt.systems/crewwatch/internal/version.buildVersion=...".
var buildVersion = ""

// Info is the build metadata of the running binary.
type Info struct {
	Module   string
	Version  string
	Revision string
	Time     time.Time
	Dirty    bool
}

// String returns the version with a +dirty suffix for modified trees.
func (i Info) String() string {
	if i.Dirty {
		return i.Version + "+dirty"
	}
	return i.Version
}

// Get collects build metadata. An ldflags version wins over module and VCS
// data.
func Get() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		info = nil
	}
	return fromBuildInfo(info, buildVersion)
}

// Current returns the version without the dirty suffix.
func Current() string {
	return Get().Version
}

// Module returns the main module path.
func Module() string {
	return Get().Module
}

// UserAgent returns the identifier sent with REST and websocket requests.
func UserAgent() string {
	return "crewwatch/" + Current()
}

func fromBuildInfo(bi *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule}
	if bi != nil {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			out.Module = path
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				if ts, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					out.Time = ts.UTC()
				}
			case "vcs.modified":
				out.Dirty = setting.Value == "true"
			}
		}
	}

	var mainVersion string
	if bi != nil && bi.Main.Version != "(devel)" {
		mainVersion = strings.TrimSpace(bi.Main.Version)
	}
	switch {
	case strings.TrimSpace(override) != "":
		out.Version = out.trimDirty(strings.TrimSpace(override))
	case mainVersion != "":
		out.Version = out.trimDirty(mainVersion)
	case out.Revision != "" && !out.Time.IsZero():
		rev := out.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		out.Version = "v0.0.0-" + out.Time.Format("20060102150405") + "-" + rev
	default:
		out.Version = "v0.0.0-unknown"
	}
	return out
}

func (i *Info) trimDirty(v string) string {
	if strings.HasSuffix(v, "+dirty") {
		i.Dirty = true
		return strings.TrimSuffix(v, "+dirty")
	}
	return v
}
