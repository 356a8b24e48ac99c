// Package version reports the module version of the running binary.
package version

import (
	"fmt"
	"runtime/debug"
)

// String returns a human readable version of the binary, based on the VCS
// information recorded at build time.
func String() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "(unknown version)"
	}
	var vcs, revision string
	var modified bool
	for _, bs := range bi.Settings {
		switch bs.Key {
		case "vcs":
			vcs = bs.Value
		case "vcs.revision":
			revision = bs.Value
		case "vcs.modified":
			modified = bs.Value == "true"
		}
	}
	if vcs == "" {
		return "(unknown version)"
	}
	if vcs == "git" && len(revision) > 9 {
		revision = revision[:9]
	}
	if modified {
		revision += "-dirty"
	}
	return fmt.Sprintf("%s (%s)", bi.Main.Version, revision)
}
