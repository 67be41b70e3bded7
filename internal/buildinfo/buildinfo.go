// Package buildinfo provides build version and metadata information.
package buildinfo

import "github.com/euforicio/mdlive/internal/version"

// Version metadata is injected at build time via ldflags.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Summary returns a human-readable version summary string.
func Summary() string {
	parts := current()
	if Commit != "" {
		parts += " (" + Commit
		if Date != "" {
			parts += " " + Date
		}
		parts += ")"
	} else if Date != "" {
		parts += " (" + Date + ")"
	}
	return parts
}

// UpdateAvailable reports whether latest is newer than the running build.
// Development builds never ask for updates.
func UpdateAvailable(latest string) bool {
	local := current()
	if local == "dev" {
		return false
	}
	return version.NeedsUpdate(local, latest)
}

func current() string {
	if Version == "" {
		return "dev"
	}
	return Version
}
