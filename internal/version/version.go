// Package version decides whether a newer release should be offered to the user.
package version

import (
	"regexp"
	"strconv"
)

var (
	stripPattern = regexp.MustCompile(`(?i)\.|v|-beta`)
	betaPattern  = regexp.MustCompile(`(?i)-beta`)
)

// Parsed is a version string reduced to an ordinal and a beta flag.
type Parsed struct {
	Ordinal int64
	Beta    bool
	// Valid is false when the string does not start with a number once
	// normalized; such versions never compare.
	Valid bool
}

// Parse normalizes a version string such as "v1.2.0-beta" into its ordinal form.
func Parse(s string) Parsed {
	digits := stripPattern.ReplaceAllString(s, "")
	n, err := strconv.ParseInt(leadingDigits(digits), 10, 64)
	if err != nil {
		return Parsed{Beta: betaPattern.MatchString(s)}
	}
	return Parsed{Ordinal: n, Beta: betaPattern.MatchString(s), Valid: true}
}

// leadingDigits keeps the numeric prefix, matching parseInt semantics where
// trailing garbage is ignored.
func leadingDigits(s string) string {
	for i, r := range s {
		if r < '0' || r > '9' {
			return s[:i]
		}
	}
	return s
}

// NeedsUpdate reports whether latest should replace local.
//
// A beta build is upgraded to the matching stable release, a stable build is never
// moved onto a beta of the same number, and otherwise the larger ordinal wins.
// Nothing is offered when either side is not a version.
func NeedsUpdate(local, latest string) bool {
	if local == latest {
		return false
	}
	l := Parse(local)
	r := Parse(latest)
	if !l.Valid || !r.Valid {
		return false
	}
	if l.Ordinal == r.Ordinal {
		return l.Beta && !r.Beta
	}
	return l.Ordinal < r.Ordinal
}
