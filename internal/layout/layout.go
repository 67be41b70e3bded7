// Package layout computes how much horizontal space the preview body receives.
package layout

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Mode is the editor layout mode.
type Mode string

// Editor modes understood by the preview.
const (
	ModeNormal    Mode = "normal"
	ModePreview   Mode = "preview"
	ModeEdit      Mode = "edit"
	ModeWrite     Mode = "write"
	ModeImmersion Mode = "immersion"
)

// ErrUnknownMode is returned by ParseMode for unrecognized values.
var ErrUnknownMode = errors.New("unknown editor mode")

// ParseMode converts a user supplied string into a Mode.
func ParseMode(raw string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case ModeNormal, ModePreview, ModeEdit, ModeWrite, ModeImmersion:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, raw)
	}
}

// FullWidth reports whether the preview always spans its container.
func (m Mode) FullWidth() bool {
	return m == ModeNormal || m == ModePreview
}

// Split reports whether the preview shares the note container with the editor.
func (m Mode) Split() bool {
	return m == ModeEdit || m == ModeWrite
}

// Hidden reports whether the preview is not shown at all in this mode.
func (m Mode) Hidden() bool {
	return m == ModeImmersion || m == ModeWrite
}

// RecomputeOnResize reports whether a window resize should trigger a new width.
// Only the editable split layout tracks the window.
func (m Mode) RecomputeOnResize() bool {
	return m == ModeEdit
}

// Measurements are the layout anchors measured by the host, in pixels.
// Attached is false until the host has laid out the preview at least once.
type Measurements struct {
	NoteRoot     float64 `json:"noteRoot"`
	OffsetParent float64 `json:"offsetParent"`
	Attached     bool    `json:"attached"`
}

// Width is either a percentage of the container or an absolute pixel value.
type Width struct {
	Value   float64
	Percent bool
}

// Full is the 100% width used whenever nothing better is known.
var Full = Width{Value: 100, Percent: true}

// String renders the width as a CSS length.
func (w Width) String() string {
	unit := "px"
	if w.Percent {
		unit = "%"
	}
	return strconv.FormatFloat(w.Value, 'f', -1, 64) + unit
}

// MarshalText lets widths travel as CSS strings in JSON payloads.
func (w Width) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// ComputeBodyWidth resolves the preview body width.
//
// Full-width modes and unmeasured layouts return 100%. Split modes measure the
// note root, other modes measure the preview's offset parent; the editor takes
// splitRatio of that width and the preview gets the rest.
func ComputeBodyWidth(mode Mode, splitRatio float64, m Measurements) Width {
	if mode.FullWidth() {
		return Full
	}
	if !m.Attached {
		return Full
	}

	parent := m.OffsetParent
	if mode.Split() {
		parent = m.NoteRoot
	}

	if !usable(splitRatio) || !usable(parent) {
		return Full
	}

	// Hundredths of a pixel are plenty and keep float noise out of the CSS.
	px := math.Round(parent*(1-splitRatio)*100) / 100
	if !usable(px) {
		return Full
	}
	return Width{Value: px}
}

// usable reports whether v is a finite, positive measurement.
func usable(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// RootClasses returns the CSS classes for the preview root element.
func RootClasses(mode Mode, drag bool) string {
	classes := []string{"preview-root"}
	if mode.Hidden() {
		classes = append(classes, "hide")
	}
	if mode == ModePreview {
		classes = append(classes, "pre-mode")
	}
	if drag {
		classes = append(classes, "drag")
	}
	return strings.Join(classes, " ")
}
