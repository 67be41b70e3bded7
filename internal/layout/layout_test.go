package layout_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euforicio/mdlive/internal/layout"
)

func TestComputeBodyWidth(t *testing.T) {
	t.Parallel()

	attached := func(noteRoot, offsetParent float64) layout.Measurements {
		return layout.Measurements{NoteRoot: noteRoot, OffsetParent: offsetParent, Attached: true}
	}

	tests := []struct {
		name  string
		mode  layout.Mode
		ratio float64
		m     layout.Measurements
		want  string
	}{
		{name: "preview is always full", mode: layout.ModePreview, ratio: 0.5, m: attached(1000, 1000), want: "100%"},
		{name: "normal is always full", mode: layout.ModeNormal, ratio: 0.5, m: attached(1000, 1000), want: "100%"},
		{name: "edit uses note root", mode: layout.ModeEdit, ratio: 0.3, m: attached(1000, 400), want: "700px"},
		{name: "write uses note root", mode: layout.ModeWrite, ratio: 0.5, m: attached(800, 100), want: "400px"},
		{name: "immersion uses offset parent", mode: layout.ModeImmersion, ratio: 0.25, m: attached(100, 800), want: "600px"},
		{name: "unattached falls back", mode: layout.ModeEdit, ratio: 0.3, m: layout.Measurements{NoteRoot: 1000}, want: "100%"},
		{name: "missing ratio falls back", mode: layout.ModeEdit, ratio: 0, m: attached(1000, 1000), want: "100%"},
		{name: "missing parent falls back", mode: layout.ModeEdit, ratio: 0.3, m: attached(0, 1000), want: "100%"},
		{name: "ratio above one never goes negative", mode: layout.ModeEdit, ratio: 1.5, m: attached(1000, 1000), want: "100%"},
		{name: "NaN measurement falls back", mode: layout.ModeEdit, ratio: 0.3, m: attached(math.NaN(), 0), want: "100%"},
		{name: "infinite measurement falls back", mode: layout.ModeEdit, ratio: 0.3, m: attached(math.Inf(1), 0), want: "100%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := layout.ComputeBodyWidth(tt.mode, tt.ratio, tt.m)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	mode, err := layout.ParseMode(" Edit ")
	require.NoError(t, err)
	assert.Equal(t, layout.ModeEdit, mode)

	_, err = layout.ParseMode("sideways")
	require.Error(t, err)
	assert.True(t, errors.Is(err, layout.ErrUnknownMode))
}

func TestModePredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, layout.ModeEdit.RecomputeOnResize())
	assert.False(t, layout.ModeWrite.RecomputeOnResize())
	assert.False(t, layout.ModePreview.RecomputeOnResize())
	assert.True(t, layout.ModeWrite.Split())
	assert.True(t, layout.ModeImmersion.Hidden())
	assert.False(t, layout.ModeEdit.Hidden())
}

func TestRootClasses(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "preview-root", layout.RootClasses(layout.ModeEdit, false))
	assert.Equal(t, "preview-root hide", layout.RootClasses(layout.ModeWrite, false))
	assert.Equal(t, "preview-root pre-mode drag", layout.RootClasses(layout.ModePreview, true))
}

func TestWidthMarshalsAsCSS(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(struct {
		Width layout.Width `json:"width"`
	}{Width: layout.Width{Value: 512.5}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"width":"512.5px"}`, string(raw))
}
