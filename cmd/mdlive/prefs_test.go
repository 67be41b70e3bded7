package main

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euforicio/mdlive/internal/config"
	"github.com/euforicio/mdlive/internal/layout"
	"github.com/euforicio/mdlive/internal/preview"
	"github.com/euforicio/mdlive/internal/state"
)

func TestApplyPrefs(t *testing.T) {
	for _, key := range []string{"THEME", "MODE", "FONT_SIZE", "SPLIT"} {
		t.Setenv("MDLIVE_"+key, "")
	}

	store, err := state.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(prefsKey, prefsFromEditor(preview.EditorState{
		Theme:      "monokai",
		Mode:       layout.ModeEdit,
		FontSize:   20,
		SplitRatio: 0.4,
	})))

	t.Run("remembered values fill unset options", func(t *testing.T) {
		cfg := config.Default()
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		config.RegisterFlags(flags, &cfg)
		require.NoError(t, flags.Parse(nil))

		applyPrefs(&cfg, flags, store)
		assert.Equal(t, "monokai", cfg.Theme)
		assert.Equal(t, "edit", cfg.EditorMode)
		assert.InDelta(t, 20, cfg.FontSize, 0)
		assert.InDelta(t, 0.4, cfg.SplitRatio, 0)
	})

	t.Run("flags win", func(t *testing.T) {
		cfg := config.Default()
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		config.RegisterFlags(flags, &cfg)
		require.NoError(t, flags.Parse([]string{"--theme", "dark", "-m", "write"}))

		applyPrefs(&cfg, flags, store)
		assert.Equal(t, "dark", cfg.Theme)
		assert.Equal(t, "write", cfg.EditorMode)
		assert.InDelta(t, 20, cfg.FontSize, 0)
	})

	t.Run("environment wins", func(t *testing.T) {
		t.Setenv("MDLIVE_FONT_SIZE", "12")
		cfg := config.Default()
		config.ApplyEnvOverrides(&cfg)
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		config.RegisterFlags(flags, &cfg)
		require.NoError(t, flags.Parse(nil))

		applyPrefs(&cfg, flags, store)
		assert.InDelta(t, 12, cfg.FontSize, 0)
		assert.Equal(t, "monokai", cfg.Theme)
	})
}

func TestApplyPrefsIgnoresInvalidValues(t *testing.T) {
	for _, key := range []string{"THEME", "MODE", "FONT_SIZE", "SPLIT"} {
		t.Setenv("MDLIVE_"+key, "")
	}

	store, err := state.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(prefsKey, prefs{EditorMode: "zen", FontSize: -1, SplitRatio: 3}))

	cfg := config.Default()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(flags, &cfg)
	require.NoError(t, flags.Parse(nil))

	applyPrefs(&cfg, flags, store)
	assert.Equal(t, config.Default().EditorMode, cfg.EditorMode)
	assert.InDelta(t, 16, cfg.FontSize, 0)
	assert.InDelta(t, 0.5, cfg.SplitRatio, 0)
	assert.Equal(t, "light", cfg.Theme)
}
