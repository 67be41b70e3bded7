package main

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/euforicio/mdlive/internal/config"
	"github.com/euforicio/mdlive/internal/layout"
	"github.com/euforicio/mdlive/internal/preview"
	"github.com/euforicio/mdlive/internal/state"
)

const prefsKey = "preview"

// prefs are the editor settings remembered between runs.
type prefs struct {
	Theme      string  `json:"theme"`
	EditorMode string  `json:"editorMode"`
	FontSize   float64 `json:"fontSize"`
	SplitRatio float64 `json:"splitRatio"`
}

func prefsFromEditor(st preview.EditorState) prefs {
	return prefs{
		Theme:      st.Theme,
		EditorMode: string(st.Mode),
		FontSize:   st.FontSize,
		SplitRatio: st.SplitRatio,
	}
}

// applyPrefs copies remembered settings into cfg unless the user set them
// explicitly for this run through a flag or environment variable.
func applyPrefs(cfg *config.Config, flags *pflag.FlagSet, store *state.Store) {
	saved := state.Load(store, prefsKey, prefs{})

	if saved.Theme != "" && !explicit(flags, "theme", "THEME") {
		cfg.Theme = saved.Theme
	}
	if mode, err := layout.ParseMode(saved.EditorMode); err == nil && !explicit(flags, "mode", "MODE") {
		cfg.EditorMode = string(mode)
	}
	if saved.FontSize > 0 && !explicit(flags, "font-size", "FONT_SIZE") {
		cfg.FontSize = saved.FontSize
	}
	if saved.SplitRatio > 0 && saved.SplitRatio <= 1 && !explicit(flags, "split", "SPLIT") {
		cfg.SplitRatio = saved.SplitRatio
	}
}

func explicit(flags *pflag.FlagSet, flag, env string) bool {
	if flags.Changed(flag) {
		return true
	}
	v, ok := os.LookupEnv("MDLIVE_" + env)
	return ok && v != ""
}
