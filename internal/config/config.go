// Package config manages application configuration from environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/euforicio/mdlive/internal/layout"
)

const envPrefix = "MDLIVE_"

// ErrNoDocument is returned by Finalize when no markdown file was given.
var ErrNoDocument = errors.New("a markdown file to preview is required")

// Config holds runtime configuration for the preview server.
//
//nolint:govet // grouped by concern
type Config struct {
	File       string
	Accept     []string
	AssetsDir  string
	StateDir   string
	Theme      string
	EditorMode string
	Port       int
	FontSize   float64
	SplitRatio float64

	ScrollThrottle time.Duration
	ResizeDebounce time.Duration

	AutoOpen    bool
	Frontmatter bool
	Anchors     bool
	D2          bool
	Dev         bool
	Verbose     bool
}

// Default returns ready-to-use defaults prior to env/flag overrides.
func Default() Config {
	return Config{
		Port:           0, // 0 = auto-select random available port
		AutoOpen:       true,
		Theme:          "light",
		EditorMode:     string(layout.ModePreview),
		FontSize:       16,
		SplitRatio:     0.5,
		StateDir:       defaultStateDir(),
		ScrollThrottle: 50 * time.Millisecond,
		ResizeDebounce: 150 * time.Millisecond,
		Frontmatter:    true,
	}
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "mdlive")
	}
	return ".mdlive"
}

// RegisterFlags attaches configuration flags to the provided FlagSet.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "port to bind the HTTP server (0 = auto-assign, default: auto)")
	fs.BoolVar(&cfg.AutoOpen, "auto-open", cfg.AutoOpen, "open the browser automatically after start")
	fs.StringVar(&cfg.Theme, "theme", cfg.Theme, "preview theme (light, dark or any chroma style name)")
	fs.StringVarP(&cfg.EditorMode, "mode", "m", cfg.EditorMode, "editor mode: normal, preview, edit, write or immersion")
	fs.Float64Var(&cfg.FontSize, "font-size", cfg.FontSize, "preview font size in pixels")
	fs.Float64Var(&cfg.SplitRatio, "split", cfg.SplitRatio, "share of the note width taken by the editor in split modes (0..1)")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for persisted preview state")
	fs.StringSliceVar(&cfg.Accept, "accept", cfg.Accept, "file name globs accepted as markdown (default *.{md,markdown,mdown,mkd,mkdn})")
	fs.StringVar(&cfg.AssetsDir, "assets", cfg.AssetsDir, "serve surface assets from this directory instead of the embedded copy")
	fs.DurationVar(&cfg.ScrollThrottle, "scroll-throttle", cfg.ScrollThrottle, "minimum interval between scroll sync messages")
	fs.DurationVar(&cfg.ResizeDebounce, "resize-debounce", cfg.ResizeDebounce, "quiet period before recomputing layout after a resize")
	fs.BoolVar(&cfg.Frontmatter, "frontmatter", cfg.Frontmatter, "parse YAML frontmatter instead of rendering it")
	fs.BoolVar(&cfg.Anchors, "anchors", cfg.Anchors, "add permalink anchors to headings")
	fs.BoolVar(&cfg.D2, "d2", cfg.D2, "render ```d2 blocks to SVG on the server")
	fs.BoolVar(&cfg.Dev, "dev", cfg.Dev, "development mode: enables surface devtools")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "enable verbose logging (HTTP requests)")
}

// ApplyEnvOverrides reads supported environment variables and overrides cfg in place.
func ApplyEnvOverrides(cfg *Config) {
	applyStringEnv("FILE", func(v string) { cfg.File = v })
	applyStringEnv("ACCEPT", func(v string) { cfg.Accept = splitList(v) })
	applyIntEnv("PORT", func(v int) { cfg.Port = v })
	applyBoolEnv("AUTO_OPEN", func(v bool) { cfg.AutoOpen = v })
	applyStringEnv("THEME", func(v string) { cfg.Theme = v })
	applyStringEnv("MODE", func(v string) { cfg.EditorMode = v })
	applyFloatEnv("FONT_SIZE", func(v float64) { cfg.FontSize = v })
	applyFloatEnv("SPLIT", func(v float64) { cfg.SplitRatio = v })
	applyStringEnv("STATE_DIR", func(v string) { cfg.StateDir = v })
	applyStringEnv("ASSETS", func(v string) { cfg.AssetsDir = v })
	applyDurationEnv("SCROLL_THROTTLE", func(v time.Duration) { cfg.ScrollThrottle = v })
	applyDurationEnv("RESIZE_DEBOUNCE", func(v time.Duration) { cfg.ResizeDebounce = v })
	applyBoolEnv("FRONTMATTER", func(v bool) { cfg.Frontmatter = v })
	applyBoolEnv("ANCHORS", func(v bool) { cfg.Anchors = v })
	applyBoolEnv("D2", func(v bool) { cfg.D2 = v })
	applyBoolEnv("DEV", func(v bool) { cfg.Dev = v })
	applyBoolEnv("VERBOSE", func(v bool) { cfg.Verbose = v })
}

func applyStringEnv(key string, apply func(string)) {
	if raw, ok := lookupNonEmpty(key); ok {
		apply(raw)
	}
}

func applyIntEnv(key string, apply func(int)) {
	if raw, ok := lookupNonEmpty(key); ok {
		if value, err := strconv.Atoi(raw); err == nil {
			apply(value)
		}
	}
}

func applyFloatEnv(key string, apply func(float64)) {
	if raw, ok := lookupNonEmpty(key); ok {
		if value, err := strconv.ParseFloat(raw, 64); err == nil {
			apply(value)
		}
	}
}

func applyDurationEnv(key string, apply func(time.Duration)) {
	if raw, ok := lookupNonEmpty(key); ok {
		if value, err := time.ParseDuration(raw); err == nil {
			apply(value)
		}
	}
}

func applyBoolEnv(key string, apply func(bool)) {
	if raw, ok := lookupNonEmpty(key); ok {
		if value, err := strconv.ParseBool(raw); err == nil {
			apply(value)
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func lookupNonEmpty(key string) (string, bool) {
	raw, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", false
	}
	return value, true
}

// Finalize validates and normalizes paths.
func Finalize(cfg *Config) error {
	if strings.TrimSpace(cfg.File) == "" {
		return ErrNoDocument
	}
	file, err := filepath.Abs(cfg.File)
	if err != nil {
		return fmt.Errorf("resolve document path: %w", err)
	}
	cfg.File = file

	// Allow port 0 for dynamic allocation, otherwise validate range
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}

	mode, err := layout.ParseMode(cfg.EditorMode)
	if err != nil {
		return err
	}
	cfg.EditorMode = string(mode)

	if cfg.FontSize <= 0 {
		return fmt.Errorf("invalid font size: %g", cfg.FontSize)
	}
	if cfg.SplitRatio < 0 || cfg.SplitRatio > 1 {
		return fmt.Errorf("invalid split ratio: %g", cfg.SplitRatio)
	}
	if cfg.ScrollThrottle < 0 || cfg.ResizeDebounce < 0 {
		return errors.New("rate limit intervals must not be negative")
	}

	if cfg.Theme = strings.TrimSpace(cfg.Theme); cfg.Theme == "" {
		cfg.Theme = "light"
	}

	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	stateDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("resolve state directory: %w", err)
	}
	cfg.StateDir = stateDir

	if cfg.AssetsDir != "" {
		assets, err := filepath.Abs(cfg.AssetsDir)
		if err != nil {
			return fmt.Errorf("resolve assets directory: %w", err)
		}
		cfg.AssetsDir = assets
	}

	return nil
}
