// Package d2 compiles ```d2 fences into inline SVG on the server.
package d2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"oss.terrastruct.com/d2/d2graph"
	"oss.terrastruct.com/d2/d2layouts/d2dagrelayout"
	"oss.terrastruct.com/d2/d2layouts/d2elklayout"
	"oss.terrastruct.com/d2/d2lib"
	"oss.terrastruct.com/d2/d2renderers/d2svg"
	"oss.terrastruct.com/d2/d2themes/d2themescatalog"
	d2log "oss.terrastruct.com/d2/lib/log"
	"oss.terrastruct.com/d2/lib/textmeasure"
)

// Result captures the outcome of a render attempt.
type Result struct {
	SVG      string
	Duration time.Duration
	// Cached is set when the SVG came from an earlier compile of the same source.
	Cached bool
}

const (
	defaultTimeout  = 12 * time.Second
	defaultCacheTTL = 10 * time.Minute
	defaultCacheCap = 64
)

// ErrEmptyDiagram is returned when the supplied diagram body is empty.
var ErrEmptyDiagram = errors.New("empty d2 diagram")

// Renderer compiles D2 sources with the embedded compiler.
// The SVG carries both a light and a dark theme so the preview can switch
// themes without asking for a new render. Every keystroke re-renders the whole
// document, so compiled diagrams are cached by source.
type Renderer struct {
	logger  *slog.Logger
	cache   *ttlcache.Cache[string, Result]
	timeout time.Duration
	light   int64
	dark    int64
}

// Options configure the renderer.
type Options struct {
	// Timeout bounds one compile. Zero means 12 seconds.
	Timeout time.Duration
	// CacheSize caps remembered diagrams. Zero means 64; negative disables caching.
	CacheSize int
}

// New creates a renderer. A nil opts uses the defaults.
func New(logger *slog.Logger, opts *Options) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts == nil {
		opts = &Options{}
	}

	timeout := defaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	r := &Renderer{
		logger:  logger.With("component", "d2"),
		timeout: timeout,
		light:   d2themescatalog.NeutralDefault.ID,
		dark:    d2themescatalog.DarkFlagshipTerrastruct.ID,
	}
	if opts.CacheSize >= 0 {
		capacity := uint64(defaultCacheCap)
		if opts.CacheSize > 0 {
			capacity = uint64(opts.CacheSize)
		}
		r.cache = ttlcache.New[string, Result](
			ttlcache.WithTTL[string, Result](defaultCacheTTL),
			ttlcache.WithCapacity[string, Result](capacity),
		)
	}
	return r
}

// Render compiles source into SVG, honouring layout directives inside the diagram.
func (r *Renderer) Render(ctx context.Context, source string) (Result, error) {
	if strings.TrimSpace(source) == "" {
		return Result{}, ErrEmptyDiagram
	}
	if r.cache != nil {
		if item := r.cache.Get(source); item != nil {
			res := item.Value()
			res.Cached = true
			return res, nil
		}
	}

	res, err := r.compile(ctx, source)
	if err != nil {
		return Result{}, err
	}
	if r.cache != nil {
		r.cache.Set(source, res, ttlcache.DefaultTTL)
	}
	return res, nil
}

func (r *Renderer) compile(ctx context.Context, source string) (Result, error) {
	ctx = d2log.With(ctx, r.logger)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ruler, err := textmeasure.NewRuler()
	if err != nil {
		return Result{}, fmt.Errorf("init ruler: %w", err)
	}

	light, dark := r.light, r.dark
	pad := int64(d2svg.DEFAULT_PADDING)
	renderOpts := &d2svg.RenderOpts{
		ThemeID:     &light,
		DarkThemeID: &dark,
		Pad:         &pad,
	}

	start := time.Now()
	diagram, _, err := d2lib.Compile(ctx, source, &d2lib.CompileOptions{
		Ruler:          ruler,
		LayoutResolver: layoutResolver,
	}, renderOpts)
	if err != nil {
		return Result{}, fmt.Errorf("compile d2: %w", err)
	}
	if diagram == nil {
		return Result{}, errors.New("d2 compiler returned nil diagram")
	}

	svg, err := d2svg.Render(diagram, renderOpts)
	if err != nil {
		return Result{}, fmt.Errorf("render svg: %w", err)
	}

	return Result{
		SVG:      string(svg),
		Duration: time.Since(start),
	}, nil
}

func layoutResolver(engine string) (d2graph.LayoutGraph, error) {
	switch strings.ToLower(engine) {
	case "", "dagre":
		return func(ctx context.Context, g *d2graph.Graph) error {
			return d2dagrelayout.Layout(ctx, g, nil)
		}, nil
	case "elk":
		return func(ctx context.Context, g *d2graph.Graph) error {
			return d2elklayout.Layout(ctx, g, nil)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported d2 layout %q", engine)
	}
}
