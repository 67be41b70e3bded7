// Package preview keeps one isolated rendering surface synchronized with
// editor state over an asynchronous message boundary.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/euforicio/mdlive/internal/layout"
	"github.com/euforicio/mdlive/internal/toc"
)

// SurfaceState is the lifecycle of the rendering surface. It only moves forward.
type SurfaceState int

const (
	StateUninitialized SurfaceState = iota
	StateLoading
	StateReady
)

func (s SurfaceState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("SurfaceState(%d)", int(s))
	}
}

var (
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("preview controller closed")
	// ErrDevToolsDisabled is returned by OpenDevTools outside development builds.
	ErrDevToolsDisabled = errors.New("surface devtools disabled")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("preview controller already started")
)

// externalLink matches the only schemes the host may open.
var externalLink = regexp.MustCompile(`(?i)^https?://`)

// Surface is the isolated rendering context. Send must not block on delivery.
type Surface interface {
	Send(ctx context.Context, msg Message) error
	Events() <-chan Event
	OpenDevTools(ctx context.Context) error
}

// Host opens URLs outside the sandbox.
type Host interface {
	OpenExternal(ctx context.Context, url string) error
}

// Renderer converts markdown to HTML and never fails.
type Renderer interface {
	Render(markdown string) string
}

// EditorState is everything the editor tells the preview about.
type EditorState struct {
	Markdown   string      `json:"markdown"`
	Theme      string      `json:"theme"`
	Mode       layout.Mode `json:"editorMode"`
	Platform   string      `json:"platform"`
	FontSize   float64     `json:"fontSize"`
	SplitRatio float64     `json:"splitRatio"`
	Dragging   bool        `json:"dragging"`
}

// Options configure a Controller.
type Options struct {
	Logger *slog.Logger
	// Bus, when set, feeds resize and outline-jump events while started.
	Bus *Bus
	// Initial is the editor state before the first Update.
	Initial EditorState
	// ScrollThrottle limits scroll-to-ratio messages. Zero sends immediately.
	ScrollThrottle time.Duration
	// ResizeDebounce delays layout recomputation after resizes. Zero recomputes immediately.
	ResizeDebounce time.Duration
	// Dev enables OpenDevTools.
	Dev bool
}

// Controller owns one surface for its lifetime.
//
//nolint:govet // grouped by concern
type Controller struct {
	surface  Surface
	host     Host
	renderer Renderer
	logger   *slog.Logger
	bus      *Bus
	dev      bool

	scroll *Throttle[float64]
	resize *Debounce[layout.Measurements]

	mu           sync.Mutex
	state        SurfaceState
	initialized  bool
	closed       bool
	started      bool
	editor       EditorState
	html         string
	measurements layout.Measurements
	layout       LayoutUpdate
	unsubscribe  []func()

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a controller for a freshly created surface, which starts out
// loading. Call Start to begin consuming surface and bus events.
func New(surface Surface, host Host, rnd Renderer, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	editor := opts.Initial
	if editor.Mode == "" {
		editor.Mode = layout.ModeNormal
	}
	if editor.Platform == "" {
		editor.Platform = runtime.GOOS
	}

	c := &Controller{
		surface:  surface,
		host:     host,
		renderer: rnd,
		logger:   logger.With("component", "preview"),
		bus:      opts.Bus,
		dev:      opts.Dev,
		state:    StateLoading,
		editor:   editor,
		html:     rnd.Render(editor.Markdown),
	}
	c.layout = c.computeLayoutLocked()
	c.scroll = NewThrottle(opts.ScrollThrottle, c.sendScroll)
	c.resize = NewDebounce(opts.ResizeDebounce, c.applyResize)
	return c
}

// Start consumes surface events and subscribes to the bus until ctx ends or
// Close is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	ctx, cancel := context.WithCancel(ctx)
	c.unsubscribe = append(c.unsubscribe, cancel)

	if c.bus != nil {
		c.unsubscribe = append(c.unsubscribe,
			c.bus.Subscribe(TopicResize, func(payload any) {
				if m, ok := payload.(layout.Measurements); ok {
					c.Resize(m)
				}
			}),
			c.bus.Subscribe(TopicTOCJump, func(payload any) {
				if target, ok := payload.(toc.Target); ok {
					_ = c.JumpTo(ctx, target)
				}
			}),
		)
	}

	events := c.surface.Events()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := c.HandleEvent(ctx, ev); err != nil {
					c.logger.Debug("surface event failed", slog.String("channel", string(ev.Channel)), slog.Any("err", err))
				}
			}
		}
	}()
	return nil
}

// HandleEvent applies one inbound surface signal. Unknown channels are ignored.
func (c *Controller) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Channel {
	case ChannelSurfaceReady:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return ErrClosed
		}
		c.markReadyLocked()
		return nil

	case ChannelContentInitialized:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return ErrClosed
		}
		// Only a loaded page can report initialization, so the structural
		// signal may still be in flight.
		c.markReadyLocked()
		c.initialized = true
		return c.dispatchFullLocked(ctx)

	case ChannelLinkActivated:
		if len(ev.Args) == 0 || !externalLink.MatchString(ev.Args[0]) {
			return nil
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrClosed
		}
		if err := c.host.OpenExternal(ctx, ev.Args[0]); err != nil {
			c.logger.Warn("open external link failed", slog.String("url", ev.Args[0]), slog.Any("err", err))
			return fmt.Errorf("open %s: %w", ev.Args[0], err)
		}
		return nil

	default:
		c.logger.Debug("ignoring surface event", slog.String("channel", string(ev.Channel)))
		return nil
	}
}

func (c *Controller) markReadyLocked() {
	if c.state < StateReady {
		c.state = StateReady
		c.logger.Debug("surface ready")
	}
}

// Update applies new editor state. Before the surface initializes the state is
// only recorded; it is delivered in full once initialization arrives.
func (c *Controller) Update(ctx context.Context, next EditorState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.updateLocked(ctx, next)
}

// Modify applies fn to a copy of the current editor state and then updates
// with the result, atomically with respect to other updates.
func (c *Controller) Modify(ctx context.Context, fn func(*EditorState)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	next := c.editor
	fn(&next)
	return c.updateLocked(ctx, next)
}

func (c *Controller) updateLocked(ctx context.Context, next EditorState) error {
	prev := c.editor
	if next.Mode == "" {
		next.Mode = prev.Mode
	}
	if next.Platform == "" {
		next.Platform = prev.Platform
	}
	c.editor = next

	htmlChanged := next.Markdown != prev.Markdown
	if htmlChanged {
		c.html = c.renderer.Render(next.Markdown)
	}

	var errs []error
	if next.Mode != prev.Mode || next.SplitRatio != prev.SplitRatio || next.Dragging != prev.Dragging {
		errs = append(errs, c.recomputeLayoutLocked(ctx))
	}
	if !c.initialized {
		return errors.Join(errs...)
	}
	if htmlChanged || next.Mode != prev.Mode || next.Theme != prev.Theme {
		errs = append(errs, c.sendLocked(ctx, ChannelRenderUpdate, RenderUpdate{
			HTML:       c.html,
			EditorMode: next.Mode,
			Theme:      next.Theme,
		}))
	}
	if next.FontSize != prev.FontSize {
		errs = append(errs, c.sendLocked(ctx, ChannelFontSizeUpdate, FontSizeUpdate{FontSize: next.FontSize}))
	}
	return errors.Join(errs...)
}

// Resize records new layout measurements. Recomputation is debounced and only
// happens in modes that track the window, or when the anchor first attaches.
func (c *Controller) Resize(m layout.Measurements) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	attaching := m.Attached && !c.measurements.Attached
	c.measurements = m
	recompute := c.editor.Mode.RecomputeOnResize()
	c.mu.Unlock()

	if attaching {
		c.applyResize(m)
		return
	}
	if recompute {
		c.resize.Call(m)
	}
}

func (c *Controller) applyResize(m layout.Measurements) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.measurements = m
	if err := c.recomputeLayoutLocked(context.Background()); err != nil {
		c.logger.Debug("layout update failed", slog.Any("err", err))
	}
}

// ScrollToRatio scrolls the surface proportionally. The ratio is clamped to
// [0,1] and sends are throttled.
func (c *Controller) ScrollToRatio(ratio float64) {
	switch {
	case math.IsNaN(ratio) || ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}
	c.scroll.Call(ratio)
}

func (c *Controller) sendScroll(ratio float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateReady {
		return
	}
	if err := c.sendLocked(context.Background(), ChannelScrollToRatio, ScrollToRatio{Ratio: ratio}); err != nil {
		c.logger.Debug("scroll failed", slog.Any("err", err))
	}
}

// JumpTo scrolls the surface to a heading. Targets missing depth or text are
// dropped, as are jumps before the surface is ready.
func (c *Controller) JumpTo(ctx context.Context, target toc.Target) error {
	if !target.Valid() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StateReady {
		return nil
	}
	return c.sendLocked(ctx, ChannelScrollToTarget, target)
}

// OpenDevTools opens the surface's developer tools in development builds.
func (c *Controller) OpenDevTools(ctx context.Context) error {
	if !c.dev {
		return ErrDevToolsDisabled
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.surface.OpenDevTools(ctx)
}

// Close releases every subscription and pending timer. It is safe to call more
// than once and before Start.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		unsubscribe := c.unsubscribe
		c.unsubscribe = nil
		c.mu.Unlock()

		for _, fn := range unsubscribe {
			fn()
		}
		c.scroll.Stop()
		c.resize.Stop()
		c.wg.Wait()
	})
	return nil
}

// State reports the surface lifecycle state.
func (c *Controller) State() SurfaceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Loading reports whether the loading indicator should still be shown.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.initialized
}

// Editor returns the current editor state.
func (c *Controller) Editor() EditorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editor
}

// BodyWidth returns the last computed body width.
func (c *Controller) BodyWidth() layout.Width {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layout.BodyWidth
}

func (c *Controller) renderFullLocked() RenderFull {
	return RenderFull{
		HTML:       c.html,
		EditorMode: c.editor.Mode,
		FontSize:   c.editor.FontSize,
		Theme:      c.editor.Theme,
		Platform:   c.editor.Platform,
	}
}

func (c *Controller) dispatchFullLocked(ctx context.Context) error {
	return errors.Join(
		c.sendLocked(ctx, ChannelRenderFull, c.renderFullLocked()),
		c.sendLocked(ctx, ChannelLayoutUpdate, c.layout),
	)
}

func (c *Controller) computeLayoutLocked() LayoutUpdate {
	return LayoutUpdate{
		BodyWidth: layout.ComputeBodyWidth(c.editor.Mode, c.editor.SplitRatio, c.measurements),
		Classes:   layout.RootClasses(c.editor.Mode, c.editor.Dragging),
	}
}

func (c *Controller) recomputeLayoutLocked(ctx context.Context) error {
	next := c.computeLayoutLocked()
	if next == c.layout {
		return nil
	}
	c.layout = next
	if !c.initialized {
		return nil
	}
	return c.sendLocked(ctx, ChannelLayoutUpdate, next)
}

func (c *Controller) sendLocked(ctx context.Context, channel Channel, payload any) error {
	if err := c.surface.Send(ctx, Message{Channel: channel, Payload: payload}); err != nil {
		return fmt.Errorf("send %s: %w", channel, err)
	}
	return nil
}
