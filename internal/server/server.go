// Package server serves the live preview surface and the editor API over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/euforicio/mdlive/internal/buildinfo"
	"github.com/euforicio/mdlive/internal/config"
	"github.com/euforicio/mdlive/internal/exporter"
	"github.com/euforicio/mdlive/internal/layout"
	"github.com/euforicio/mdlive/internal/preview"
	"github.com/euforicio/mdlive/internal/renderer"
	"github.com/euforicio/mdlive/internal/toc"
	"github.com/euforicio/mdlive/static"
)

// Server wraps the HTTP server that hosts the preview page, its event stream
// and the editor API driving the preview controller.
type Server struct { //nolint:govet // field order favors logical grouping over padding optimizations
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
	surface    *Surface
	controller *preview.Controller
	bus        *preview.Bus
	exporter   *exporter.Exporter
	templates  *templateRenderer
	cfg        config.Config
	mediaRoot  string
	title      string
	outline    func(string) []toc.Entry
	onChange   func(preview.EditorState)
}

// Options wires the collaborators a Server needs.
type Options struct {
	Surface    *Surface
	Controller *preview.Controller
	// Bus carries resize and outline-jump events to the controller.
	Bus *preview.Bus
	// Exporter serves snapshots of the current preview. Nil disables /api/export.
	Exporter *exporter.Exporter
	// MediaRoot is the directory relative image paths resolve against.
	MediaRoot string
	// Title names the previewed document in the page title.
	Title string
	// Outline lists headings for /api/toc. Nil uses toc.Collect, which does
	// not know about frontmatter.
	Outline func(markdown string) []toc.Entry
	// OnEditorChange runs after the editor API changes state.
	OnEditorChange func(preview.EditorState)
}

var (
	errPathRequired        = errors.New("path is required")
	errInvalidPathEncoding = errors.New("invalid path encoding")
)

// New constructs a Server. Routes are registered immediately; call Start to listen.
func New(cfg config.Config, logger *slog.Logger, opts Options) (*Server, error) {
	if opts.Surface == nil || opts.Controller == nil || opts.Bus == nil {
		return nil, errors.New("surface, controller and bus must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	tmpl, err := newTemplateRenderer()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		logger:     logger.With("component", "http"),
		surface:    opts.Surface,
		controller: opts.Controller,
		bus:        opts.Bus,
		exporter:   opts.Exporter,
		templates:  tmpl,
		mediaRoot:  opts.MediaRoot,
		title:      opts.Title,
		outline:    opts.Outline,
		onChange:   opts.OnEditorChange,
	}
	if s.outline == nil {
		s.outline = toc.Collect
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	staticHandler := http.StripPrefix("/static/", http.FileServer(s.resolveStaticFS()))
	s.mux.Handle("GET /static/{path...}", staticHandler)
	s.mux.Handle("HEAD /static/{path...}", staticHandler)

	s.mux.HandleFunc("GET /theme/{theme}/chroma.css", s.handleThemeCSS)
	s.mux.HandleFunc("GET /media/{path...}", s.handleMedia)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /{$}", s.handleRoot)

	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("POST /api/surface/{channel}", s.handleSurfaceSignal)

	s.mux.HandleFunc("GET /api/editor/state", s.handleGetEditorState)
	s.mux.HandleFunc("PUT /api/editor/state", s.handlePutEditorState)
	s.mux.HandleFunc("POST /api/editor/resize", s.handleResize)
	s.mux.HandleFunc("POST /api/editor/scroll", s.handleScroll)
	s.mux.HandleFunc("POST /api/editor/toc-jump", s.handleTOCJump)
	s.mux.HandleFunc("POST /api/editor/devtools", s.handleDevTools)
	s.mux.HandleFunc("GET /api/toc", s.handleTOC)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)
	if s.exporter != nil {
		s.mux.HandleFunc("GET /api/export", s.handleExport)
	}
}

func (s *Server) resolveStaticFS() http.FileSystem {
	dir := strings.TrimSpace(s.cfg.AssetsDir)
	if dir != "" {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			s.logger.Debug("serving assets from filesystem", slog.String("dir", dir))
			return http.Dir(dir)
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("assets dir check failed", slog.String("dir", dir), slog.Any("err", err))
		}
	}
	s.logger.Debug("serving embedded assets")
	return static.HTTP()
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		csrfMiddleware,
		gzipMiddleware(s.logger),
		loggingMiddleware(s.logger, s.cfg.Verbose),
	)
}

// Start runs the HTTP server and optionally opens the browser.
// The server listens on the configured port, or on a dynamic loopback port
// when cfg.Port is 0. It shuts down gracefully when ctx is canceled and
// blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		_ = listener.Close()
		return fmt.Errorf("unexpected listener address type")
	}
	serverURL := fmt.Sprintf("http://localhost:%d", tcpAddr.Port)

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: the event stream stays open for the page's lifetime.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if _, err := fmt.Fprintf(os.Stdout, "mdlive preview on %s\n", serverURL); err != nil {
			s.logger.Warn("failed to announce server address", slog.String("url", serverURL), slog.Any("err", err))
		}
		errCh <- s.httpServer.Serve(listener)
	}()

	if s.cfg.AutoOpen {
		go s.openBrowserWhenReady(ctx, serverURL)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.ErrorContext(ctx, "graceful shutdown failed", slog.Any("err", err))
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown disconnects every page and stops the server with the provided context timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.surface.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"version": buildinfo.Summary()}
	if latest := strings.TrimSpace(r.URL.Query().Get("latest")); latest != "" {
		resp["latest"] = latest
		resp["updateAvailable"] = buildinfo.UpdateAvailable(latest)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	editor := s.controller.Editor()
	data := shellViewData{
		Title:       s.title,
		Theme:       editor.Theme,
		ThemeCSSURL: "/theme/" + url.PathEscape(themeOrDefault(editor.Theme)) + "/chroma.css",
		RootClasses: layout.RootClasses(editor.Mode, editor.Dragging),
		BodyWidth:   s.controller.BodyWidth().String(),
		FontSize:    editor.FontSize,
		Loading:     s.controller.Loading(),
		Mermaid:     static.Has(mermaidAsset),
		Dev:         s.cfg.Dev,
	}
	s.renderTemplate(w, r, "shell", data)
}

func (s *Server) renderTemplate(w http.ResponseWriter, r *http.Request, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.render(&buf, name, data); err != nil {
		s.logger.ErrorContext(r.Context(), "render template failed", slog.Any("err", err), slog.String("template", name))
		http.Error(w, "failed to render template", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleThemeCSS(w http.ResponseWriter, r *http.Request) {
	theme := themeOrDefault(r.PathValue("theme"))
	if pregenerated := "css/chroma-" + renderer.ChromaStyle(theme) + ".css"; static.Has(pregenerated) {
		http.Redirect(w, r, "/static/"+pregenerated, http.StatusFound)
		return
	}

	var buf bytes.Buffer
	if err := renderer.WriteThemeCSS(&buf, theme); err != nil {
		s.logger.ErrorContext(r.Context(), "write chroma css failed", slog.String("theme", theme), slog.Any("err", err))
		http.Error(w, "failed to generate stylesheet", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = buf.WriteTo(w)
}

func themeOrDefault(theme string) string {
	if theme = strings.TrimSpace(theme); theme == "" {
		return "light"
	}
	return theme
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := s.surface.attach(ctx)

	if _, err := w.Write([]byte(": ready\n\n")); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			payload, err := encodeJSON(msg.Payload)
			if err != nil {
				s.logger.WarnContext(ctx, "encode sse event failed", slog.String("channel", string(msg.Channel)), slog.Any("err", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Channel, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type surfaceSignal struct {
	Args []string `json:"args"`
}

func (s *Server) handleSurfaceSignal(w http.ResponseWriter, r *http.Request) {
	channel := preview.Channel(strings.TrimSpace(r.PathValue("channel")))
	if !channel.Inbound() {
		s.logger.DebugContext(r.Context(), "ignoring surface signal", slog.String("channel", string(channel)))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var body surfaceSignal
	if err := decodeOptionalJSON(r, &body); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if err := s.surface.Emit(r.Context(), preview.Event{Channel: channel, Args: body.Args}); err != nil {
		if errors.Is(err, ErrSurfaceClosed) {
			respondJSON(w, http.StatusServiceUnavailable, errorResponse("surface closed"))
			return
		}
		s.logger.WarnContext(r.Context(), "queue surface signal failed", slog.String("channel", string(channel)), slog.Any("err", err))
		respondJSON(w, http.StatusServiceUnavailable, errorResponse("surface busy"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetEditorState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, editorStateResponse{
		EditorState: s.controller.Editor(),
		BodyWidth:   s.controller.BodyWidth(),
		Loading:     s.controller.Loading(),
	})
}

type editorStateResponse struct {
	preview.EditorState
	BodyWidth layout.Width `json:"bodyWidth"`
	Loading   bool         `json:"loading"`
}

// editorStatePatch holds the fields a PUT may change; absent fields are kept.
type editorStatePatch struct {
	Markdown   *string  `json:"markdown"`
	Theme      *string  `json:"theme"`
	EditorMode *string  `json:"editorMode"`
	Platform   *string  `json:"platform"`
	FontSize   *float64 `json:"fontSize"`
	SplitRatio *float64 `json:"splitRatio"`
	Dragging   *bool    `json:"dragging"`
}

func (p editorStatePatch) validate() (layout.Mode, error) {
	var mode layout.Mode
	if p.EditorMode != nil {
		m, err := layout.ParseMode(*p.EditorMode)
		if err != nil {
			return "", err
		}
		mode = m
	}
	if p.FontSize != nil && (!isFinite(*p.FontSize) || *p.FontSize <= 0) {
		return "", fmt.Errorf("invalid font size: %v", *p.FontSize)
	}
	if p.SplitRatio != nil && (!isFinite(*p.SplitRatio) || *p.SplitRatio < 0 || *p.SplitRatio > 1) {
		return "", fmt.Errorf("invalid split ratio: %v", *p.SplitRatio)
	}
	return mode, nil
}

func (p editorStatePatch) apply(st *preview.EditorState, mode layout.Mode) {
	if p.Markdown != nil {
		st.Markdown = *p.Markdown
	}
	if p.Theme != nil {
		st.Theme = strings.TrimSpace(*p.Theme)
	}
	if mode != "" {
		st.Mode = mode
	}
	if p.Platform != nil {
		st.Platform = *p.Platform
	}
	if p.FontSize != nil {
		st.FontSize = *p.FontSize
	}
	if p.SplitRatio != nil {
		st.SplitRatio = *p.SplitRatio
	}
	if p.Dragging != nil {
		st.Dragging = *p.Dragging
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (s *Server) handlePutEditorState(w http.ResponseWriter, r *http.Request) {
	var patch editorStatePatch
	if err := decodeJSON(r, &patch); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	mode, err := patch.validate()
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	err = s.controller.Modify(r.Context(), func(st *preview.EditorState) {
		patch.apply(st, mode)
	})
	if errors.Is(err, preview.ErrClosed) {
		respondJSON(w, http.StatusServiceUnavailable, errorResponse("preview closed"))
		return
	}
	if err != nil {
		// Delivery to the page is fire-and-forget; the state was still applied.
		s.logger.WarnContext(r.Context(), "surface delivery failed", slog.Any("err", err))
	}

	editor := s.controller.Editor()
	if s.onChange != nil {
		s.onChange(editor)
	}
	respondJSON(w, http.StatusOK, editorStateResponse{
		EditorState: editor,
		BodyWidth:   s.controller.BodyWidth(),
		Loading:     s.controller.Loading(),
	})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var m layout.Measurements
	if err := decodeJSON(r, &m); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	s.bus.Publish(preview.TopicResize, m)
	w.WriteHeader(http.StatusNoContent)
}

type scrollRequest struct {
	Ratio *float64 `json:"ratio"`
}

func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request) {
	var req scrollRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if req.Ratio == nil {
		respondJSON(w, http.StatusBadRequest, errorResponse("ratio is required"))
		return
	}
	s.controller.ScrollToRatio(*req.Ratio)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTOCJump(w http.ResponseWriter, r *http.Request) {
	var target toc.Target
	if err := decodeJSON(r, &target); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	s.bus.Publish(preview.TopicTOCJump, target)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDevTools(w http.ResponseWriter, r *http.Request) {
	err := s.controller.OpenDevTools(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, preview.ErrDevToolsDisabled):
		respondJSON(w, http.StatusForbidden, errorResponse(err.Error()))
	case errors.Is(err, errors.ErrUnsupported):
		respondJSON(w, http.StatusNotImplemented, errorResponse("devtools are opened from the browser"))
	default:
		respondJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
	}
}

func (s *Server) handleTOC(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"entries": s.outline(s.controller.Editor().Markdown),
	})
}

// handleExport downloads the markdown the preview currently shows, including
// edits not yet saved to disk.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw := r.URL.Query().Get("format")
	if strings.TrimSpace(raw) == "" {
		raw = string(exporter.FormatHTML)
	}
	format, err := exporter.ParseFormat(raw)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	editor := s.controller.Editor()
	var buf bytes.Buffer
	if err := s.exporter.Export(ctx, exporter.Options{
		Writer:   &buf,
		Format:   format,
		Markdown: []byte(editor.Markdown),
		Title:    s.title,
		Theme:    themeOrDefault(editor.Theme),
	}); err != nil {
		s.logger.ErrorContext(ctx, "export failed", slog.Any("err", err), slog.String("format", string(format)))
		respondJSON(w, http.StatusInternalServerError, errorResponse("export failed"))
		return
	}

	filename := sanitizeFilename(s.title) + exporter.FileExtension(format)
	w.Header().Set("Content-Type", exporter.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func sanitizeFilename(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.Map(func(r rune) rune {
		if r == ' ' {
			return '-'
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, name)
	if name == "" {
		name = "export"
	}
	return name
}

func parseWildcardPath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errPathRequired
	}
	decoded, err := url.PathUnescape(trimmed)
	if err != nil {
		return "", errInvalidPathEncoding
	}
	path := strings.TrimSpace(decoded)
	if path == "" {
		return "", errPathRequired
	}
	return path, nil
}

func (s *Server) respondPathError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errPathRequired):
		respondJSON(w, http.StatusBadRequest, errorResponse("path is required"))
	case errors.Is(err, errInvalidPathEncoding):
		respondJSON(w, http.StatusBadRequest, errorResponse("invalid path encoding"))
	default:
		respondJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
	}
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.mediaRoot == "" {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	rawPath, err := parseWildcardPath(r.PathValue("path"))
	if err != nil {
		s.respondPathError(w, err)
		return
	}

	// Clean and validate the path to prevent directory traversal
	cleanPath := filepath.Clean(rawPath)
	if strings.Contains(cleanPath, "..") || filepath.IsAbs(cleanPath) {
		s.logger.WarnContext(ctx, "invalid media path attempted", slog.String("path", rawPath))
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	absRoot, err := filepath.Abs(s.mediaRoot)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to resolve media root", slog.Any("err", err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	absPath, err := filepath.Abs(filepath.Join(absRoot, filepath.FromSlash(cleanPath)))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to resolve media path", slog.Any("err", err), slog.String("path", rawPath))
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		s.logger.WarnContext(ctx, "media path outside document directory attempted",
			slog.String("path", rawPath),
			slog.String("resolved", absPath))
		http.Error(w, "Invalid path", http.StatusForbidden)
		return
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		s.logger.WarnContext(ctx, "failed to stat media file", slog.Any("err", err), slog.String("path", rawPath))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if info.IsDir() {
		http.Error(w, "Path is a directory", http.StatusBadRequest)
		return
	}

	http.ServeFile(w, r, absPath)
}
