package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euforicio/mdlive/internal/config"
	"github.com/euforicio/mdlive/internal/exporter"
	"github.com/euforicio/mdlive/internal/layout"
	"github.com/euforicio/mdlive/internal/preview"
	"github.com/euforicio/mdlive/internal/renderer"
)

type recordingOpener struct {
	urls []string
	mu   sync.Mutex
}

func (o *recordingOpener) open(_ context.Context, url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, url)
	return nil
}

func (o *recordingOpener) opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.urls...)
}

type testServer struct {
	*Server
	handler http.Handler
	opener  *recordingOpener

	changesMu sync.Mutex
	changes   []preview.EditorState
}

func (ts *testServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ts.handler.ServeHTTP(w, r)
}

func (ts *testServer) changeCount() int {
	ts.changesMu.Lock()
	defer ts.changesMu.Unlock()
	return len(ts.changes)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	root := t.TempDir()
	media := filepath.Join(root, "doc")
	require.NoError(t, os.MkdirAll(filepath.Join(media, "img"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(media, "img", "pic.png"), []byte("png-bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("secret"), 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	renderSvc := renderer.NewService(logger, renderer.Options{Frontmatter: true})

	opener := &recordingOpener{}
	host := &BrowserHost{logger: logger, open: opener.open}
	surface := NewSurface(logger)
	bus := preview.NewBus()
	controller := preview.New(surface, host, renderSvc, preview.Options{
		Logger: logger,
		Bus:    bus,
		Initial: preview.EditorState{
			Markdown: "# Welcome\n\n## Usage\n\n[docs](https://example.com)\n",
			Theme:    "light",
			Mode:     layout.ModePreview,
			FontSize: 16,
			Platform: "linux",
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, controller.Start(ctx))

	cfg := config.Default()
	cfg.AutoOpen = false

	exp, err := exporter.New(renderSvc, nil, logger)
	require.NoError(t, err)

	ts := &testServer{opener: opener}
	srv, err := New(cfg, logger, Options{
		Surface:    surface,
		Controller: controller,
		Bus:        bus,
		Exporter:   exp,
		MediaRoot:  media,
		Title:      "notes.md",
		Outline:    renderSvc.Outline,
		OnEditorChange: func(st preview.EditorState) {
			ts.changesMu.Lock()
			defer ts.changesMu.Unlock()
			ts.changes = append(ts.changes, st)
		},
	})
	require.NoError(t, err)
	ts.Server = srv
	ts.handler = srv.Handler()

	t.Cleanup(func() {
		_ = controller.Close()
		surface.Close()
		cancel()
	})
	return ts
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Host = "localhost:8080"
	req.Header.Set("Origin", "http://localhost:8080")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// initialize drives the surface handshake and returns a message stream attached before it.
func initialize(t *testing.T, ts *testServer) <-chan preview.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch := ts.surface.attach(ctx)

	require.Equal(t, http.StatusNoContent, do(t, ts, http.MethodPost, "/api/surface/surface-ready", "").Code)
	require.Equal(t, http.StatusNoContent, do(t, ts, http.MethodPost, "/api/surface/content-initialized", "{}").Code)
	require.Eventually(t, func() bool { return !ts.controller.Loading() }, 2*time.Second, 5*time.Millisecond)
	return ch
}

func next(t *testing.T, ch <-chan preview.Message, channel preview.Channel) preview.Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			require.True(t, ok, "stream closed while waiting for %s", channel)
			if msg.Channel == channel {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s message received", channel)
		}
	}
}

func TestShellAndAssets(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	t.Run("root renders the surface shell", func(t *testing.T) {
		rec := do(t, ts, http.MethodGet, "/", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, "<title>notes.md · mdlive</title>")
		assert.Contains(t, body, `href="/theme/light/chroma.css"`)
		assert.Contains(t, body, `class="preview-root pre-mode"`)
		assert.Contains(t, body, "font-size: 16px")
		assert.Contains(t, body, `id="loading"`)
		assert.Contains(t, body, "/static/js/surface.js")
	})

	t.Run("unknown page is not found", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, do(t, ts, http.MethodGet, "/nope", "").Code)
	})

	t.Run("healthz", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, "/healthz", "").Code)
	})

	t.Run("embedded assets", func(t *testing.T) {
		rec := do(t, ts, http.MethodGet, "/static/js/surface.js", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "content-initialized")
	})

	t.Run("theme stylesheet", func(t *testing.T) {
		rec := do(t, ts, http.MethodGet, "/theme/dark/chroma.css", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/css")
		assert.Contains(t, rec.Body.String(), ".chroma")
	})

	t.Run("media from the document directory", func(t *testing.T) {
		rec := do(t, ts, http.MethodGet, "/media/img/pic.png", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "png-bytes", rec.Body.String())

		assert.Equal(t, http.StatusNotFound, do(t, ts, http.MethodGet, "/media/img/missing.png", "").Code)
		assert.NotEqual(t, http.StatusOK, do(t, ts, http.MethodGet, "/media/%2e%2e/secret.txt", "").Code)
	})

	t.Run("version", func(t *testing.T) {
		rec := do(t, ts, http.MethodGet, "/api/version?latest=9.9.9", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "9.9.9", resp["latest"])
		assert.Contains(t, resp, "updateAvailable")
	})
}

func TestEditorStateAPI(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := do(t, ts, http.MethodPut, "/api/editor/state", `{"editorMode":"edit","splitRatio":0.3,"fontSize":18}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Markdown   string  `json:"markdown"`
		EditorMode string  `json:"editorMode"`
		BodyWidth  string  `json:"bodyWidth"`
		FontSize   float64 `json:"fontSize"`
		SplitRatio float64 `json:"splitRatio"`
		Loading    bool    `json:"loading"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "edit", resp.EditorMode)
	assert.InDelta(t, 18, resp.FontSize, 0)
	assert.InDelta(t, 0.3, resp.SplitRatio, 0)
	assert.Contains(t, resp.Markdown, "# Welcome", "fields absent from the patch are kept")
	assert.Equal(t, "100%", resp.BodyWidth, "no measurements yet")
	assert.True(t, resp.Loading)
	assert.Equal(t, 1, ts.changeCount())

	get := do(t, ts, http.MethodGet, "/api/editor/state", "")
	require.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), `"editorMode":"edit"`)

	for name, body := range map[string]string{
		"unknown mode":  `{"editorMode":"zen"}`,
		"bad ratio":     `{"splitRatio":1.5}`,
		"bad font size": `{"fontSize":0}`,
		"unknown field": `{"colour":"red"}`,
		"empty body":    ``,
		"two objects":   `{}{}`,
	} {
		rec := do(t, ts, http.MethodPut, "/api/editor/state", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	assert.Equal(t, 1, ts.changeCount(), "rejected patches do not notify")
}

func TestExportEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := do(t, ts, http.MethodGet, "/api/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="notes.html"`, rec.Header().Get("Content-Disposition"))
	assert.Contains(t, rec.Body.String(), "Welcome")

	require.Equal(t, http.StatusOK, do(t, ts, http.MethodPut, "/api/editor/state", `{"markdown":"# Unsaved"}`).Code)
	rec = do(t, ts, http.MethodGet, "/api/export?format=md", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# Unsaved", rec.Body.String())
	assert.Equal(t, `attachment; filename="notes.md"`, rec.Header().Get("Content-Disposition"))

	assert.Equal(t, http.StatusBadRequest, do(t, ts, http.MethodGet, "/api/export?format=docx", "").Code)
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "release-notes", sanitizeFilename("docs/release notes.md"))
	assert.Equal(t, "a_b", sanitizeFilename("a?b.markdown"))
	assert.Equal(t, "export", sanitizeFilename(""))
}

func TestTOCEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := do(t, ts, http.MethodGet, "/api/toc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Entries []struct {
			Depth int    `json:"depth"`
			Text  string `json:"text"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "Welcome", resp.Entries[0].Text)
	assert.Equal(t, 2, resp.Entries[1].Depth)

	t.Run("frontmatter is not a heading", func(t *testing.T) {
		body := `{"markdown":"---\ntitle: Notes\n---\n\n# Intro\n"}`
		require.Equal(t, http.StatusOK, do(t, ts, http.MethodPut, "/api/editor/state", body).Code)

		rec := do(t, ts, http.MethodGet, "/api/toc", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Entries, 1)
		assert.Equal(t, "Intro", resp.Entries[0].Text)
	})
}

func TestSurfaceHandshakeAndControl(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ch := initialize(t, ts)

	full := next(t, ch, preview.ChannelRenderFull)
	payload, ok := full.Payload.(preview.RenderFull)
	require.True(t, ok)
	assert.Contains(t, payload.HTML, `<h1 id="welcome">Welcome</h1>`)
	assert.Equal(t, "linux", payload.Platform)

	t.Run("scroll ratio is clamped", func(t *testing.T) {
		require.Equal(t, http.StatusNoContent, do(t, ts, http.MethodPost, "/api/editor/scroll", `{"ratio":2}`).Code)
		msg := next(t, ch, preview.ChannelScrollToRatio)
		assert.Equal(t, preview.ScrollToRatio{Ratio: 1}, msg.Payload)

		assert.Equal(t, http.StatusBadRequest, do(t, ts, http.MethodPost, "/api/editor/scroll", `{}`).Code)
	})

	t.Run("outline jump goes through the bus", func(t *testing.T) {
		require.Equal(t, http.StatusNoContent, do(t, ts, http.MethodPost, "/api/editor/toc-jump", `{"depth":2,"text":"Usage"}`).Code)
		msg := next(t, ch, preview.ChannelScrollToTarget)
		assert.Equal(t, preview.ScrollToTarget{Depth: 2, Text: "Usage"}, msg.Payload)
	})

	t.Run("resize in edit mode updates layout", func(t *testing.T) {
		require.Equal(t, http.StatusOK, do(t, ts, http.MethodPut, "/api/editor/state", `{"editorMode":"edit","splitRatio":0.3}`).Code)
		require.Equal(t, http.StatusNoContent, do(t, ts, http.MethodPost, "/api/editor/resize", `{"noteRoot":1000,"offsetParent":600,"attached":true}`).Code)

		require.Eventually(t, func() bool {
			return ts.controller.BodyWidth().String() == "700px"
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("content edits send incremental renders", func(t *testing.T) {
		require.Equal(t, http.StatusOK, do(t, ts, http.MethodPut, "/api/editor/state", `{"markdown":"- [x] shipped"}`).Code)
		msg := next(t, ch, preview.ChannelRenderUpdate)
		update, ok := msg.Payload.(preview.RenderUpdate)
		require.True(t, ok)
		assert.Contains(t, update.HTML, `<li class="task-list-li">`)
	})

	t.Run("external links open on the host only for http(s)", func(t *testing.T) {
		for _, link := range []string{"javascript:alert(1)", "/local", "https://example.com/docs"} {
			body := `{"args":["` + link + `"]}`
			require.Equal(t, http.StatusNoContent, do(t, ts, http.MethodPost, "/api/surface/link-activated", body).Code)
		}
		require.Eventually(t, func() bool { return len(ts.opener.opened()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"https://example.com/docs"}, ts.opener.opened())
	})

	t.Run("unknown surface channels are accepted and ignored", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, do(t, ts, http.MethodPost, "/api/surface/something-else", "").Code)
	})

	t.Run("devtools are gated to dev mode", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, do(t, ts, http.MethodPost, "/api/editor/devtools", "").Code)
	})
}

func TestSurfaceSignalChannels(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.surface.Close()

	// Only channels the page may emit reach the surface queue.
	assert.Equal(t, http.StatusNoContent, do(t, ts, http.MethodPost, "/api/surface/render-full", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, ts, http.MethodPost, "/api/surface/something-else", `{"args":[1]}`).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, ts, http.MethodPost, "/api/surface/surface-ready", "").Code)
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts)
	t.Cleanup(httpSrv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": ready\n", line)

	post, err := http.Post(httpSrv.URL+"/api/surface/content-initialized", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	_ = post.Body.Close()
	require.Equal(t, http.StatusNoContent, post.StatusCode)

	// Skip frames until render-full; its data line follows immediately.
	for line != "event: "+string(preview.ChannelRenderFull)+"\n" {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
	}
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)
	data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))

	var full struct {
		HTML       string  `json:"html"`
		EditorMode string  `json:"editorMode"`
		Theme      string  `json:"theme"`
		Platform   string  `json:"platform"`
		FontSize   float64 `json:"fontSize"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &full))
	assert.Contains(t, full.HTML, "Welcome")
	assert.Equal(t, "preview", full.EditorMode)
	assert.Equal(t, "light", full.Theme)
	assert.InDelta(t, 16, full.FontSize, 0)
}
