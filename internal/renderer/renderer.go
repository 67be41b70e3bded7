// Package renderer converts markdown to preview HTML with task lists, syntax
// highlighting and diagram blocks.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"path"
	"strings"

	"github.com/yuin/goldmark"
	goldmarkmeta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	htmlrenderer "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
	"go.abhg.dev/goldmark/anchor"

	"github.com/euforicio/mdlive/internal/renderer/d2"
	"github.com/euforicio/mdlive/internal/renderer/transform"
	"github.com/euforicio/mdlive/internal/toc"
)

// overridePriority sits above goldmark's HTML renderer (1000) and the GFM
// task checkbox renderer (500).
const overridePriority = 100

// Metadata captures optional frontmatter data rendered alongside a document.
type Metadata struct {
	Raw         map[string]any
	Title       string
	Description string
	Tags        []string
}

// IsZero reports whether the metadata carries any meaningful values.
func (m Metadata) IsZero() bool {
	if m.Title != "" || m.Description != "" || len(m.Tags) > 0 {
		return false
	}
	return len(m.Raw) == 0
}

// Document represents a rendered markdown file.
//
//nolint:govet // field order optimized for readability, not memory
type Document struct {
	HTML     string
	Metadata Metadata
	TOC      []toc.Entry
	Raw      string
}

// Options toggle the optional parts of the pipeline.
type Options struct {
	// Highlighter colours code blocks. Nil uses Chroma.
	Highlighter Highlighter
	// Frontmatter strips a leading YAML block into Document.Metadata.
	Frontmatter bool
	// HeadingAnchors appends a permalink anchor to every heading.
	HeadingAnchors bool
	// Diagrams compiles ```d2 fences server-side. Nil leaves them as code.
	Diagrams *d2.Renderer
}

// Service renders markdown into HTML. Render is a pure, total function of
// its input.
type Service struct {
	md          goldmark.Markdown
	logger      *slog.Logger
	frontmatter bool
}

var docPathKey = parser.NewContextKey()

// mediaTransformer rewrites relative image paths to /media/ routes served from
// the previewed document's directory.
type mediaTransformer struct{}

func (t *mediaTransformer) Transform(node *ast.Document, _ text.Reader, pc parser.Context) {
	currentPath := ""
	if v := pc.Get(docPathKey); v != nil {
		if str, ok := v.(string); ok {
			currentPath = str
		}
	}
	currentDir := path.Dir(currentPath)

	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if img, ok := n.(*ast.Image); ok {
			transformImage(img, currentDir)
		}
		return ast.WalkContinue, nil
	})
}

func transformImage(img *ast.Image, currentDir string) {
	dest := string(img.Destination)
	if dest == "" || hasScheme(dest) || strings.HasPrefix(dest, "/media/") || strings.HasPrefix(dest, "/static/") {
		return
	}
	img.Destination = []byte("/media/" + normalizeMediaPath(dest, currentDir))
}

func hasScheme(dest string) bool {
	lower := strings.ToLower(dest)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "data:") ||
		strings.HasPrefix(dest, "//")
}

func normalizeMediaPath(dest, currentDir string) string {
	if !strings.HasPrefix(dest, "/") {
		if currentDir != "" && currentDir != "." {
			dest = path.Join(currentDir, dest)
		}
		dest = path.Clean(dest)
	}
	return strings.TrimPrefix(dest, "/")
}

// NewService constructs the preview renderer:
//   - GitHub-flavored markdown (tables, strikethrough, autolinks, task lists)
//   - soft line breaks, no smart punctuation
//   - raw HTML passthrough, the preview page is sandboxed
//   - task list items tagged with the task-list-li class
//   - ```mermaid fences wrapped for client-side rendering, other code highlighted
//
// If logger is nil, the default slog logger is used.
func NewService(logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "renderer")

	highlighter := opts.Highlighter
	if highlighter == nil {
		highlighter = NewChromaHighlighter()
	}

	taskList := transform.NewTaskListRenderer()
	nodeRenderers := []util.PrioritizedValue{
		util.Prioritized(taskList, overridePriority),
		util.Prioritized(transform.NewCodeBlockRenderer(safeHighlight(highlighter, logger)), overridePriority),
	}
	transformers := []util.PrioritizedValue{
		util.Prioritized(&mediaTransformer{}, 100),
	}

	extensions := []goldmark.Extender{extension.GFM}
	if opts.Frontmatter {
		extensions = append(extensions, goldmarkmeta.Meta)
	}
	if opts.HeadingAnchors {
		extensions = append(extensions, &anchor.Extender{Position: anchor.After})
	}
	if opts.Diagrams != nil {
		transformers = append(transformers, util.Prioritized(transform.NewD2Transformer(opts.Diagrams, logger), 200))
		nodeRenderers = append(nodeRenderers, util.Prioritized(transform.NewD2BlockRenderer(), overridePriority))
	}

	md := goldmark.New(
		goldmark.WithExtensions(extensions...),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
			parser.WithASTTransformers(transformers...),
		),
		goldmark.WithRendererOptions(
			htmlrenderer.WithUnsafe(),
			renderer.WithNodeRenderers(nodeRenderers...),
		),
	)
	taskList.Bind(md.Renderer())

	return &Service{
		md:          md,
		logger:      logger,
		frontmatter: opts.Frontmatter,
	}
}

// Render converts markdown to HTML. It never fails: if conversion breaks down
// the escaped source is returned inside <pre>.
func (s *Service) Render(markdown string) string {
	html, _, err := s.convert("", []byte(markdown))
	if err != nil {
		s.logger.Warn("render markdown failed", slog.Any("err", err))
		return "<pre>" + template.HTMLEscapeString(markdown) + "</pre>\n"
	}
	return html
}

// RenderDocument converts a whole document with its frontmatter and outline.
// The path resolves relative image references.
func (s *Service) RenderDocument(ctx context.Context, path string, content []byte) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	html, parserCtx, err := s.convert(path, content)
	if err != nil {
		return Document{}, fmt.Errorf("render markdown: %w", err)
	}

	return Document{
		HTML:     html,
		Metadata: extractMetadata(parserCtx),
		TOC:      s.Outline(string(content)),
		Raw:      string(content),
	}, nil
}

// Outline lists the headings of markdown, skipping a frontmatter block when
// frontmatter is enabled.
func (s *Service) Outline(markdown string) []toc.Entry {
	return toc.Collect(s.body([]byte(markdown)))
}

// body returns the markdown after any frontmatter block, so the YAML fence is
// not mistaken for a setext heading.
func (s *Service) body(content []byte) string {
	src := string(content)
	if !s.frontmatter || !strings.HasPrefix(src, "---") {
		return src
	}
	first := strings.IndexByte(src, '\n')
	if first < 0 || strings.TrimSpace(src[:first]) != "---" {
		return src
	}
	rest := src[first+1:]
	for offset := 0; offset < len(rest); {
		end := strings.IndexByte(rest[offset:], '\n')
		line := rest[offset:]
		if end >= 0 {
			line = rest[offset : offset+end]
		}
		if trimmed := strings.TrimSpace(line); trimmed == "---" || trimmed == "..." {
			if end < 0 {
				return ""
			}
			return rest[offset+end+1:]
		}
		if end < 0 {
			break
		}
		offset += end + 1
	}
	return src
}

func (s *Service) convert(path string, content []byte) (html string, pc parser.Context, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("markdown converter panicked: %v", rec)
		}
	}()

	pc = parser.NewContext()
	pc.Set(docPathKey, path)
	var buf bytes.Buffer
	if err := s.md.Convert(content, &buf, parser.WithContext(pc)); err != nil {
		return "", pc, err
	}
	return buf.String(), pc, nil
}

func extractMetadata(ctx parser.Context) Metadata {
	var meta Metadata
	if ctx == nil {
		return meta
	}
	raw := goldmarkmeta.Get(ctx)
	if raw == nil {
		return meta
	}

	meta.Raw = make(map[string]any)
	for k, v := range raw {
		meta.Raw[k] = v
		switch k {
		case "title":
			if str, ok := toString(v); ok {
				meta.Title = str
			}
		case "description", "summary":
			if str, ok := toString(v); ok {
				meta.Description = str
			}
		case "tags", "keywords":
			meta.Tags = toStringSlice(v)
		}
	}

	if len(meta.Raw) == 0 {
		meta.Raw = nil
	}

	return meta
}

func toString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case fmt.Stringer:
		return val.String(), true
	default:
		return "", false
	}
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if str, ok := toString(item); ok {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return append([]string(nil), vv...)
	default:
		if str, ok := toString(v); ok {
			return []string{str}
		}
		return nil
	}
}
