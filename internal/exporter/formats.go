package exporter

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"html/template"
	"io"
	"io/fs"
	"strings"

	"github.com/muesli/reflow/wordwrap"
	pdf "github.com/stephenafamo/goldmark-pdf"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"

	"github.com/euforicio/mdlive/internal/renderer"
	"github.com/euforicio/mdlive/static"
)

// pdfCodeStyle is used for code in PDFs regardless of theme; paper is white.
const pdfCodeStyle = "github"

func (e *Exporter) render(ctx context.Context, opts Options) (renderer.Document, error) {
	return e.renderer.RenderDocument(ctx, "", opts.Markdown)
}

func (e *Exporter) exportHTML(ctx context.Context, opts Options) error {
	doc, err := e.render(ctx, opts)
	if err != nil {
		return fmt.Errorf("render html: %w", err)
	}

	styles, err := exportStyles(opts.Theme)
	if err != nil {
		return err
	}

	title := doc.Metadata.Title
	if title == "" {
		title = opts.Title
	}

	return e.templates.render(opts.Writer, "document", documentViewData{
		Title:       title,
		Description: doc.Metadata.Description,
		Theme:       opts.Theme,
		Styles:      template.CSS(styles), //nolint:gosec // stylesheets are embedded or generated
		HTML:        template.HTML(relativeMedia(doc.HTML)), //nolint:gosec // HTML from trusted renderer
	})
}

// exportStyles inlines the surface stylesheet and the highlight theme so the
// page renders without the server.
func exportStyles(theme string) (string, error) {
	base, err := fs.ReadFile(static.FS(), "css/preview.css")
	if err != nil {
		return "", fmt.Errorf("read preview stylesheet: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(base)
	buf.WriteByte('\n')
	if err := renderer.WriteThemeCSS(&buf, theme); err != nil {
		return "", fmt.Errorf("write highlight stylesheet: %w", err)
	}
	return buf.String(), nil
}

// relativeMedia points /media/ image routes back at paths relative to the
// document, where a snapshot saved next to it will find them.
func relativeMedia(s string) string {
	return strings.ReplaceAll(s, `src="/media/`, `src="`)
}

func (e *Exporter) exportPlainText(ctx context.Context, opts Options) error {
	doc, err := e.render(ctx, opts)
	if err != nil {
		return fmt.Errorf("render text: %w", err)
	}

	text := stripHTML(doc.HTML)
	if opts.WrapWidth > 0 {
		text = wordwrap.String(text, opts.WrapWidth)
	}
	_, err = io.WriteString(opts.Writer, text)
	return err
}

func (e *Exporter) exportPDF(ctx context.Context, opts Options) error {
	source, err := e.diagrams.encode(ctx, opts.Markdown)
	if err != nil {
		return fmt.Errorf("encode diagrams: %w", err)
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			meta.Meta,
			highlighting.NewHighlighting(
				highlighting.WithStyle(pdfCodeStyle),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRenderer(pdf.New()),
	)

	if err := md.Convert(source, opts.Writer); err != nil {
		return fmt.Errorf("convert markdown to PDF: %w", err)
	}
	return nil
}

// stripHTML removes tags and decodes entities. Script and style content is dropped.
func stripHTML(s string) string {
	s = removeTagWithContent(s, "script")
	s = removeTagWithContent(s, "style")

	var result strings.Builder
	inTag := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '<':
			inTag = true
		case c == '>':
			inTag = false
		case !inTag:
			result.WriteByte(c)
		}
	}

	text := html.UnescapeString(result.String())
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

// removeTagWithContent removes all occurrences of a tag and its content.
func removeTagWithContent(s, tag string) string {
	openTag := "<" + tag
	closeTag := "</" + tag + ">"
	for {
		lower := strings.ToLower(s)
		start := strings.Index(lower, openTag)
		if start == -1 {
			return s
		}
		end := strings.Index(lower[start:], closeTag)
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+len(closeTag):]
	}
}
