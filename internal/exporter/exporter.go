// Package exporter writes snapshots of the previewed document as standalone files.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/euforicio/mdlive/internal/renderer"
	"github.com/euforicio/mdlive/internal/renderer/d2"
)

// Format represents an export format.
type Format string

const (
	// FormatHTML exports a self-contained HTML page.
	FormatHTML Format = "html"
	// FormatMarkdown exports the markdown source unchanged.
	FormatMarkdown Format = "markdown"
	// FormatPlainText exports the rendered text without markup.
	FormatPlainText Format = "txt"
	// FormatPDF exports as PDF.
	FormatPDF Format = "pdf"
)

// ErrUnsupportedFormat is returned for formats outside ValidFormats.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// ValidFormats returns the list of supported export formats.
func ValidFormats() []Format {
	return []Format{FormatHTML, FormatMarkdown, FormatPlainText, FormatPDF}
}

// ParseFormat normalizes a user supplied format name. "md" is accepted for markdown.
func ParseFormat(raw string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(raw)))
	if f == "md" {
		f = FormatMarkdown
	}
	for _, valid := range ValidFormats() {
		if f == valid {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q (allowed: html, pdf, markdown, txt)", ErrUnsupportedFormat, raw)
}

// ContentType returns the MIME type for the given format.
func ContentType(format Format) string {
	switch format {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatPlainText:
		return "text/plain; charset=utf-8"
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// FileExtension returns the file extension for the given format.
func FileExtension(format Format) string {
	switch format {
	case FormatHTML:
		return ".html"
	case FormatMarkdown:
		return ".md"
	case FormatPlainText:
		return ".txt"
	case FormatPDF:
		return ".pdf"
	default:
		return ""
	}
}

// Options describe one export.
type Options struct {
	Writer   io.Writer
	Format   Format
	Markdown []byte
	// Title is used when the document's frontmatter has none.
	Title string
	// Theme selects the page palette and highlight style for HTML output.
	Theme string
	// WrapWidth word-wraps plain text output at this many columns when positive.
	WrapWidth int
}

// Exporter renders markdown into downloadable formats.
type Exporter struct {
	renderer  *renderer.Service
	diagrams  *diagramEncoder
	templates *templateRenderer
	logger    *slog.Logger
}

// New constructs an exporter. A nil diagrams renderer leaves ```d2 fences as
// code in PDF output.
func New(rnd *renderer.Service, diagrams *d2.Renderer, logger *slog.Logger) (*Exporter, error) {
	if rnd == nil {
		return nil, errors.New("renderer must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "exporter")

	tmpl, err := newTemplateRenderer()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	return &Exporter{
		renderer:  rnd,
		diagrams:  &diagramEncoder{d2: diagrams, logger: logger},
		templates: tmpl,
		logger:    logger,
	}, nil
}

// Export writes opts.Markdown to opts.Writer in opts.Format.
func (e *Exporter) Export(ctx context.Context, opts Options) error {
	if opts.Writer == nil {
		return errors.New("writer is required")
	}
	format, err := ParseFormat(string(opts.Format))
	if err != nil {
		return err
	}
	e.logger.Debug("exporting", slog.String("format", string(format)), slog.Int("bytes", len(opts.Markdown)))
	if err := ctx.Err(); err != nil {
		return err
	}

	switch format {
	case FormatHTML:
		return e.exportHTML(ctx, opts)
	case FormatMarkdown:
		_, err := opts.Writer.Write(opts.Markdown)
		return err
	case FormatPlainText:
		return e.exportPlainText(ctx, opts)
	case FormatPDF:
		return e.exportPDF(ctx, opts)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
