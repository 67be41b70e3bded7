package renderer

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// Highlighter turns a code block into HTML placed inside <pre><code>.
// The output must already be escaped. An empty lang asks for auto-detection.
type Highlighter interface {
	Highlight(code, lang string) (string, error)
}

// HighlighterFunc adapts a plain function to Highlighter.
type HighlighterFunc func(code, lang string) (string, error)

// Highlight implements Highlighter.
func (f HighlighterFunc) Highlight(code, lang string) (string, error) {
	return f(code, lang)
}

// ChromaHighlighter emits class-based Chroma markup; the matching stylesheet is
// served separately per theme.
type ChromaHighlighter struct {
	formatter *html.Formatter
	style     *chroma.Style
}

// NewChromaHighlighter returns a highlighter that emits classes only, so the
// style only matters for token bookkeeping.
func NewChromaHighlighter() *ChromaHighlighter {
	return &ChromaHighlighter{
		formatter: html.New(
			html.WithClasses(true),
			html.PreventSurroundingPre(true),
		),
		style: styles.Get("github"),
	}
}

// Highlight implements Highlighter.
func (h *ChromaHighlighter) Highlight(code, lang string) (string, error) {
	lexer := lexers.Get(strings.TrimSpace(lang))
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return "", fmt.Errorf("tokenise %s: %w", lang, err)
	}

	var buf bytes.Buffer
	if err := h.formatter.Format(&buf, h.style, iterator); err != nil {
		return "", fmt.Errorf("format %s: %w", lang, err)
	}
	return buf.String(), nil
}

// safeHighlight wraps a Highlighter so that errors and panics degrade to
// escaped, unhighlighted code.
func safeHighlight(h Highlighter, logger *slog.Logger) func(code []byte, lang string) string {
	return func(code []byte, lang string) (out string) {
		fallback := template.HTMLEscapeString(string(code))
		if h == nil {
			return fallback
		}
		defer func() {
			if rec := recover(); rec != nil {
				logger.Warn("highlighter panicked", slog.String("lang", lang), slog.Any("panic", rec))
				out = fallback
			}
		}()
		highlighted, err := h.Highlight(string(code), lang)
		if err != nil {
			logger.Debug("highlight failed", slog.String("lang", lang), slog.Any("err", err))
			return fallback
		}
		return highlighted
	}
}

// WriteThemeCSS writes the Chroma stylesheet matching a preview theme.
func WriteThemeCSS(w io.Writer, theme string) error {
	formatter := html.New(html.WithClasses(true))
	return formatter.WriteCSS(w, styles.Get(ChromaStyle(theme)))
}

// ChromaStyle maps a preview theme name to a Chroma style.
func ChromaStyle(theme string) string {
	switch strings.ToLower(strings.TrimSpace(theme)) {
	case "dark", "night":
		return "github-dark"
	case "", "light", "normal":
		return "github"
	default:
		if styles.Registry[strings.ToLower(theme)] != nil {
			return strings.ToLower(theme)
		}
		return "github"
	}
}
