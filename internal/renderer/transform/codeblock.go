// Package transform provides custom rendering transformations for markdown elements.
package transform

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// DiagramLanguage is the fence language rendered client-side by Mermaid.js.
const DiagramLanguage = "mermaid"

// HighlightFunc turns raw code into HTML that is safe to embed inside <code>.
// It must not fail; callers wrap fallible highlighters before handing them over.
type HighlightFunc func(code []byte, lang string) string

// CodeBlockRenderer writes fenced and indented code blocks.
// ```mermaid fences become <div class="mermaid"> containers Mermaid.js can hydrate,
// everything else goes through the highlighter.
type CodeBlockRenderer struct {
	highlight HighlightFunc
}

// NewCodeBlockRenderer returns a renderer using highlight for non-diagram blocks.
// A nil highlight escapes the code verbatim.
func NewCodeBlockRenderer(highlight HighlightFunc) renderer.NodeRenderer {
	return &CodeBlockRenderer{highlight: highlight}
}

// RegisterFuncs implements renderer.NodeRenderer.
func (r *CodeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
}

func (r *CodeBlockRenderer) renderCodeBlock(w util.BufWriter, source []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}

	var lang []byte
	if fenced, ok := n.(*ast.FencedCodeBlock); ok {
		lang = fenced.Language(source)
	}
	code := codeLines(n, source)

	if IsDiagramLanguage(lang) {
		_, _ = w.WriteString(`<div class="mermaid">`)
		_, _ = w.Write(util.EscapeHTML(code))
		_, _ = w.WriteString("</div>\n")
		return ast.WalkSkipChildren, nil
	}

	_, _ = w.WriteString("<pre><code")
	if len(bytes.TrimSpace(lang)) > 0 {
		_, _ = w.WriteString(` class="language-`)
		_, _ = w.Write(util.EscapeHTML(lang))
		_, _ = w.WriteString(`"`)
	}
	_, _ = w.WriteString(">")
	if r.highlight != nil {
		_, _ = w.WriteString(r.highlight(code, string(lang)))
	} else {
		_, _ = w.Write(util.EscapeHTML(code))
	}
	_, _ = w.WriteString("</code></pre>\n")
	return ast.WalkSkipChildren, nil
}

// IsDiagramLanguage reports whether a fence language names the diagram engine.
func IsDiagramLanguage(lang []byte) bool {
	return strings.EqualFold(strings.TrimSpace(string(lang)), DiagramLanguage)
}

func codeLines(n ast.Node, source []byte) []byte {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		buf.Write(line.Value(source))
	}
	return buf.Bytes()
}
