package transform

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"

	d2renderer "github.com/euforicio/mdlive/internal/renderer/d2"
)

const d2Language = "d2"

// D2Compiler compiles D2 source into SVG.
type D2Compiler interface {
	Render(ctx context.Context, source string) (d2renderer.Result, error)
}

// D2Transformer replaces fenced ```d2 blocks with pre-rendered diagram nodes.
type D2Transformer struct {
	compiler D2Compiler
	logger   *slog.Logger
}

// NewD2Transformer constructs an AST transformer. A nil compiler makes it a no-op.
func NewD2Transformer(compiler D2Compiler, logger *slog.Logger) parser.ASTTransformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &D2Transformer{compiler: compiler, logger: logger}
}

// Transform implements parser.ASTTransformer.
func (t *D2Transformer) Transform(node *ast.Document, reader text.Reader, _ parser.Context) {
	if t.compiler == nil || node == nil {
		return
	}
	t.walk(node, reader.Source())
}

func (t *D2Transformer) walk(parent ast.Node, source []byte) {
	for child := parent.FirstChild(); child != nil; {
		next := child.NextSibling()

		if block, ok := child.(*ast.FencedCodeBlock); ok && isD2Block(block, source) {
			replacement := t.compile(block, source)
			replacement.SetBlankPreviousLines(block.HasBlankPreviousLines())
			parent.ReplaceChild(parent, block, replacement)
			child = next
			continue
		}

		if child.HasChildren() {
			t.walk(child, source)
		}
		child = next
	}
}

func (t *D2Transformer) compile(block *ast.FencedCodeBlock, source []byte) *D2Block {
	src := string(codeLines(block, source))
	result, err := t.compiler.Render(context.Background(), src)
	if err != nil {
		t.logger.Warn("d2 render failed", slog.Any("err", err))
		return &D2Block{Source: src, Error: err.Error()}
	}
	return &D2Block{Source: src, SVG: result.SVG, Runtime: result.Duration}
}

func isD2Block(block *ast.FencedCodeBlock, source []byte) bool {
	return strings.EqualFold(strings.TrimSpace(string(block.Language(source))), d2Language)
}

// D2Block is a compiled diagram stored directly in the AST.
type D2Block struct {
	ast.BaseBlock
	Source  string
	SVG     string
	Error   string
	Runtime time.Duration
}

// KindD2Block is the node kind of D2Block.
var KindD2Block = ast.NewNodeKind("D2Block")

// Kind implements ast.Node.
func (b *D2Block) Kind() ast.NodeKind {
	return KindD2Block
}

// IsRaw marks the node as raw HTML.
func (b *D2Block) IsRaw() bool {
	return true
}

// Dump implements ast.Node.
func (b *D2Block) Dump(source []byte, level int) {
	info := map[string]string{"Source": fmt.Sprintf("%d bytes", len(b.Source))}
	if b.Error != "" {
		info["Error"] = fmt.Sprintf("%q", b.Error)
	}
	ast.DumpHelper(b, source, level, info, nil)
}

// D2BlockRenderer writes compiled diagrams. Failed compilations show the error
// and keep the source in a data attribute so the page can offer it for copying.
type D2BlockRenderer struct{}

// NewD2BlockRenderer returns a renderer for D2 nodes.
func NewD2BlockRenderer() renderer.NodeRenderer {
	return &D2BlockRenderer{}
}

// RegisterFuncs implements renderer.NodeRenderer.
func (r *D2BlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(KindD2Block, r.renderD2Block)
}

func (r *D2BlockRenderer) renderD2Block(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkSkipChildren, nil
	}
	block, ok := node.(*D2Block)
	if !ok {
		return ast.WalkSkipChildren, nil
	}

	var out bytes.Buffer
	out.WriteString(`<div class="d2-block"`)
	if block.Runtime > 0 {
		fmt.Fprintf(&out, ` data-runtime-ms="%d"`, block.Runtime.Milliseconds())
	}
	fmt.Fprintf(&out, ` data-source-b64="%s">`, base64.StdEncoding.EncodeToString([]byte(block.Source)))
	if block.Error != "" {
		out.WriteString(`<div class="d2-error">` + html.EscapeString(block.Error) + `</div>`)
	} else {
		out.WriteString(block.SVG)
	}
	out.WriteString("</div>\n")

	if _, err := w.Write(out.Bytes()); err != nil {
		return ast.WalkStop, err
	}
	return ast.WalkSkipChildren, nil
}
