package exporter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"

	"github.com/euforicio/mdlive/internal/renderer/d2"
)

var errD2Unavailable = errors.New("d2 renderer unavailable")

const (
	// mermaidCLI is the mermaid-cli binary looked up on PATH.
	mermaidCLI = "mmdc"
	// mermaidTimeout bounds one mermaid-cli invocation.
	mermaidTimeout = 15 * time.Second
	// fallbackCanvas is used for SVGs without a usable viewBox.
	fallbackCanvasW, fallbackCanvasH = 800, 600
)

// diagramEncoder swaps diagram fences for PNG data URI images, since the PDF
// writer only understands plain markdown. A diagram that cannot be rasterized
// stays a code block.
type diagramEncoder struct {
	d2     *d2.Renderer
	logger *slog.Logger
}

// openFence is a fenced block being scanned.
type openFence struct {
	marker  string
	lang    string
	diagram bool
	body    bytes.Buffer
}

func (f *openFence) closedBy(line string) bool {
	return line == strings.Repeat(f.marker[:1], len(f.marker))
}

func (f *openFence) writeSource(out *bytes.Buffer, closed bool) {
	writeLine(out, f.marker+f.lang)
	out.Write(f.body.Bytes())
	if closed {
		writeLine(out, f.marker)
	}
}

func (e *diagramEncoder) encode(ctx context.Context, raw []byte) ([]byte, error) {
	var (
		out     bytes.Buffer
		current *openFence
	)

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if current == nil {
			if marker, lang, ok := parseFenceStart(trimmed); ok {
				current = &openFence{marker: marker, lang: lang, diagram: diagramKind(lang) != ""}
				if !current.diagram {
					writeLine(&out, line)
				}
				continue
			}
			writeLine(&out, line)
			continue
		}

		if !current.closedBy(trimmed) {
			if current.diagram {
				writeLine(&current.body, line)
			} else {
				writeLine(&out, line)
			}
			continue
		}

		if current.diagram {
			e.flush(ctx, &out, current)
		} else {
			writeLine(&out, line)
		}
		current = nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan markdown: %w", err)
	}

	if current != nil && current.diagram {
		current.writeSource(&out, false)
	}
	return out.Bytes(), nil
}

// flush writes a closed diagram fence as an image, or as its source when
// rasterizing fails. Empty diagrams are dropped.
func (e *diagramEncoder) flush(ctx context.Context, out *bytes.Buffer, f *openFence) {
	source := f.body.String()
	if strings.TrimSpace(source) == "" {
		return
	}

	kind := diagramKind(f.lang)
	img, err := e.rasterize(ctx, kind, source)
	if err != nil {
		if e.logger != nil {
			e.logger.Debug("diagram kept as source", slog.String("kind", kind), slog.Any("err", err))
		}
		f.writeSource(out, true)
		return
	}
	fmt.Fprintf(out, "![%s diagram](data:image/png;base64,%s)\n\n", diagramLabel(kind), base64.StdEncoding.EncodeToString(img))
}

func (e *diagramEncoder) rasterize(ctx context.Context, kind, source string) ([]byte, error) {
	switch kind {
	case "d2":
		if e == nil || e.d2 == nil {
			return nil, errD2Unavailable
		}
		res, err := e.d2.Render(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("render d2: %w", err)
		}
		img, err := svgToPNG([]byte(res.SVG))
		if err != nil {
			return nil, fmt.Errorf("rasterize d2 svg: %w", err)
		}
		return img, nil
	case "mermaid":
		img, err := renderMermaidWithCLI(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("render mermaid: %w", err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unknown diagram kind %q", kind)
	}
}

// diagramKind returns "d2" or "mermaid" for diagram fence languages, else "".
func diagramKind(lang string) string {
	switch kind := strings.ToLower(strings.TrimSpace(lang)); kind {
	case "d2", "mermaid":
		return kind
	default:
		return ""
	}
}

func diagramLabel(kind string) string {
	if kind == "d2" {
		return "D2"
	}
	return "Mermaid"
}

func parseFenceStart(line string) (marker, lang string, ok bool) {
	if line == "" || (line[0] != '`' && line[0] != '~') {
		return "", "", false
	}
	n := len(line) - len(strings.TrimLeft(line, line[:1]))
	if n < 3 {
		return "", "", false
	}
	return line[:n], strings.TrimSpace(line[n:]), true
}

func writeLine(buf *bytes.Buffer, line string) {
	buf.WriteString(line)
	buf.WriteByte('\n')
}

// svgToPNG rasterizes an SVG at its viewBox size.
func svgToPNG(svg []byte) ([]byte, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(svg))
	if err != nil {
		return nil, fmt.Errorf("parse svg: %w", err)
	}

	width := int(math.Ceil(icon.ViewBox.W))
	height := int(math.Ceil(icon.ViewBox.H))
	if width <= 0 || height <= 0 {
		width, height = fallbackCanvasW, fallbackCanvasH
	}
	icon.SetTarget(0, 0, float64(width), float64(height))

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	scanner := rasterx.NewScannerGV(width, height, canvas, canvas.Bounds())
	icon.Draw(rasterx.NewDasher(width, height, scanner), 1.0)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func renderMermaidWithCLI(ctx context.Context, source string) ([]byte, error) {
	bin, err := exec.LookPath(mermaidCLI)
	if err != nil {
		return nil, fmt.Errorf("%s not found: %w", mermaidCLI, err)
	}

	tmpDir, err := os.MkdirTemp("", "mdlive-mermaid-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	inPath := filepath.Join(tmpDir, "diagram.mmd")
	outPath := filepath.Join(tmpDir, "diagram.png")
	if err := os.WriteFile(inPath, []byte(source), 0o600); err != nil {
		return nil, fmt.Errorf("write diagram source: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, mermaidTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "-i", inPath, "-o", outPath, "-b", "white", "-s", "2", "--quiet")
	cmd.Dir = tmpDir
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s failed: %w; output: %s", mermaidCLI, err, output)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read rendered diagram: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s produced an empty image", mermaidCLI)
	}
	return data, nil
}
