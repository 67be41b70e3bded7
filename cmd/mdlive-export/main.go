// Package main provides the mdlive snapshot export CLI.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/euforicio/mdlive/internal/buildinfo"
	"github.com/euforicio/mdlive/internal/config"
	"github.com/euforicio/mdlive/internal/exporter"
	"github.com/euforicio/mdlive/internal/renderer"
	"github.com/euforicio/mdlive/internal/renderer/d2"
)

func main() {
	cfg := config.Default()
	config.ApplyEnvOverrides(&cfg)

	flags := pflag.NewFlagSet("mdlive-export", pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mdlive-export [flags] <file.md>\n\n")
		flags.PrintDefaults()
	}
	flags.StringVar(&cfg.Theme, "theme", cfg.Theme, "page theme and highlight style for HTML output")
	flags.BoolVar(&cfg.Frontmatter, "frontmatter", cfg.Frontmatter, "parse YAML frontmatter instead of rendering it")
	flags.BoolVar(&cfg.Anchors, "anchors", cfg.Anchors, "add permalink anchors to headings")
	flags.BoolVar(&cfg.D2, "d2", cfg.D2, "render ```d2 blocks to images")
	format := flags.StringP("format", "f", string(exporter.FormatHTML), "export format: html, pdf, markdown or txt")
	out := flags.StringP("out", "o", "", "output file (default: next to the document, - for stdout)")
	wrap := flags.Int("wrap", 0, "wrap plain text at this many columns (default: terminal width when printing to one)")
	copyOut := flags.Bool("copy", false, "copy the export to the clipboard instead of writing a file (text formats only)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		slog.Error("flag parsing failed", slog.Any("err", err))
		os.Exit(1)
	}
	if flags.NArg() > 0 {
		cfg.File = flags.Arg(0)
	}

	if err := config.Finalize(&cfg); err != nil {
		flags.Usage()
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}
	f, err := exporter.ParseFormat(*format)
	if err != nil {
		slog.Error("invalid format", slog.Any("err", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("starting mdlive-export", slog.String("version", buildinfo.Summary()))

	target := output{path: *out, wrap: *wrap, clipboard: *copyOut}
	if err := run(context.Background(), cfg, f, target, logger); err != nil {
		logger.Error("export failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// output says where an export goes.
type output struct {
	path      string
	wrap      int
	clipboard bool
}

func (o output) stdout() bool {
	return o.path == "-"
}

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// wrapWidth picks the plain text width: explicit, else the terminal's when
// printing to one.
func (o output) wrapWidth() int {
	if o.wrap > 0 || !o.stdout() || !stdoutIsTerminal() {
		return o.wrap
	}
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, format exporter.Format, out output, logger *slog.Logger) error {
	if out.clipboard && format == exporter.FormatPDF {
		return errors.New("PDF exports cannot be copied to the clipboard")
	}
	if out.stdout() && format == exporter.FormatPDF && stdoutIsTerminal() {
		return errors.New("refusing to print a PDF to the terminal; use --out")
	}

	raw, err := os.ReadFile(cfg.File)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}

	var diagrams *d2.Renderer
	if cfg.D2 {
		diagrams = d2.New(logger, nil)
	}
	rendererSvc := renderer.NewService(logger, renderer.Options{
		Frontmatter:    cfg.Frontmatter,
		HeadingAnchors: cfg.Anchors,
		Diagrams:       diagrams,
	})
	exp, err := exporter.New(rendererSvc, diagrams, logger)
	if err != nil {
		return fmt.Errorf("init exporter: %w", err)
	}

	var buf bytes.Buffer
	if err := exp.Export(ctx, exporter.Options{
		Writer:    &buf,
		Format:    format,
		Markdown:  raw,
		Title:     filepath.Base(cfg.File),
		Theme:     cfg.Theme,
		WrapWidth: out.wrapWidth(),
	}); err != nil {
		return err
	}

	switch {
	case out.clipboard:
		if err := clipboard.WriteAll(buf.String()); err != nil {
			return fmt.Errorf("copy to clipboard: %w", err)
		}
		logger.Info("export copied to clipboard", slog.String("format", string(format)))
		return nil
	case out.stdout():
		_, err := buf.WriteTo(os.Stdout)
		return err
	}

	path := out.path
	if path == "" {
		path = strings.TrimSuffix(cfg.File, filepath.Ext(cfg.File)) + exporter.FileExtension(format)
	}
	if abs, err := filepath.Abs(path); err == nil && abs == cfg.File {
		return fmt.Errorf("refusing to overwrite the source document %s", cfg.File)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil { //nolint:gosec // exports are meant to be shared
		return fmt.Errorf("write %s: %w", path, err)
	}
	logger.Info("export succeeded", slog.String("output", path), slog.String("format", string(format)))
	return nil
}
