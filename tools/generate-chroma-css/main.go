// Package main generates Chroma CSS stylesheets for syntax highlighting.
package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/euforicio/mdlive/internal/renderer"
)

func main() {
	flags := pflag.NewFlagSet("generate-chroma-css", pflag.ExitOnError)
	theme := flags.String("theme", "dark", "preview theme or chroma style name")
	out := flags.StringP("out", "o", "", "write the stylesheet to this file instead of stdout")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	if err := renderer.WriteThemeCSS(&buf, *theme); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating CSS: %v\n", err)
		os.Exit(1)
	}

	if *out == "" {
		if _, err := buf.WriteTo(os.Stdout); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output dir: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, buf.Bytes(), 0o644); err != nil { //nolint:gosec // generated stylesheet is public
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "wrote %s style for theme %q to %s\n", renderer.ChromaStyle(*theme), *theme, *out)
}
