// Package mdlive is a live markdown preview server.
//
// Pregenerate the syntax highlighting stylesheets served by /theme/{theme}/chroma.css using:
//
//	go generate
package mdlive

//go:generate go run ./tools/generate-chroma-css --theme light --out static/css/chroma-github.css
//go:generate go run ./tools/generate-chroma-css --theme dark --out static/css/chroma-github-dark.css
