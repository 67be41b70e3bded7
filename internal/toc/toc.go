// Package toc derives a table of contents from markdown headings.
package toc

import (
	"bytes"
	"iter"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// Entry is one heading in document order.
type Entry struct {
	Depth int    `json:"depth"`
	Text  string `json:"text"`
	// Offset is the byte offset of the heading's first source line. Consumers
	// should treat it as opaque.
	Offset int `json:"offset"`
}

// Target is what the outline view asks the preview to scroll to.
type Target struct {
	Depth int    `json:"depth"`
	Text  string `json:"text"`
}

// Target returns the scroll target for the entry.
func (e Entry) Target() Target {
	return Target{Depth: e.Depth, Text: e.Text}
}

// Valid reports whether both fields needed to locate a heading are present.
func (t Target) Valid() bool {
	return t.Depth > 0 && t.Text != ""
}

// blockParser only lexes; the heading walk never renders HTML.
// goldmark parsers are safe for concurrent use once built.
var blockParser = goldmark.New(goldmark.WithExtensions(extension.GFM)).Parser()

// Extract returns the headings of markdown in document order.
// Each iteration parses the input afresh, so the sequence can be ranged over
// any number of times.
func Extract(markdown string) iter.Seq[Entry] {
	source := []byte(markdown)
	return func(yield func(Entry) bool) {
		doc := blockParser.Parse(text.NewReader(source), parser.WithContext(parser.NewContext()))
		_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
			if !entering {
				return ast.WalkContinue, nil
			}
			heading, ok := n.(*ast.Heading)
			if !ok {
				return ast.WalkContinue, nil
			}
			entry := Entry{
				Depth:  heading.Level,
				Text:   plainText(heading, source),
				Offset: offset(heading),
			}
			if !yield(entry) {
				return ast.WalkStop, nil
			}
			return ast.WalkSkipChildren, nil
		})
	}
}

// Collect gathers Extract into a slice.
func Collect(markdown string) []Entry {
	entries := []Entry{}
	for e := range Extract(markdown) {
		entries = append(entries, e)
	}
	return entries
}

func plainText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := child.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		case *ast.CodeSpan:
			for c := t.FirstChild(); c != nil; c = c.NextSibling() {
				if seg, ok := c.(*ast.Text); ok {
					buf.Write(seg.Segment.Value(source))
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			buf.Write(t.Label(source))
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return string(bytes.TrimSpace(buf.Bytes()))
}

func offset(n ast.Node) int {
	if lines := n.Lines(); lines != nil && lines.Len() > 0 {
		return lines.At(0).Start
	}
	return -1
}
