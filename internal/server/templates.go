package server

import (
	"embed"
	"html/template"
	"io"
	"strconv"
)

//go:embed templates/*.gohtml
var templateFS embed.FS

// mermaidAsset is served when a mermaid bundle has been vendored into static/.
const mermaidAsset = "vendor/mermaid.min.js"

type templateRenderer struct {
	tmpl *template.Template
}

func newTemplateRenderer() (*templateRenderer, error) {
	funcs := template.FuncMap{
		"px": func(v float64) string {
			return strconv.FormatFloat(v, 'f', -1, 64) + "px"
		},
	}

	base, err := template.New("layout").Funcs(funcs).ParseFS(templateFS, "templates/*.gohtml")
	if err != nil {
		return nil, err
	}

	return &templateRenderer{tmpl: base}, nil
}

func (r *templateRenderer) render(w io.Writer, name string, data any) error {
	return r.tmpl.ExecuteTemplate(w, name, data)
}

type shellViewData struct { //nolint:govet // struct fields grouped for template readability
	Title       string
	Theme       string
	ThemeCSSURL string
	RootClasses string
	BodyWidth   string
	FontSize    float64
	Loading     bool
	Mermaid     bool
	Dev         bool
}
