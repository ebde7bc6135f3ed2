package viewer

import (
	"bytes"
	_ "embed"
	"html/template"
	"strings"

	"github.com/tdewolff/minify/v2"
	mhtml "github.com/tdewolff/minify/v2/html"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/petervdpas/huddle/internal/feed"
)

//go:embed page.html
var pageHTML string

type pageData struct {
	Title    string
	Status   string
	Messages []feed.View
	People   []Person
}

type pageRenderer struct {
	tmpl *template.Template
	min  *minify.M
}

func newPageRenderer() (*pageRenderer, error) {
	// Raw HTML in messages is escaped; newlines become <br>.
	md := goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
	funcs := template.FuncMap{
		"text": func(lines []string) template.HTML {
			var buf bytes.Buffer
			if err := md.Convert([]byte(strings.Join(lines, "\n")), &buf); err != nil {
				return template.HTML(template.HTMLEscapeString(strings.Join(lines, " ")))
			}
			return template.HTML(buf.String())
		},
	}
	tmpl, err := template.New("page").Funcs(funcs).Parse(pageHTML)
	if err != nil {
		return nil, err
	}
	m := minify.New()
	m.AddFunc("text/html", mhtml.Minify)
	return &pageRenderer{tmpl: tmpl, min: m}, nil
}

func (p *pageRenderer) render(d pageData) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, d); err != nil {
		return nil, err
	}
	out, err := p.min.Bytes("text/html", buf.Bytes())
	if err != nil {
		log.Warnf("minify: %v (serving original)", err)
		return buf.Bytes(), nil
	}
	return out, nil
}
