package page

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	cellLanguage = "python"
	widgetMarker = "widget"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
)

type fence struct {
	widget bool
}

// parseMarkdown renders a GitBook-style markdown source and rewrites every
// python fence into a code cell. Fences whose info string mentions "widget"
// also get an output slot and a status button.
func parseMarkdown(src []byte) (*html.Node, error) {
	doc := markdown.Parser().Parse(text.NewReader(src))

	var fences []fence
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindFencedCodeBlock {
			return ast.WalkContinue, nil
		}
		fcb := n.(*ast.FencedCodeBlock)
		if string(fcb.Language(src)) != cellLanguage {
			return ast.WalkSkipChildren, nil
		}
		info := ""
		if fcb.Info != nil {
			info = string(fcb.Info.Segment.Value(src))
		}
		fences = append(fences, fence{widget: strings.Contains(info, widgetMarker)})
		return ast.WalkSkipChildren, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk markdown: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"></head><body>")
	if err := markdown.Renderer().Render(&buf, src, doc); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	buf.WriteString("</body></html>")

	root, err := html.Parse(&buf)
	if err != nil {
		return nil, fmt.Errorf("parse rendered markdown: %w", err)
	}

	codes := findAll(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Code &&
			n.Parent != nil && n.Parent.DataAtom == atom.Pre &&
			hasClass(n, "language-"+cellLanguage)
	})
	if len(codes) != len(fences) {
		return nil, fmt.Errorf("markdown cells: found %d fences but %d code blocks", len(fences), len(codes))
	}
	for i, code := range codes {
		wrapCell(code.Parent, fences[i].widget)
	}
	return root, nil
}

// wrapCell replaces pre with the code cell structure of a notebook page.
func wrapCell(pre *html.Node, widget bool) {
	cell := element(atom.Div, "class", "cell "+classCodeCell)
	input := element(atom.Div, "class", "input")
	area := element(atom.Div, "class", classInputArea)

	pre.Parent.InsertBefore(cell, pre)
	detach(pre)
	area.AppendChild(pre)
	input.AppendChild(area)
	cell.AppendChild(input)

	if widget {
		cell.AppendChild(element(atom.Div, "class", classWidgetView))
		btn := element(atom.Button, "class", classButton)
		btn.AppendChild(&html.Node{Type: html.TextNode, Data: DefaultButtonText})
		cell.AppendChild(btn)
	}
}
