// Package page is the document side of nbinteract: it finds the code cells
// of a rendered notebook page, exposes the status buttons and widget output
// slots they own, and writes the page back out with rendered widget views
// and embedded widget state.
//
// Pages are either notebook HTML exports or GitBook markdown sources; both
// are held as a parsed HTML tree. Every method is safe for concurrent use.
package page

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/cocoonstack/nbinteract/utils"
)

const (
	classCodeCell   = "code_cell"
	classInputArea  = "input_area"
	classWidgetView = "output_widget_view"
	classButton     = "js-nbinteract-widget"

	// DefaultButtonText is shown on buttons before any kernel activity.
	DefaultButtonText = "Show Widgets"

	MimeWidgetView  = "application/vnd.jupyter.widget-view+json"
	MimeWidgetState = "application/vnd.jupyter.widget-state+json"

	stateScriptID = "nbinteract-widget-state"
)

var ErrNoSuchCell = errors.New("no such cell")

// Format is the source format of a page.
type Format int

const (
	FormatHTML Format = iota
	FormatMarkdown
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown
	default:
		return FormatHTML
	}
}

// Cell is a snapshot of one code cell.
type Cell struct {
	Index  int
	Source string
	// Widget reports whether the cell owns an output slot or a button.
	Widget bool
}

type cell struct {
	node   *html.Node
	source string
}

// Page is a parsed document.
type Page struct {
	path   string
	format Format

	mu    sync.Mutex
	doc   *html.Node
	cells []cell
}

// Load parses the page at path.
func Load(path string) (*Page, error) {
	p := &Page{path: path, format: FormatOf(path)}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Parse reads a page from r.
func Parse(r io.Reader, format Format) (*Page, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	p := &Page{format: format}
	if err := p.load(src); err != nil {
		return nil, err
	}
	return p, nil
}

// Path returns the file the page was loaded from.
func (p *Page) Path() string { return p.path }

// Reload re-reads the page from disk, discarding rendered widgets.
func (p *Page) Reload() error {
	if p.path == "" {
		return fmt.Errorf("reload: page was not loaded from a file")
	}
	src, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read page %s: %w", p.path, err)
	}
	return p.load(src)
}

func (p *Page) load(src []byte) error {
	var (
		doc *html.Node
		err error
	)
	if p.format == FormatMarkdown {
		doc, err = parseMarkdown(src)
	} else {
		doc, err = html.Parse(bytes.NewReader(src))
	}
	if err != nil {
		return fmt.Errorf("parse page: %w", err)
	}
	cells := lo.Map(findAll(doc, byClass(classCodeCell)), func(n *html.Node, _ int) cell {
		src := ""
		if area := findFirst(n, byClass(classInputArea)); area != nil {
			src = strings.TrimSpace(textContent(area))
		}
		return cell{node: n, source: src}
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = doc
	p.cells = cells
	return nil
}

// CodeCells returns the cells that carry source code.
func (p *Page) CodeCells() []Cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Cell
	for i, c := range p.cells {
		if c.source == "" {
			continue
		}
		out = append(out, Cell{
			Index:  i,
			Source: c.source,
			Widget: findFirst(c.node, byClass(classWidgetView)) != nil || findFirst(c.node, byClass(classButton)) != nil,
		})
	}
	return out
}

// HasCodeCells reports whether CodeCells is non-empty.
func (p *Page) HasCodeCells() bool {
	return len(p.CodeCells()) > 0
}

// Buttons returns the current text of the status buttons, in document order.
func (p *Page) Buttons() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo.Map(p.buttons(nil), func(n *html.Node, _ int) string { return textContent(n) })
}

// SetButtonsStatus sets and enables the buttons of the given cells, or every
// button on the page when no cell is given.
func (p *Page) SetButtonsStatus(msg string, cells ...int) error {
	return p.eachButton(cells, func(b *html.Node) {
		setText(b, msg)
		removeAttr(b, "disabled")
	})
}

// SetButtonsError shows msg on the buttons and disables them.
func (p *Page) SetButtonsError(msg string, cells ...int) error {
	return p.eachButton(cells, func(b *html.Node) {
		setText(b, msg)
		setAttr(b, "disabled", "")
	})
}

// RemoveButtons detaches the buttons from the document.
func (p *Page) RemoveButtons(cells ...int) error {
	return p.eachButton(cells, detach)
}

func (p *Page) eachButton(cells []int, fn func(*html.Node)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var scopes []*html.Node
	for _, i := range cells {
		if i < 0 || i >= len(p.cells) {
			return fmt.Errorf("cell %d: %w", i, ErrNoSuchCell)
		}
		scopes = append(scopes, p.cells[i].node)
	}
	for _, b := range p.buttons(scopes) {
		fn(b)
	}
	return nil
}

// buttons returns the buttons inside scopes, or all of them for nil scopes.
func (p *Page) buttons(scopes []*html.Node) []*html.Node {
	all := findAll(p.doc, byClass(classButton))
	if scopes == nil {
		return all
	}
	return lo.Filter(all, func(b *html.Node, _ int) bool {
		return lo.ContainsBy(scopes, func(s *html.Node) bool { return isAncestor(s, b) })
	})
}

// RenderWidget replaces the cell's widget output slot content with a view
// script for the widget-view JSON view. A slot is appended to the cell when
// it has none.
func (p *Page) RenderWidget(index int, view []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.cells) {
		return fmt.Errorf("cell %d: %w", index, ErrNoSuchCell)
	}
	node := p.cells[index].node
	slot := findFirst(node, byClass(classWidgetView))
	if slot == nil {
		slot = element(atom.Div, "class", classWidgetView)
		node.AppendChild(slot)
	}
	clearChildren(slot)
	slot.AppendChild(script(MimeWidgetView, string(view)))
	return nil
}

// ClearWidgets empties every widget slot and returns how many held a view.
// Views rendered against a previous kernel point at models that no longer
// exist.
func (p *Page) ClearWidgets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cleared := 0
	for _, c := range p.cells {
		slot := findFirst(c.node, byClass(classWidgetView))
		if slot == nil || slot.FirstChild == nil {
			continue
		}
		clearChildren(slot)
		cleared++
	}
	return cleared
}

// RenderedWidgets returns the number of cells with a rendered view.
func (p *Page) RenderedWidgets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo.CountBy(p.cells, func(c cell) bool {
		return findFirst(c.node, func(n *html.Node) bool {
			return n.DataAtom == atom.Script && attr(n, "type") == MimeWidgetView
		}) != nil
	})
}

// EmbedState stores the widget state document in the page body, replacing
// any earlier copy.
func (p *Page) EmbedState(state []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old := findFirst(p.doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Script && attr(n, "id") == stateScriptID
	}); old != nil {
		detach(old)
	}
	body := findFirst(p.doc, byAtom(atom.Body))
	if body == nil {
		body = p.doc
	}
	body.AppendChild(script(MimeWidgetState, string(state), "id", stateScriptID))
}

// Render writes the document as HTML.
func (p *Page) Render(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return html.Render(w, p.doc)
}

// WriteFile renders the document to path atomically.
func (p *Page) WriteFile(path string) error {
	var buf bytes.Buffer
	if err := p.Render(&buf); err != nil {
		return fmt.Errorf("render page: %w", err)
	}
	return utils.AtomicWriteFile(path, buf.Bytes(), 0o644) //nolint:gosec
}
