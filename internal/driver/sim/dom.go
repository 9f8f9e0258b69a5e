package sim

import (
	"context"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kuitang/pagecheck/internal/driver"
)

type element struct {
	n *html.Node
}

func (e element) ID() string { return fmt.Sprintf("%p", e.n) }

func (e element) Describe() string {
	return describe(e.n)
}

func describe(n *html.Node) string {
	if n == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(n.Data)
	if id, ok := attr(n, "id"); ok && id != "" {
		b.WriteString("#" + id)
	}
	if class, ok := attr(n, "class"); ok {
		for _, c := range strings.Fields(class) {
			b.WriteString("." + c)
		}
	}
	return b.String()
}

var replacedElements = map[atom.Atom]bool{
	atom.Img: true, atom.Input: true, atom.Button: true, atom.Textarea: true,
	atom.Select: true, atom.Svg: true, atom.Video: true, atom.Canvas: true,
	atom.Iframe: true, atom.Object: true, atom.Embed: true, atom.Audio: true,
}

// node unwraps el and checks it belongs to the live document. Callers hold
// d.mu.
func (d *Driver) node(el driver.Element) (*html.Node, error) {
	if d.closed {
		return nil, driver.ErrClosed
	}
	e, ok := el.(element)
	if !ok || e.n == nil {
		return nil, fmt.Errorf("%w: foreign element handle %T", driver.ErrDetached, el)
	}
	if !d.attached(e.n) {
		return nil, driver.ErrDetached
	}
	return e.n, nil
}

func (d *Driver) attached(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == d.doc {
			return true
		}
	}
	return false
}

func (d *Driver) compile(selector string) (cascadia.SelectorGroup, error) {
	if g, ok := d.selectors[selector]; ok {
		return g, nil
	}
	g, err := cascadia.ParseGroup(rewriteHover(selector))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", driver.ErrInvalidSelector, selector, err)
	}
	d.selectors[selector] = g
	return g, nil
}

// QueryAll returns matching descendants of scope, or of the document when
// scope is nil, in document order.
func (d *Driver) QueryAll(_ context.Context, scope driver.Element, selector string) ([]driver.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, driver.ErrClosed
	}
	group, err := d.compile(selector)
	if err != nil {
		return nil, err
	}
	root := d.doc
	if scope != nil {
		if root, err = d.node(scope); err != nil {
			return nil, err
		}
	}
	nodes := cascadia.QueryAll(root, group)
	out := make([]driver.Element, len(nodes))
	for i, n := range nodes {
		out[i] = element{n: n}
	}
	return out, nil
}

// State reports actionability inputs. A detached element reports the zero
// state rather than an error.
func (d *Driver) State(_ context.Context, el driver.Element) (driver.ElementState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err == driver.ErrDetached {
		return driver.ElementState{}, nil
	}
	if err != nil {
		return driver.ElementState{}, err
	}
	return driver.ElementState{
		Attached:      true,
		Visible:       d.visible(n),
		Obscured:      inert(n),
		PointerEvents: d.sheet.computed(n, "pointer-events", d.vp) != "none",
		Enabled:       !disabled(n),
	}, nil
}

// visible follows the browser rule: a non-empty box and not
// visibility:hidden. Opacity does not matter.
func (d *Driver) visible(n *html.Node) bool {
	for cur := n; cur != nil; cur = parentElement(cur) {
		if d.sheet.computed(cur, "display", d.vp) == "none" {
			return false
		}
	}
	switch d.sheet.computed(n, "visibility", d.vp) {
	case "hidden", "collapse":
		return false
	}
	return d.hasBox(n)
}

func (d *Driver) hasBox(n *html.Node) bool {
	if replacedElements[n.DataAtom] {
		return true
	}
	if explicitSize(d.sheet.computed(n, "width", d.vp)) && explicitSize(d.sheet.computed(n, "height", d.vp)) {
		return true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				return true
			}
		case html.ElementNode:
			if d.sheet.computed(c, "display", d.vp) != "none" && d.hasBox(c) {
				return true
			}
		}
	}
	return false
}

func explicitSize(v string) bool {
	if v == "" || v == "auto" {
		return false
	}
	px, ok := parseLength(v)
	if !ok {
		// Percentages and calc() are assumed to resolve to something.
		return !strings.HasPrefix(v, "0")
	}
	return px > 0
}

func inert(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if _, ok := attr(cur, "inert"); ok {
			return true
		}
	}
	return false
}

func disabled(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Button, atom.Input, atom.Select, atom.Textarea, atom.Option, atom.Fieldset:
	default:
		return false
	}
	if _, ok := attr(n, "disabled"); ok {
		return true
	}
	for p := parentElement(n); p != nil; p = parentElement(p) {
		if p.DataAtom == atom.Fieldset {
			if _, ok := attr(p, "disabled"); ok {
				return true
			}
		}
	}
	return false
}

// ComputedStyle resolves property on el against the current viewport and
// hover state.
func (d *Driver) ComputedStyle(_ context.Context, el driver.Element, property string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return "", err
	}
	return d.sheet.computed(n, property, d.vp), nil
}

// TextContent concatenates every descendant text node, as the DOM property
// does.
func (d *Driver) TextContent(_ context.Context, el driver.Element) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return "", err
	}
	return textContent(n), nil
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func (d *Driver) Attribute(_ context.Context, el driver.Element, name string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return "", false, err
	}
	v, ok := attr(n, name)
	return v, ok, nil
}

// Hover moves the pointer onto el: el and its ancestors match :hover until
// the pointer moves elsewhere.
func (d *Driver) Hover(_ context.Context, el driver.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return err
	}
	d.hover(n)
	return nil
}

func (d *Driver) hover(n *html.Node) {
	if d.hovered == n {
		return
	}
	for cur := d.hovered; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode {
			removeAttr(cur, hoverAttr)
		}
	}
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode {
			setAttr(cur, hoverAttr, "")
		}
	}
	d.hovered = n
	d.dispatchEvent("mouseover", n)
}

// Click hovers el and dispatches a click to its delegated handlers.
func (d *Driver) Click(_ context.Context, el driver.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return err
	}
	d.hover(n)
	if n.DataAtom == atom.Input {
		if t, _ := attr(n, "type"); strings.EqualFold(t, "checkbox") {
			if _, checked := attr(n, "checked"); checked {
				removeAttr(n, "checked")
			} else {
				setAttr(n, "checked", "")
			}
		}
	}
	d.dispatchEvent("click", n)
	return nil
}

// Fill replaces the value of an editable element and fires input and
// change.
func (d *Driver) Fill(_ context.Context, el driver.Element, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return err
	}
	switch {
	case n.DataAtom == atom.Input:
		setAttr(n, "value", value)
	case n.DataAtom == atom.Textarea:
		replaceText(n, value)
	default:
		if v, ok := attr(n, "contenteditable"); ok && v != "false" {
			replaceText(n, value)
			break
		}
		return fmt.Errorf("%w: %s", driver.ErrNotEditable, describe(n))
	}
	d.dispatchEvent("input", n)
	d.dispatchEvent("change", n)
	return nil
}

func replaceText(n *html.Node, value string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
}
