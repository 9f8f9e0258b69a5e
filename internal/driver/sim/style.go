package sim

import (
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// hoverAttr marks the hovered element and its ancestors so that author
// ":hover" rules compile to a plain attribute selector.
const hoverAttr = "data-sim-hover"

// styleRule is one selector of one qualified rule, flattened out of any
// enclosing @media blocks.
type styleRule struct {
	sel    cascadia.Sel
	media  []string // enclosing media preludes, all must hold
	decls  []*css.Declaration
	order  int
	source string
}

type stylesheet struct {
	rules []styleRule
}

var inheritedProps = map[string]bool{
	"color":           true,
	"cursor":          true,
	"font-family":     true,
	"font-size":       true,
	"font-style":      true,
	"font-weight":     true,
	"letter-spacing":  true,
	"line-height":     true,
	"pointer-events":  true,
	"text-align":      true,
	"text-transform":  true,
	"visibility":      true,
	"white-space":     true,
	"word-spacing":    true,
	"list-style-type": true,
}

var initialValues = map[string]string{
	"opacity":        "1",
	"visibility":     "visible",
	"pointer-events": "auto",
	"position":       "static",
	"color":          "rgb(0, 0, 0)",
	"cursor":         "auto",
	"font-style":     "normal",
	"font-weight":    "400",
	"width":          "auto",
	"height":         "auto",
	"z-index":        "auto",
	"overflow":       "visible",
}

var blockElements = map[atom.Atom]bool{
	atom.Html: true, atom.Body: true, atom.Div: true, atom.P: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Ul: true, atom.Ol: true, atom.Section: true, atom.Article: true, atom.Header: true,
	atom.Footer: true, atom.Main: true, atom.Nav: true, atom.Form: true, atom.Aside: true,
	atom.Fieldset: true, atom.Pre: true, atom.Blockquote: true, atom.Hr: true, atom.Dl: true,
	atom.Figure: true, atom.Address: true, atom.Details: true, atom.Dialog: true,
}

var hiddenElements = map[atom.Atom]bool{
	atom.Head: true, atom.Script: true, atom.Style: true, atom.Template: true,
	atom.Title: true, atom.Meta: true, atom.Link: true, atom.Base: true, atom.Noscript: true,
}

// parseStylesheets collects every <style> element of doc, in document order.
func parseStylesheets(doc *html.Node) (*stylesheet, []error) {
	sheet := &stylesheet{}
	var problems []error
	order := 0
	for _, n := range cascadia.QueryAll(doc, cascadia.MustCompile("style")) {
		var text strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				text.WriteString(c.Data)
			}
		}
		parsed, err := parser.Parse(text.String())
		if err != nil {
			problems = append(problems, err)
			continue
		}
		problems = append(problems, sheet.add(parsed.Rules, nil, &order)...)
	}
	return sheet, problems
}

func (s *stylesheet) add(rules []*css.Rule, media []string, order *int) []error {
	var problems []error
	for _, r := range rules {
		switch r.Kind {
		case css.AtRule:
			if strings.TrimPrefix(strings.ToLower(r.Name), "@") != "media" {
				continue
			}
			nested := append(append([]string(nil), media...), r.Prelude)
			problems = append(problems, s.add(r.Rules, nested, order)...)
		case css.QualifiedRule:
			for _, raw := range r.Selectors {
				sel, err := cascadia.Parse(rewriteHover(raw))
				if err != nil {
					problems = append(problems, err)
					continue
				}
				if sel.PseudoElement() != "" {
					continue
				}
				*order++
				s.rules = append(s.rules, styleRule{
					sel:    sel,
					media:  media,
					decls:  r.Declarations,
					order:  *order,
					source: raw,
				})
			}
		}
	}
	return problems
}

func rewriteHover(sel string) string {
	return strings.ReplaceAll(sel, ":hover", "["+hoverAttr+"]")
}

// cascadeKey orders competing declarations; larger wins.
type cascadeKey struct {
	important bool
	inline    bool
	spec      cascadia.Specificity
	order     int
}

func (k cascadeKey) less(o cascadeKey) bool {
	if k.important != o.important {
		return !k.important
	}
	if k.inline != o.inline {
		return !k.inline
	}
	if k.spec != o.spec {
		return k.spec.Less(o.spec)
	}
	return k.order < o.order
}

// cascaded returns the winning declared value of prop on n, if any.
func (s *stylesheet) cascaded(n *html.Node, prop string, vp viewport) (string, bool) {
	var (
		best  cascadeKey
		value string
		found bool
	)
	consider := func(k cascadeKey, v string) {
		if !found || best.less(k) {
			best, value, found = k, v, true
		}
	}

	for _, r := range s.rules {
		if !mediaMatches(r.media, vp) || !r.sel.Match(n) {
			continue
		}
		for _, d := range r.decls {
			if strings.EqualFold(d.Property, prop) {
				consider(cascadeKey{important: d.Important, spec: r.sel.Specificity(), order: r.order}, d.Value)
			}
		}
	}

	if inline, ok := attr(n, "style"); ok && inline != "" {
		decls, err := parser.ParseDeclarations(inline)
		if err == nil {
			for i, d := range decls {
				if strings.EqualFold(d.Property, prop) {
					consider(cascadeKey{important: d.Important, inline: true, order: i}, d.Value)
				}
			}
		}
	}
	return strings.TrimSpace(value), found
}

// computed resolves prop on n through the cascade, inheritance and the
// user-agent defaults.
func (s *stylesheet) computed(n *html.Node, prop string, vp viewport) string {
	prop = strings.ToLower(strings.TrimSpace(prop))
	if n == nil || n.Type != html.ElementNode {
		return initialValue(prop)
	}

	v, ok := s.cascaded(n, prop, vp)
	switch {
	case ok && v == "inherit":
		return s.computed(parentElement(n), prop, vp)
	case ok && v == "initial":
		return uaDefault(n, prop)
	case ok && v == "unset":
		if inheritedProps[prop] {
			return s.computed(parentElement(n), prop, vp)
		}
		return uaDefault(n, prop)
	case ok:
		return normalizeValue(prop, v)
	}

	if inheritedProps[prop] {
		if p := parentElement(n); p != nil {
			return s.computed(p, prop, vp)
		}
	}
	return uaDefault(n, prop)
}

func uaDefault(n *html.Node, prop string) string {
	if prop == "display" {
		if _, hidden := attr(n, "hidden"); hidden || hiddenElements[n.DataAtom] {
			return "none"
		}
		switch {
		case blockElements[n.DataAtom]:
			return "block"
		case n.DataAtom == atom.Li:
			return "list-item"
		case n.DataAtom == atom.Table:
			return "table"
		case n.DataAtom == atom.Button, n.DataAtom == atom.Input, n.DataAtom == atom.Select, n.DataAtom == atom.Textarea:
			return "inline-block"
		}
		return "inline"
	}
	if prop == "cursor" && n.DataAtom == atom.A {
		if _, ok := attr(n, "href"); ok {
			return "pointer"
		}
	}
	return initialValue(prop)
}

func initialValue(prop string) string {
	if prop == "display" {
		return "inline"
	}
	if v, ok := initialValues[prop]; ok {
		return v
	}
	return ""
}

// normalizeValue renders values the way a browser's computed style would
// for the properties where the difference is observable in assertions.
func normalizeValue(prop, v string) string {
	v = strings.TrimSpace(v)
	switch prop {
	case "opacity":
		if f, err := strconv.ParseFloat(strings.TrimSuffix(v, "%"), 64); err == nil {
			if strings.HasSuffix(v, "%") {
				f /= 100
			}
			if f < 0 {
				f = 0
			}
			if f > 1 {
				f = 1
			}
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
	case "font-weight":
		switch strings.ToLower(v) {
		case "normal":
			return "400"
		case "bold":
			return "700"
		}
	case "display", "visibility", "pointer-events", "position", "cursor", "overflow":
		return strings.ToLower(v)
	}
	return v
}

func parentElement(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			return p
		}
	}
	return nil
}

func attr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}
