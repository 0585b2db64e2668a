// internal/browser/observe.go
package browser

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/xkilldash9x/snare/api/schemas"
)

const (
	maxPageText     = 6000
	maxElementText  = 80
	maxObservedElem = 150
)

var cssIdent = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// skippedSubtrees never contribute text or elements.
var skippedSubtrees = map[atom.Atom]bool{
	atom.Head: true, atom.Script: true, atom.Style: true, atom.Noscript: true,
	atom.Template: true, atom.Svg: true, atom.Iframe: true,
}

// ParseObservation builds a PageObservation from serialized page HTML.
// Elements are indexed in document order. title overrides the document's
// <title> when non-empty.
func ParseObservation(src, pageURL, title string) (*schemas.PageObservation, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page html: %w", err)
	}

	p := &observer{labels: collectLabels(doc), ids: make(map[string]int)}
	countIDs(doc, p.ids)
	p.walk(doc, false)

	if title == "" {
		title = collapseSpace(documentTitle(doc))
	}
	text := collapseSpace(p.text.String())
	if r := []rune(text); len(r) > maxPageText {
		text = string(r[:maxPageText])
	}
	return &schemas.PageObservation{
		URL:      pageURL,
		Title:    title,
		Text:     text,
		Elements: p.elements,
	}, nil
}

type observer struct {
	text     strings.Builder
	elements []schemas.InteractiveElement
	labels   map[string]string
	ids      map[string]int
}

func (p *observer) walk(n *html.Node, hidden bool) {
	if n.Type == html.ElementNode {
		if skippedSubtrees[n.DataAtom] {
			return
		}
		hidden = hidden || isHidden(n)
		if !hidden && len(p.elements) < maxObservedElem {
			if el, ok := p.interactive(n); ok {
				el.Index = len(p.elements)
				p.elements = append(p.elements, el)
			}
		}
		if n.DataAtom == atom.Select || n.DataAtom == atom.Textarea {
			return
		}
	}
	if n.Type == html.TextNode && !hidden {
		p.text.WriteString(n.Data)
		p.text.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c, hidden)
	}
}

func (p *observer) interactive(n *html.Node) (schemas.InteractiveElement, bool) {
	el := schemas.InteractiveElement{
		Tag:         n.Data,
		Type:        strings.ToLower(attr(n, "type")),
		Name:        attr(n, "name"),
		ID:          attr(n, "id"),
		Placeholder: attr(n, "placeholder"),
		Required:    hasAttr(n, "required"),
	}
	switch n.DataAtom {
	case atom.A:
		if !hasAttr(n, "href") {
			return el, false
		}
		el.Href = attr(n, "href")
	case atom.Input:
		if el.Type == "hidden" {
			return el, false
		}
		if el.Type == "submit" || el.Type == "button" {
			el.Text = attr(n, "value")
		}
	case atom.Button, atom.Select, atom.Textarea:
	default:
		role := attr(n, "role")
		if role != "button" && role != "link" && !hasAttr(n, "onclick") {
			return el, false
		}
	}
	if el.Text == "" && n.DataAtom != atom.Select && n.DataAtom != atom.Textarea {
		el.Text = truncateRunes(collapseSpace(nodeText(n)), maxElementText)
	}
	el.Label = firstNonEmpty(attr(n, "aria-label"), p.labels[el.ID], enclosingLabel(n))
	el.Selector = p.selector(n)
	return el, true
}

// selector prefers a unique id, then a unique-looking name, then a
// structural nth-of-type path anchored at the nearest id.
func (p *observer) selector(n *html.Node) string {
	if id := attr(n, "id"); cssIdent.MatchString(id) && p.ids[id] == 1 {
		return "#" + id
	}
	if name := attr(n, "name"); name != "" && (n.DataAtom == atom.Input || n.DataAtom == atom.Select || n.DataAtom == atom.Textarea) {
		return fmt.Sprintf(`%s[name=%s]`, n.Data, jsString(name))
	}
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if id := attr(cur, "id"); cur != n && cssIdent.MatchString(id) && p.ids[id] == 1 {
			parts = append(parts, "#"+id)
			break
		}
		if cur.DataAtom == atom.Html {
			parts = append(parts, "html")
			break
		}
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", cur.Data, nthOfType(cur)))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func nthOfType(n *html.Node) int {
	i := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.Data == n.Data {
			i++
		}
	}
	return i
}

func countIDs(n *html.Node, ids map[string]int) {
	if n.Type == html.ElementNode {
		if id := attr(n, "id"); id != "" {
			ids[id]++
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		countIDs(c, ids)
	}
}

// collectLabels maps a form control id to the text of its <label for=...>.
func collectLabels(doc *html.Node) map[string]string {
	labels := make(map[string]string)
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Label {
			if target := attr(n, "for"); target != "" {
				labels[target] = truncateRunes(collapseSpace(nodeText(n)), maxElementText)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return labels
}

func enclosingLabel(n *html.Node) string {
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && cur.DataAtom == atom.Label {
			return truncateRunes(collapseSpace(nodeText(cur)), maxElementText)
		}
	}
	return ""
}

func isHidden(n *html.Node) bool {
	if hasAttr(n, "hidden") || attr(n, "aria-hidden") == "true" {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(attr(n, "style")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedSubtrees[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}

func documentTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		var b strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			b.WriteString(c.Data)
		}
		return b.String()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := documentTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
