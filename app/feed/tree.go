package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	xpp "github.com/mmcdole/goxpp"
	"golang.org/x/net/html/charset"
)

// node is a schemaless XML element. Children are matched by local name so
// "dc:creator" is reachable as "creator".
type node struct {
	name     string
	attrs    []xml.Attr
	text     strings.Builder
	children []*node
}

func parseTree(data []byte) (*node, error) {
	p := xpp.NewXMLPullParser(bytes.NewReader(data), false, charset.NewReaderLabel)

	doc := &node{}
	stack := []*node{doc}

	for {
		event, err := p.NextToken()
		if err != nil {
			return nil, err
		}

		switch event {
		case xpp.StartTag:
			n := &node{name: p.Name}
			for _, a := range p.Attrs {
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
					continue
				}
				n.attrs = append(n.attrs, a)
			}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, n)
			stack = append(stack, n)
		case xpp.EndTag:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xpp.Text:
			stack[len(stack)-1].text.WriteString(p.Text)
		case xpp.EndDocument:
			if len(doc.children) == 0 {
				return nil, errors.New("document has no root element")
			}
			if len(stack) > 1 {
				return nil, fmt.Errorf("unexpected end of document inside <%s>", stack[len(stack)-1].name)
			}
			return doc, nil
		}
	}
}

func (n *node) child(name string) *node {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *node) all(name string) []*node {
	if n == nil {
		return nil
	}
	var out []*node
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func (n *node) value() string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.text.String())
}

func (n *node) attr(name string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.attrs {
		if a.Name.Local == name {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

// field returns the text of the first child element called name, falling
// back to an attribute of the same name.
func (n *node) field(name string) string {
	if v := n.child(name).value(); v != "" {
		return v
	}
	return n.attr(name)
}

// toValue renders the element the way xml2js does with mergeAttrs and
// explicitArray disabled.
func (n *node) toValue() any {
	text := n.value()
	if len(n.children) == 0 && len(n.attrs) == 0 {
		return text
	}

	out := make(map[string]any, len(n.attrs)+len(n.children)+1)
	for _, a := range n.attrs {
		out[a.Name.Local] = a.Value
	}
	for _, c := range n.children {
		v := c.toValue()
		switch existing := out[c.name].(type) {
		case nil:
			out[c.name] = v
		case []any:
			out[c.name] = append(existing, v)
		default:
			out[c.name] = []any{existing, v}
		}
	}
	if text != "" {
		out["_"] = text
	}
	return out
}
