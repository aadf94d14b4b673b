package protocol

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Attrs holds the attributes of a node.
type Attrs map[string]string

// Node is one element of the binary stanza tree.
//
// Content is nil, a string (text), a []byte (binary payload) or a []Node
// (child nodes). Any other type is rejected by the encoder.
type Node struct {
	Tag     string
	Attrs   Attrs
	Content any
}

// GetChildren returns the child nodes, or nil when the content is not a list.
func (n Node) GetChildren() []Node {
	children, _ := n.Content.([]Node)
	return children
}

// GetChildrenByTag returns every direct child with the given tag.
func (n Node) GetChildrenByTag(tag string) []Node {
	var out []Node
	for _, child := range n.GetChildren() {
		if child.Tag == tag {
			out = append(out, child)
		}
	}
	return out
}

// GetChildByTag follows the tag path through the first matching child at
// each level.
func (n Node) GetChildByTag(tags ...string) (Node, bool) {
	cur := n
Outer:
	for _, tag := range tags {
		for _, child := range cur.GetChildren() {
			if child.Tag == tag {
				cur = child
				continue Outer
			}
		}
		return Node{}, false
	}
	return cur, true
}

// AttrString returns the attribute value, or "" when missing.
func (n Node) AttrString(key string) string {
	if n.Attrs == nil {
		return ""
	}
	return n.Attrs[key]
}

// AttrJID parses an attribute as a JID.
func (n Node) AttrJID(key string) (JID, error) {
	v, ok := n.Attrs[key]
	if !ok {
		return JID{}, NewProtocolError(fmt.Sprintf("<%s> missing attribute %q", n.Tag, key), nil)
	}
	return ParseJID(v)
}

// ContentBytes returns text or binary content as bytes.
func (n Node) ContentBytes() ([]byte, bool) {
	switch c := n.Content.(type) {
	case []byte:
		return c, true
	case string:
		return []byte(c), true
	default:
		return nil, false
	}
}

func (n Node) sortedAttrKeys() []string {
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the node as indented XML-like text for debugging.
func (n Node) String() string {
	var sb strings.Builder
	n.writeXML(&sb, 0)
	return sb.String()
}

func (n Node) writeXML(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	sb.WriteString(indent)
	sb.WriteString("<" + n.Tag)
	for _, k := range n.sortedAttrKeys() {
		fmt.Fprintf(sb, " %s=%q", k, n.Attrs[k])
	}

	switch c := n.Content.(type) {
	case nil:
		sb.WriteString("/>")
	case string:
		fmt.Fprintf(sb, ">%s</%s>", c, n.Tag)
	case []byte:
		if utf8.Valid(c) && !strings.ContainsFunc(string(c), isControl) {
			fmt.Fprintf(sb, ">%s</%s>", c, n.Tag)
		} else {
			fmt.Fprintf(sb, "><!-- %d bytes -->%s</%s>", len(c), hex.EncodeToString(c), n.Tag)
		}
	case []Node:
		sb.WriteString(">\n")
		for _, child := range c {
			child.writeXML(sb, depth+1)
			sb.WriteString("\n")
		}
		sb.WriteString(indent + "</" + n.Tag + ">")
	default:
		fmt.Fprintf(sb, "><!-- %T --></%s>", c, n.Tag)
	}
}

func isControl(r rune) bool {
	return r < 0x20 && r != '\n' && r != '\t'
}
