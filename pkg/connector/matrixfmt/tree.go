// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrixfmt

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Tag is the closed set of element kinds the renderer understands.
type Tag int

const (
	TagUnknown Tag = iota
	TagEmphasis
	TagStrong
	TagUnderline
	TagStrike
	TagSpoiler
	TagInlineCode
	TagCodeBlock
	TagAnchor
	TagImage
	TagLineBreak
	TagHorizontalRule
	TagHeading
	TagBlockquote
	TagUnorderedList
	TagOrderedList
	TagListItem
	TagReplyFallback
	TagParagraph
)

var tagNames = [...]string{
	TagUnknown:        "unknown",
	TagEmphasis:       "emphasis",
	TagStrong:         "strong",
	TagUnderline:      "underline",
	TagStrike:         "strike",
	TagSpoiler:        "spoiler",
	TagInlineCode:     "inline-code",
	TagCodeBlock:      "code-block",
	TagAnchor:         "anchor",
	TagImage:          "image",
	TagLineBreak:      "line-break",
	TagHorizontalRule: "horizontal-rule",
	TagHeading:        "heading",
	TagBlockquote:     "blockquote",
	TagUnorderedList:  "unordered-list",
	TagOrderedList:    "ordered-list",
	TagListItem:       "list-item",
	TagReplyFallback:  "reply-fallback",
	TagParagraph:      "paragraph",
}

func (t Tag) String() string {
	if t < 0 || int(t) >= len(tagNames) {
		return fmt.Sprintf("Tag(%d)", int(t))
	}
	return tagNames[t]
}

// isBlock reports whether the tag must start on its own line.
func (t Tag) isBlock() bool {
	switch t {
	case TagCodeBlock, TagHorizontalRule, TagHeading, TagBlockquote,
		TagUnorderedList, TagOrderedList, TagParagraph:
		return true
	default:
		return false
	}
}

// Node is either a *Text or an *Element.
type Node interface {
	node()
}

// Text is a leaf holding decoded character data.
type Text struct {
	Content string
}

// Element is a recognized (or passthrough) element with its children.
// Level is only meaningful for headings.
type Element struct {
	Tag      Tag
	Level    int
	Attrs    map[string]string
	Children []Node
}

func (*Text) node()    {}
func (*Element) node() {}

// Attr returns the attribute value or an empty string.
func (e *Element) Attr(name string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[name]
}

// TextContent returns the concatenated character data below n.
func TextContent(n Node) string {
	var sb strings.Builder
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *Text:
			sb.WriteString(v.Content)
		case *Element:
			for _, c := range v.Children {
				walk(c)
			}
		}
	}
	walk(n)
	return sb.String()
}

// ParseHTML parses a Matrix formatted_body into a Document Tree. The content is
// parsed as a fragment under a synthetic root so bare text stays well-formed.
func ParseHTML(src string) (*Element, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(src), body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	root := &Element{Tag: TagUnknown}
	for _, n := range nodes {
		if c := convertNode(n); c != nil {
			root.Children = append(root.Children, c)
		}
	}
	return root, nil
}

func convertNode(n *html.Node) Node {
	switch n.Type {
	case html.TextNode:
		return &Text{Content: n.Data}
	case html.ElementNode:
		// handled below
	default:
		return nil
	}

	el := &Element{Tag: classify(n)}
	if len(n.Attr) > 0 {
		el.Attrs = make(map[string]string, len(n.Attr))
		for _, a := range n.Attr {
			el.Attrs[a.Key] = a.Val
		}
	}

	switch el.Tag {
	case TagHeading:
		el.Level = int(n.Data[1] - '0')
	case TagCodeBlock:
		// The code block keeps its raw text only; the language hint lives on
		// the inner <code> element.
		if code := firstChildElement(n, atom.Code); code != nil {
			if lang := languageHint(code); lang != "" {
				if el.Attrs == nil {
					el.Attrs = make(map[string]string, 1)
				}
				el.Attrs["language"] = lang
			}
		}
		el.Children = []Node{&Text{Content: rawText(n)}}
		return el
	case TagInlineCode:
		el.Children = []Node{&Text{Content: rawText(n)}}
		return el
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if child := convertNode(c); child != nil {
			el.Children = append(el.Children, child)
		}
	}
	return el
}

func classify(n *html.Node) Tag {
	switch n.DataAtom {
	case atom.Em, atom.I:
		return TagEmphasis
	case atom.Strong, atom.B:
		return TagStrong
	case atom.U, atom.Ins:
		return TagUnderline
	case atom.Del, atom.S, atom.Strike:
		return TagStrike
	case atom.Code:
		return TagInlineCode
	case atom.Pre:
		return TagCodeBlock
	case atom.A:
		return TagAnchor
	case atom.Img:
		return TagImage
	case atom.Br:
		return TagLineBreak
	case atom.Hr:
		return TagHorizontalRule
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return TagHeading
	case atom.Blockquote:
		return TagBlockquote
	case atom.Ul:
		return TagUnorderedList
	case atom.Ol:
		return TagOrderedList
	case atom.Li:
		return TagListItem
	case atom.P:
		return TagParagraph
	case atom.Span:
		for _, a := range n.Attr {
			if a.Key == "data-mx-spoiler" {
				return TagSpoiler
			}
		}
		return TagUnknown
	}
	if n.Data == "mx-reply" {
		return TagReplyFallback
	}
	return TagUnknown
}

func firstChildElement(n *html.Node, a atom.Atom) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
	}
	return nil
}

func languageHint(code *html.Node) string {
	for _, a := range code.Attr {
		if a.Key != "class" {
			continue
		}
		for _, class := range strings.Fields(a.Val) {
			if lang, ok := strings.CutPrefix(class, "language-"); ok && lang != "" {
				return lang
			}
		}
	}
	return ""
}

func rawText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
		case html.ElementNode:
			if n.DataAtom == atom.Br {
				sb.WriteByte('\n')
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
