// Package formatting turns raw model text into a structured Document.
//
// The classification is intentionally narrow: a block of text is either prose,
// a numbered list, or a bulleted list, and bare ".com" domains are turned into
// links. It is not a markdown parser.
package formatting

import "strings"

// BlockKind tags a Block as a paragraph or a list.
type BlockKind string

const (
	BlockParagraph BlockKind = "paragraph"
	BlockList      BlockKind = "list"
)

// Inline is a run of text inside a line. A non-empty Href makes it a link
// whose visible label is Text.
type Inline struct {
	Text string `json:"text"`
	Href string `json:"href,omitempty"`
}

// IsLink reports whether the run is a hyperlink.
func (in Inline) IsLink() bool {
	return in.Href != ""
}

// Line is one input line after hyperlink substitution.
type Line []Inline

// Text returns the line with links undone, i.e. the original characters.
func (l Line) Text() string {
	if len(l) == 1 {
		return l[0].Text
	}
	var sb strings.Builder
	for _, in := range l {
		sb.WriteString(in.Text)
	}
	return sb.String()
}

// Links returns the hyperlinks in the line in order.
func (l Line) Links() []Inline {
	var links []Inline
	for _, in := range l {
		if in.IsLink() {
			links = append(links, in)
		}
	}
	return links
}

// Item is one list entry. Marker holds the stripped prefix ("1. ", "- ")
// so the source line can be rebuilt.
type Item struct {
	Marker  string `json:"marker"`
	Content Line   `json:"content"`
}

// Block is a paragraph (Lines) or a list (Ordered, Items).
type Block struct {
	Kind    BlockKind `json:"kind"`
	Ordered bool      `json:"ordered,omitempty"`
	Lines   []Line    `json:"lines,omitempty"`
	Items   []Item    `json:"items,omitempty"`
}

// Text returns the block content with links undone. Paragraph lines are
// newline-joined; list items are newline-joined without their markers.
func (b Block) Text() string {
	var parts []string
	switch b.Kind {
	case BlockParagraph:
		parts = make([]string, len(b.Lines))
		for i, l := range b.Lines {
			parts[i] = l.Text()
		}
	case BlockList:
		parts = make([]string, len(b.Items))
		for i, it := range b.Items {
			parts[i] = it.Content.Text()
		}
	}
	return strings.Join(parts, "\n")
}

// Document is an ordered sequence of blocks produced by one Format call.
type Document []Block

// Lines rebuilds the source lines in order, restoring list markers.
func (d Document) Lines() []string {
	var out []string
	for _, b := range d {
		switch b.Kind {
		case BlockParagraph:
			for _, l := range b.Lines {
				out = append(out, l.Text())
			}
		case BlockList:
			for _, it := range b.Items {
				out = append(out, it.Marker+it.Content.Text())
			}
		}
	}
	return out
}

// PlainText rebuilds the input that produced the document, with "\n"
// line endings.
func (d Document) PlainText() string {
	return strings.Join(d.Lines(), "\n")
}

// Links returns every hyperlink in the document in order.
func (d Document) Links() []Inline {
	var links []Inline
	for _, b := range d {
		for _, l := range b.Lines {
			links = append(links, l.Links()...)
		}
		for _, it := range b.Items {
			links = append(links, it.Content.Links()...)
		}
	}
	return links
}
