package formatting

import (
	"html"
	"strings"
)

// HTML renders the document the way the storefront displays bot replies:
// lists as <ol>/<ul>, paragraphs with <br> between lines, links opening in a
// new tab. Text is escaped.
func (d Document) HTML() string {
	var sb strings.Builder
	for _, b := range d {
		switch b.Kind {
		case BlockParagraph:
			sb.WriteString("<p>")
			for i, l := range b.Lines {
				if i > 0 {
					sb.WriteString("<br>")
				}
				writeLine(&sb, l)
			}
			sb.WriteString("</p>")
		case BlockList:
			tag := "ul"
			if b.Ordered {
				tag = "ol"
			}
			sb.WriteString("<" + tag + ">")
			for _, it := range b.Items {
				sb.WriteString("<li>")
				writeLine(&sb, it.Content)
				sb.WriteString("</li>")
			}
			sb.WriteString("</" + tag + ">")
		}
	}
	return sb.String()
}

func writeLine(sb *strings.Builder, l Line) {
	for _, in := range l {
		if !in.IsLink() {
			sb.WriteString(html.EscapeString(in.Text))
			continue
		}
		sb.WriteString(`<a href="`)
		sb.WriteString(html.EscapeString(in.Href))
		sb.WriteString(`" target="_blank">`)
		sb.WriteString(html.EscapeString(in.Text))
		sb.WriteString("</a>")
	}
}
