package formatting

// Linkify splits s into plain runs and links. Every domainToken match becomes
// a link to "http://<match>", except matches inside an existing anchor element
// or URL, which stay plain so that linked text is never wrapped twice.
func Linkify(s string) Line {
	matches := domainToken.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return Line{{Text: s}}
	}

	protected := append(anchorElement.FindAllStringIndex(s, -1), schemeURL.FindAllStringIndex(s, -1)...)

	var line Line
	last := 0
	for _, m := range matches {
		if overlaps(m, protected) {
			continue
		}
		if m[0] > last {
			line = append(line, Inline{Text: s[last:m[0]]})
		}
		token := s[m[0]:m[1]]
		line = append(line, Inline{Text: token, Href: "http://" + token})
		last = m[1]
	}
	if last < len(s) || len(line) == 0 {
		line = append(line, Inline{Text: s[last:]})
	}
	return line
}

func overlaps(m []int, ranges [][]int) bool {
	for _, r := range ranges {
		if m[0] < r[1] && r[0] < m[1] {
			return true
		}
	}
	return false
}
