package formatting

import "regexp"

var (
	// numberedItem is a decimal number, a dot and one whitespace at line start.
	numberedItem = regexp.MustCompile(`^\d+\.\s`)

	// bulletedItem only checks the first character, so "-5 degrees" counts as
	// an item. The marker it strips also takes the blanks after the bullet.
	bulletedItem = regexp.MustCompile(`^[-*+•][ \t]*`)

	// domainToken is a run of dotted labels ending in "com".
	domainToken = regexp.MustCompile(`(?i)\b(?:[\w-]+\.)+com\b`)

	// Regions that already carry a link and must not be wrapped again.
	anchorElement = regexp.MustCompile(`(?is)<a\b[^>]*>.*?</a\s*>`)
	schemeURL     = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://[^\s<>"']+`)
)

// Classification is the list kind detected for a whole input.
type Classification int

const (
	Prose Classification = iota
	Numbered
	Bulleted
)

func (c Classification) String() string {
	switch c {
	case Numbered:
		return "numbered"
	case Bulleted:
		return "bulleted"
	default:
		return "prose"
	}
}

// Classify scans every line once. Numbered wins when both kinds appear
// anywhere in the text, and a line matching both counts as numbered.
func Classify(lines []string) Classification {
	var numbered, bulleted bool
	for _, line := range lines {
		if numberedItem.MatchString(line) {
			numbered = true
		} else if bulletedItem.MatchString(line) {
			bulleted = true
		}
	}
	switch {
	case numbered:
		return Numbered
	case bulleted:
		return Bulleted
	default:
		return Prose
	}
}

// marker returns the list marker at the start of line for the given
// classification, or "" when the line is not an item.
func marker(c Classification, line string) string {
	switch c {
	case Numbered:
		return numberedItem.FindString(line)
	case Bulleted:
		return bulletedItem.FindString(line)
	default:
		return ""
	}
}
