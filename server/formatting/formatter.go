package formatting

import (
	"strings"

	"go.uber.org/zap"
)

// Formatter classifies raw text and assembles it into blocks. It holds no
// state between calls and is safe for concurrent use.
type Formatter struct {
	logger *zap.Logger
}

// New returns a Formatter that logs classification decisions at debug level.
// A nil logger disables logging.
func New(logger *zap.Logger) *Formatter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Formatter{logger: logger}
}

var defaultFormatter = New(nil)

// Format is shorthand for a Formatter without logging.
func Format(raw string) Document {
	return defaultFormatter.Format(raw)
}

// Format never fails: input without list markers, including empty input,
// becomes a single paragraph.
//
// When markers are present, lines matching the chosen list kind become items
// and every other line goes into a paragraph between lists.
//
// Lines end at "\n" or "\r\n"; the terminator is not part of the line, so
// PlainText returns CRLF input with "\n" line endings.
func (f *Formatter) Format(raw string) Document {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	kind := Classify(lines)

	f.logger.Debug("classified response",
		zap.String("kind", kind.String()),
		zap.Int("lines", len(lines)),
	)

	if kind == Prose {
		para := Block{Kind: BlockParagraph, Lines: make([]Line, len(lines))}
		for i, line := range lines {
			para.Lines[i] = Linkify(line)
		}
		return Document{para}
	}

	var doc Document
	for _, line := range lines {
		if m := marker(kind, line); m != "" {
			if len(doc) == 0 || doc[len(doc)-1].Kind != BlockList {
				doc = append(doc, Block{Kind: BlockList, Ordered: kind == Numbered})
			}
			last := &doc[len(doc)-1]
			last.Items = append(last.Items, Item{Marker: m, Content: Linkify(line[len(m):])})
			continue
		}
		if len(doc) == 0 || doc[len(doc)-1].Kind != BlockParagraph {
			doc = append(doc, Block{Kind: BlockParagraph})
		}
		last := &doc[len(doc)-1]
		last.Lines = append(last.Lines, Linkify(line))
	}
	return doc
}
