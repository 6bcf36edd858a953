// Package markdown turns generated chapter text into a flat list of blocks.
// Each line is classified on its own; there is no nesting and no state
// carried between lines.
package markdown

import (
	"regexp"
	"strings"
)

type Kind string

const (
	KindHeading1  Kind = "h1"
	KindHeading2  Kind = "h2"
	KindHeading3  Kind = "h3"
	KindBullet    Kind = "bullet"
	KindNumbered  Kind = "numbered"
	KindBreak     Kind = "break"
	KindParagraph Kind = "paragraph"
)

type Span struct {
	Text string `json:"text"`
	Bold bool   `json:"bold,omitempty"`
}

type Block struct {
	Kind  Kind   `json:"kind"`
	Text  string `json:"text,omitempty"`
	Spans []Span `json:"spans,omitempty"`
}

var (
	numberedPrefix = regexp.MustCompile(`^\d+\. `)
	boldSpan       = regexp.MustCompile(`\*\*.*?\*\*`)
)

// Render splits text on line breaks and classifies every line by prefix.
func Render(text string) []Block {
	lines := strings.Split(text, "\n")
	blocks := make([]Block, 0, len(lines))
	for _, line := range lines {
		blocks = append(blocks, classify(strings.TrimSuffix(line, "\r")))
	}
	return blocks
}

func classify(line string) Block {
	switch {
	case strings.HasPrefix(line, "### "):
		return Block{Kind: KindHeading3, Text: strings.TrimPrefix(line, "### ")}
	case strings.HasPrefix(line, "## "):
		return Block{Kind: KindHeading2, Text: strings.TrimPrefix(line, "## ")}
	case strings.HasPrefix(line, "# "):
		return Block{Kind: KindHeading1, Text: strings.TrimPrefix(line, "# ")}
	case strings.HasPrefix(line, "- "):
		return Block{Kind: KindBullet, Text: strings.TrimPrefix(line, "- ")}
	case strings.HasPrefix(line, "* "):
		return Block{Kind: KindBullet, Text: strings.TrimPrefix(line, "* ")}
	case numberedPrefix.MatchString(line):
		return Block{Kind: KindNumbered, Text: numberedPrefix.ReplaceAllString(line, "")}
	case strings.TrimSpace(line) == "":
		return Block{Kind: KindBreak}
	default:
		return Block{Kind: KindParagraph, Text: line, Spans: SplitBold(line)}
	}
}

// SplitBold cuts a line into plain and bold spans. Delimiters are matched
// non-greedily, so "**a** and **b**" yields two bold spans.
func SplitBold(line string) []Span {
	matches := boldSpan.FindAllStringIndex(line, -1)
	spans := make([]Span, 0, 2*len(matches)+1)
	last := 0
	for _, m := range matches {
		if m[0] > last {
			spans = append(spans, Span{Text: line[last:m[0]]})
		}
		spans = append(spans, Span{Text: line[m[0]+2 : m[1]-2], Bold: true})
		last = m[1]
	}
	if last < len(line) {
		spans = append(spans, Span{Text: line[last:]})
	}
	return spans
}
