package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

var tableDelimRe = regexp.MustCompile(`^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)+\|?\s*$`)

// sentenceBuffer accumulates line fragments until a terminal punctuation mark
// closes the current sentence.
type sentenceBuffer struct {
	out     []string
	current strings.Builder
}

func (b *sentenceBuffer) flush() {
	s := strings.TrimSpace(b.current.String())
	b.current.Reset()
	if s != "" {
		b.out = append(b.out, s)
	}
}

func (b *sentenceBuffer) addLine(line string) {
	for _, part := range splitLine(line) {
		if b.current.Len() > 0 {
			b.current.WriteString(" ")
		}
		b.current.WriteString(part)
		if endsSentence(part) {
			b.flush()
		}
	}
}

func endsSentence(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?")
}

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed != "" && strings.Contains(trimmed, "|")
}

// splitSentences breaks text into sentences. Lines wrapped inside a sentence
// are joined with a space, blank lines always end a sentence, and a markdown
// table (header row followed by a delimiter row) is kept as one unit.
func splitSentences(text string) []string {
	lines := strings.Split(text, "\n")
	var buf sentenceBuffer
	inTable := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if inTable {
			if isTableRow(line) {
				buf.current.WriteString("\n")
				buf.current.WriteString(line)
				continue
			}
			inTable = false
			buf.flush()
		}

		switch {
		case trimmed == "":
			buf.flush()
		case isTableRow(line) && i+1 < len(lines) && tableDelimRe.MatchString(strings.TrimSpace(lines[i+1])):
			buf.flush()
			inTable = true
			buf.current.WriteString(line)
		case isTableRow(line):
			buf.flush()
			buf.out = append(buf.out, trimmed)
		default:
			buf.addLine(trimmed)
		}
	}
	buf.flush()

	return buf.out
}

// splitLine cuts one line at sentence punctuation. A period right after a
// digit and followed by a space is a list marker ("1. "), not a boundary.
// Closing quotes and brackets stay with the sentence they close.
func splitLine(line string) []string {
	var parts []string
	var current strings.Builder

	for i := 0; i < len(line); i++ {
		c := line[i]
		current.WriteByte(c)
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if i > 0 && unicode.IsDigit(rune(line[i-1])) && i+1 < len(line) && line[i+1] == ' ' {
			continue
		}

		j := i + 1
		for j < len(line) && strings.IndexByte(".!?", line[j]) >= 0 {
			current.WriteByte(line[j])
			j++
		}
		for j < len(line) && strings.IndexByte("\"')]}", line[j]) >= 0 {
			current.WriteByte(line[j])
			j++
		}

		if s := strings.TrimSpace(current.String()); s != "" {
			parts = append(parts, s)
		}
		current.Reset()
		i = j - 1
	}

	if s := strings.TrimSpace(current.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}
