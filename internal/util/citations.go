package util

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var (
	reBoldDouble  = regexp.MustCompile(`\*\*\s*\[\[([^][]+)\]\]\s*\*\*`)
	reBoldSingle  = regexp.MustCompile(`\*\*\s*\[([^][]+)\]\s*\*\*`)
	reCitation    = regexp.MustCompile(`\[\[([^][]+)\]\]`)
	reCitationGap = regexp.MustCompile(`\]\][\t ]+\[\[`)
)

// NormalizeCitations rewrites the citation markup a model produces into the
// canonical [[source-id]] form. Single-bracketed and bolded source ids are
// upgraded, markdown links are left alone, and runs of the same citation are
// collapsed into one.
func NormalizeCitations(s string) string {
	s = reBoldDouble.ReplaceAllString(s, "[[$1]]")
	s = reBoldSingle.ReplaceAllString(s, "[$1]")

	s = upgradeSourceBrackets(s)
	s = dedupeAdjacentCitations(s)

	s = reCitationGap.ReplaceAllString(s, "]] [[")

	return s
}

// ExtractCitations returns the distinct source ids cited in s, in order of
// first appearance.
func ExtractCitations(s string) []string {
	matches := reCitation.FindAllStringSubmatch(s, -1)
	seen := make(map[string]struct{}, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		id := strings.TrimSpace(m[1])
		if !isSourceID(id) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func isSourceID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func upgradeSourceBrackets(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '[' {
			b.WriteByte(s[i])
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == '[' {
			b.WriteString("[[")
			i += 2
			continue
		}
		j := i + 1
		for j < len(s) && s[j] != ']' && s[j] != '[' {
			j++
		}
		if j >= len(s) || s[j] == '[' {
			b.WriteByte(s[i])
			i++
			continue
		}

		inner := s[i+1 : j]
		if j+1 < len(s) && s[j+1] == '(' || !isSourceID(strings.TrimSpace(inner)) {
			b.WriteString(s[i : j+1])
			i = j + 1
			continue
		}
		b.WriteString("[[")
		b.WriteString(strings.TrimSpace(inner))
		b.WriteString("]]")
		i = j + 1
	}
	return b.String()
}

func dedupeAdjacentCitations(s string) string {
	matches := reCitation.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	cursor := 0

	for mi := 0; mi < len(matches); mi++ {
		m := matches[mi]
		start, end := m[0], m[1]
		id := s[m[2]:m[3]]

		b.WriteString(s[cursor:start])

		dupEnd := end
		next := mi + 1
		for next < len(matches) {
			sep := s[dupEnd:matches[next][0]]
			if !onlyWhitespace(sep) {
				break
			}
			if s[matches[next][2]:matches[next][3]] != id {
				break
			}
			dupEnd = matches[next][1]
			next++
		}

		b.WriteString(s[start:end])

		cursor = dupEnd
		mi = next - 1
	}

	if cursor < len(s) {
		b.WriteString(s[cursor:])
	}
	return b.String()
}

func onlyWhitespace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
