package category

import (
	"regexp"
	"strings"
)

var (
	leadingNoiseRe = regexp.MustCompile(`^[#$%()+\-./0-9]`)
	digitRe        = regexp.MustCompile(`[0-9]`)
	symbolRe       = regexp.MustCompile(`[$%()+\-./]`)
	// CJK, kana, Cyrillic, Arabic, Hebrew, Devanagari, Ethiopic, Myanmar,
	// Greek, Armenian and Latin-1 letters
	scriptRe = regexp.MustCompile(`[\x{4E00}-\x{9FFF}\x{3040}-\x{309F}\x{30A0}-\x{30FF}\x{0400}-\x{04FF}\x{0600}-\x{06FF}\x{0590}-\x{05FF}\x{0900}-\x{097F}\x{1200}-\x{137F}\x{1000}-\x{109F}\x{0370}-\x{03FF}\x{0530}-\x{058F}\x{00C0}-\x{00FF}]`)
	lettersRe = regexp.MustCompile(`[^A-Za-z\s]`)
)

// invalidTerms are names models tend to hallucinate from prompt context.
var invalidTerms = map[string]struct{}{
	"ctx":           {},
	"x0":            {},
	"gpt-3.5-turbo": {},
	"gpt-4 turbo":   {},
}

const minNameLength = 3

// CleanName trims a category name and collapses inner whitespace.
func CleanName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// NormalizeName is the key used for exact-name merging.
func NormalizeName(name string) string {
	return strings.ToLower(CleanName(name))
}

// IsNoise reports whether name is an extraction artifact that should be
// deleted rather than resolved against other categories.
func IsNoise(name string) bool {
	name = CleanName(name)
	if name == "" {
		return true
	}
	if _, ok := invalidTerms[strings.ToLower(name)]; ok {
		return true
	}
	letters := strings.Join(strings.Fields(lettersRe.ReplaceAllString(name, "")), " ")
	if len(letters) < minNameLength {
		return true
	}
	return leadingNoiseRe.MatchString(name) ||
		digitRe.MatchString(name) ||
		symbolRe.MatchString(name) ||
		scriptRe.MatchString(name)
}
