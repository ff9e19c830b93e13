package category

import (
	"math"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// WordSimilarity is the edit distance between the normalised names scaled
// to [0, 1], where 1 means identical.
func WordSimilarity(a, b string) float64 {
	a, b = NormalizeName(a), NormalizeName(b)
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// Cosine returns 0 when either vector is empty or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
