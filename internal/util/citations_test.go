package util

import (
	"reflect"
	"testing"
)

const (
	src1 = "3f2c1a9e-8b7d-4c6e-9a51-0d2e4f6a8b10"
	src2 = "7a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"
)

func TestNormalizeCitations(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"AlreadyOK", "See [[" + src1 + "]]", "See [[" + src1 + "]]"},
		{"SingleBracket", "See [" + src1 + "]", "See [[" + src1 + "]]"},
		{"BoldSingle", "See **[" + src1 + "]**", "See [[" + src1 + "]]"},
		{"BoldDouble", "See **[[" + src1 + "]]**", "See [[" + src1 + "]]"},
		{"LinkSkipped", "[text](http://example.com) and [" + src1 + "]", "[text](http://example.com) and [[" + src1 + "]]"},
		{"PlainBracketKept", "a [note] here", "a [note] here"},
		{"DedupWhitespace", "[[" + src1 + "]] [[" + src1 + "]] then", "[[" + src1 + "]] then"},
		{"DifferentKept", "[[" + src1 + "]]   [[" + src2 + "]]", "[[" + src1 + "]] [[" + src2 + "]]"},
		{"Dangling", "Dangling: [" + src1, "Dangling: [" + src1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeCitations(tc.in); got != tc.want {
				t.Fatalf("NormalizeCitations(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExtractCitations(t *testing.T) {
	in := "A [[" + src2 + "]] b [[" + src1 + "]] c [[" + src2 + "]] d [[not-an-id]]"
	want := []string{src2, src1}
	if got := ExtractCitations(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractCitations() = %#v, want %#v", got, want)
	}
}
