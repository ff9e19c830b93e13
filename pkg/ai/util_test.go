package ai

import (
	"reflect"
	"testing"
)

func TestUnmarshalFlexible(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  categoriesResponse
	}{
		{
			name:  "valid json",
			input: `{"categories":[{"name":"Privacy Policy","description":"Rules on personal data."}]}`,
			want:  categoriesResponse{Categories: []CategoryCandidate{{Name: "Privacy Policy", Description: "Rules on personal data."}}},
		},
		{
			name:  "unquoted keys and single quotes",
			input: `{categories: [{name: 'Cookies', description: ''}]}`,
			want:  categoriesResponse{Categories: []CategoryCandidate{{Name: "Cookies"}}},
		},
		{
			name:  "trailing comma",
			input: `{"categories":[{"name":"Cookies","description":"x"},]}`,
			want:  categoriesResponse{Categories: []CategoryCandidate{{Name: "Cookies", Description: "x"}}},
		},
		{
			name:  "double encoded",
			input: `"{\"categories\":[{\"name\":\"GDPR\",\"description\":\"\"}]}"`,
			want:  categoriesResponse{Categories: []CategoryCandidate{{Name: "GDPR"}}},
		},
		{
			name:  "markdown code fence",
			input: "```json\n{\"categories\":[{\"name\":\"GDPR\",\"description\":\"\"}]}\n```",
			want:  categoriesResponse{Categories: []CategoryCandidate{{Name: "GDPR"}}},
		},
		{
			name:  "duplicate leading brace",
			input: "{\n{\n  \"categories\": []\n}\n",
			want:  categoriesResponse{Categories: []CategoryCandidate{}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got categoriesResponse
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecodeStructuredKeepsRaw(t *testing.T) {
	var got summaryResponse
	err := DecodeStructured("hello", &got)
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T (%v)", err, err)
	}
	if pe.Raw != "hello" {
		t.Fatalf("raw = %q, want %q", pe.Raw, "hello")
	}
}
