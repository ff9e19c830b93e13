package store

import (
	"reflect"
	"testing"
)

func TestChunkRange(t *testing.T) {
	var got [][2]int
	err := ChunkRange(7, 3, func(start, end int) error {
		got = append(got, [2]int{start, end})
		return nil
	})
	if err != nil {
		t.Fatalf("ChunkRange() error = %v", err)
	}
	want := [][2]int{{0, 3}, {3, 6}, {6, 7}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ChunkRange() = %v, want %v", got, want)
	}
}

func TestDedupeStrings(t *testing.T) {
	got := DedupeStrings([]string{"b", "", "a", "b", "c", "a"})
	want := []string{"b", "a", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DedupeStrings() = %v, want %v", got, want)
	}
}

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"HAS_PAGE", true},
		{"Category", true},
		{"", false},
		{"1Page", false},
		{"Page) DETACH DELETE (n", false},
		{"Page`", false},
	}
	for _, tt := range tests {
		if got := ValidIdentifier(tt.in); got != tt.want {
			t.Errorf("ValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEdgeUpsertValidate(t *testing.T) {
	ok := EdgeUpsert{FromLabel: LabelPage, From: "a", Type: RelHasChild, ToLabel: LabelChild, To: "b"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	missing := ok
	missing.To = ""
	if err := missing.Validate(); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
	bad := ok
	bad.Type = "HAS CHILD"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for invalid type")
	}
}
