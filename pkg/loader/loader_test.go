package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/menome/thelink/backend/pkg/apperr"
)

type staticLoader struct {
	loaded Loaded
	err    error
	calls  []string
}

func (s *staticLoader) LoadText(ctx context.Context, location string) (Loaded, error) {
	s.calls = append(s.calls, location)
	return s.loaded, s.err
}

func TestLoadDispatches(t *testing.T) {
	web := &staticLoader{loaded: Loaded{Text: "  web text \r\n", Title: "Page"}}
	files := &staticLoader{loaded: Loaded{Text: "file text"}}
	l := NewLoader(NewLoaderParams{Web: web, Files: files})
	ctx := context.Background()

	got, err := l.Load(ctx, Source{URL: "https://example.com/terms"})
	if err != nil {
		t.Fatalf("Load url: %v", err)
	}
	if got.Text != "web text" || got.URL != "https://example.com/terms" || got.Title != "Page" {
		t.Fatalf("unexpected result %+v", got)
	}

	got, err = l.Load(ctx, Source{FileKey: "docs/a.txt"})
	if err != nil {
		t.Fatalf("Load file: %v", err)
	}
	if got.Text != "file text" || len(files.calls) != 1 || files.calls[0] != "docs/a.txt" {
		t.Fatalf("unexpected file load %+v %v", got, files.calls)
	}
}

func TestLoadRejects(t *testing.T) {
	empty := &staticLoader{loaded: Loaded{Text: " \n\n "}}
	l := NewLoader(NewLoaderParams{Web: empty})
	ctx := context.Background()

	tests := []struct {
		name string
		src  Source
		want error
	}{
		{"no source", Source{}, apperr.ErrValidation},
		{"both sources", Source{URL: "u", FileKey: "k"}, apperr.ErrValidation},
		{"empty text", Source{URL: "https://example.com"}, apperr.ErrValidation},
		{"no file loader", Source{FileKey: "k"}, apperr.ErrPermanentProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Load(ctx, tt.src); !errors.Is(err, tt.want) {
				t.Fatalf("Load = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCleanText(t *testing.T) {
	in := "Title  \r\n\r\n\r\n  Body line one\t\nline two\n\n\n"
	want := "Title\n\n  Body line one\nline two"
	if got := CleanText(in); got != want {
		t.Fatalf("CleanText = %q, want %q", got, want)
	}
}
