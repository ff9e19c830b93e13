package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/menome/thelink/backend/pkg/apperr"
)

const page = `<!doctype html>
<html><head><title>Privacy Policy | Example</title>
<meta property="og:site_name" content="Example Corp"></head>
<body><nav>Home About</nav>
<article><h1>Privacy Policy</h1>
<p>We collect the minimum personal data needed to run the service. This paragraph is long enough for readability to keep it as the main content of the page.</p>
<p>Data is retained for twelve months and deleted afterwards unless the law requires otherwise. You can ask for a copy of your data at any time.</p>
</article></body></html>`

func TestLoadTextHTML(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	l := NewWebLoader(NewWebLoaderParams{})
	got, err := l.LoadText(context.Background(), srv.URL+"/privacy")
	if err != nil {
		t.Fatalf("LoadText: %v", err)
	}
	if !strings.Contains(got.Text, "retained for twelve months") {
		t.Fatalf("article text missing: %q", got.Text)
	}
	if got.Title != "Privacy Policy | Example" || got.Publisher != "Example Corp" {
		t.Fatalf("unexpected meta %q / %q", got.Title, got.Publisher)
	}

	if _, err := l.LoadText(context.Background(), srv.URL+"/privacy"); err != nil {
		t.Fatalf("second LoadText: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected cached second load, got %d hits", hits)
	}
}

func TestLoadTextPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain body"))
	}))
	defer srv.Close()

	got, err := NewWebLoader(NewWebLoaderParams{}).LoadText(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("LoadText: %v", err)
	}
	if got.Text != "plain body" {
		t.Fatalf("unexpected text %q", got.Text)
	}
}

func TestLoadTextStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, apperr.ErrPermanentProvider},
		{http.StatusServiceUnavailable, apperr.ErrTransientProvider},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := NewWebLoader(NewWebLoaderParams{}).LoadText(context.Background(), srv.URL)
		srv.Close()
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: got %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestLoadTextRejectsScheme(t *testing.T) {
	if _, err := NewWebLoader(NewWebLoaderParams{}).LoadText(context.Background(), "file:///etc/passwd"); err == nil {
		t.Fatal("expected error for file url")
	}
}
