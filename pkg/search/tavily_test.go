package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/menome/thelink/backend/pkg/apperr"
)

func TestTavilySearch(t *testing.T) {
	var got tavilyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"title":" GDPR ","url":"https://example.com/gdpr","content":"Regulation text","score":0.9},
			{"title":"no url","url":"","content":"dropped"},
			{"title":"Second","url":"https://example.com/2","content":"more","score":0.5},
			{"title":"Third","url":"https://example.com/3","content":"cut","score":0.4}
		]}`))
	}))
	defer srv.Close()

	s, err := NewTavilySearcher(NewTavilySearcherParams{APIKey: "key", BaseURL: srv.URL, MaxResults: 2})
	if err != nil {
		t.Fatalf("NewTavilySearcher: %v", err)
	}
	results, err := s.Search(context.Background(), "  what is gdpr ")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got.Query != "what is gdpr" || got.MaxResults != 2 || got.SearchDepth != "basic" {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Title != "GDPR" || results[0].Snippet != "Regulation text" || results[1].URL != "https://example.com/2" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestTavilySearchClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		s, _ := NewTavilySearcher(NewTavilySearcherParams{APIKey: "key", BaseURL: srv.URL})
		_, err := s.Search(context.Background(), "q")
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if apperr.IsRetryable(err) != tt.retryable {
			t.Errorf("status %d: retryable = %v, want %v (%v)", tt.status, !tt.retryable, tt.retryable, err)
		}
	}
}

func TestTavilyRejectsEmptyInput(t *testing.T) {
	if _, err := NewTavilySearcher(NewTavilySearcherParams{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for missing key, got %v", err)
	}
	s, _ := NewTavilySearcher(NewTavilySearcherParams{APIKey: "key"})
	if _, err := s.Search(context.Background(), " "); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for empty query, got %v", err)
	}
}
