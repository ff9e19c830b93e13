package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/logger"
)

const (
	DefaultTavilyURL  = "https://api.tavily.com/search"
	DefaultMaxResults = 5
)

// TavilySearcher queries the Tavily search API.
type TavilySearcher struct {
	client     *http.Client
	apiKey     string
	baseURL    string
	maxResults int
	depth      string
}

type NewTavilySearcherParams struct {
	APIKey string
	// BaseURL defaults to DefaultTavilyURL.
	BaseURL string
	// MaxResults defaults to DefaultMaxResults.
	MaxResults int
	// Depth is "basic" or "advanced"; defaults to "basic".
	Depth   string
	Timeout time.Duration
	Client  *http.Client
}

// NewTavilySearcher creates a Tavily client.
//
// Example:
//
//	s, err := search.NewTavilySearcher(search.NewTavilySearcherParams{
//		APIKey: util.GetEnv("TAVILY_API_KEY"),
//	})
func NewTavilySearcher(params NewTavilySearcherParams) (*TavilySearcher, error) {
	if strings.TrimSpace(params.APIKey) == "" {
		return nil, apperr.Validation("search.NewTavilySearcher", "api key is required")
	}
	if params.BaseURL == "" {
		params.BaseURL = DefaultTavilyURL
	}
	if params.MaxResults <= 0 {
		params.MaxResults = DefaultMaxResults
	}
	if params.Depth == "" {
		params.Depth = "basic"
	}
	if params.Timeout <= 0 {
		params.Timeout = 20 * time.Second
	}
	client := params.Client
	if client == nil {
		client = &http.Client{Timeout: params.Timeout}
	}
	return &TavilySearcher{
		client:     client,
		apiKey:     params.APIKey,
		baseURL:    params.BaseURL,
		maxResults: params.MaxResults,
		depth:      params.Depth,
	}, nil
}

type tavilyRequest struct {
	Query       string `json:"query"`
	Topic       string `json:"topic"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (s *TavilySearcher) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("search.Tavily", "query is empty")
	}

	body, err := json.Marshal(tavilyRequest{
		Query:       query,
		Topic:       "general",
		SearchDepth: s.depth,
		MaxResults:  s.maxResults,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Permanent("search.Tavily", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, ai.ClassifyError("search.Tavily", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, ai.ClassifyStatus("search.Tavily", resp.StatusCode,
			fmt.Errorf("tavily returned %s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}

	var decoded tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apperr.Transient("search.Tavily", fmt.Errorf("decode response: %w", err))
	}

	out := make([]Result, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		if r.URL == "" {
			continue
		}
		out = append(out, Result{
			Title:   strings.TrimSpace(r.Title),
			URL:     r.URL,
			Snippet: strings.TrimSpace(r.Content),
			Score:   r.Score,
		})
		if len(out) == s.maxResults {
			break
		}
	}

	logger.Debug("[Search] Tavily search finished", "results", len(out), "duration", time.Since(start))
	return out, nil
}
