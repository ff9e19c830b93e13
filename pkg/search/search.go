// Package search is the external search collaborator the query router falls
// back to when the graph does not cover a question.
package search

import "context"

// Result is one web search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}
