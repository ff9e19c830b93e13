// Package query answers questions over the knowledge graph. Find translates a
// question into a read-only graph query; Answer searches the graph, falls
// back to an external search at most once, and composes a cited answer.
package query

import (
	"context"

	"github.com/menome/thelink/backend/internal/timing"
	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/logger"
	"github.com/menome/thelink/backend/pkg/search"
	"github.com/menome/thelink/backend/pkg/store"
)

const (
	DefaultTopK             = 5
	DefaultScoreThreshold   = 0.5
	DefaultMinSources       = 1
	DefaultMaxRegenerations = 2
	DefaultResultLimit      = 25
)

// Embedder turns a question into a vector. *embed.Embedder satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Router struct {
	ai       ai.GraphAIClient
	store    store.Reader
	embedder Embedder
	searcher search.Searcher
	tracer   Tracer
	start    func() *timing.Stopwatch

	topK             int
	scoreThreshold   float64
	minSources       int
	maxRegenerations int
	resultLimit      int
	opts             []ai.GenerateOption
}

type NewRouterParams struct {
	AI       ai.GraphAIClient
	Store    store.Reader
	Embedder Embedder
	// Searcher is optional. Without it Answer never leaves the graph.
	Searcher search.Searcher
	// Tracer receives every request's events in addition to the per-request
	// trace returned in Diagnostics.
	Tracer Tracer

	// TopK is the number of internal sources kept per request.
	TopK int
	// ScoreThreshold is the minimum similarity of an internal source.
	ScoreThreshold float64
	// MinSources is the number of internal sources that counts as sufficient
	// coverage. Fewer triggers the external search.
	MinSources int
	// MaxRegenerations bounds how often Find asks for a new graph query
	// after the first one failed.
	MaxRegenerations int
	// ResultLimit is appended to generated queries without a LIMIT.
	ResultLimit int
	Model       string
}

// NewRouter creates a retrieval router.
//
// Example:
//
//	router := query.NewRouter(query.NewRouterParams{
//		AI:       aiClient,
//		Store:    graphStore,
//		Embedder: embedder,
//		Searcher: tavily,
//	})
//	answer, err := router.Answer(ctx, "Which retention period applies to logs?")
func NewRouter(params NewRouterParams) *Router {
	if params.TopK <= 0 {
		params.TopK = DefaultTopK
	}
	if params.ScoreThreshold <= 0 {
		params.ScoreThreshold = DefaultScoreThreshold
	}
	if params.MinSources <= 0 {
		params.MinSources = DefaultMinSources
	}
	if params.MaxRegenerations < 0 {
		params.MaxRegenerations = 0
	}
	if params.ResultLimit <= 0 {
		params.ResultLimit = DefaultResultLimit
	}
	var opts []ai.GenerateOption
	if params.Model != "" {
		opts = append(opts, ai.WithModel(params.Model))
	}

	return &Router{
		ai:               params.AI,
		store:            params.Store,
		embedder:         params.Embedder,
		searcher:         params.Searcher,
		tracer:           params.Tracer,
		start:            timing.Start,
		topK:             params.TopK,
		scoreThreshold:   params.ScoreThreshold,
		minSources:       params.MinSources,
		maxRegenerations: params.MaxRegenerations,
		resultLimit:      params.ResultLimit,
		opts:             opts,
	}
}

// Diagnostics describes how a request was served.
type Diagnostics struct {
	States         []State            `json:"states"`
	Timings        timing.Timings     `json:"timings"`
	Class          ai.QuestionClass   `json:"class,omitempty"`
	ExternalSearch bool               `json:"external_search"`
	Attempts       int                `json:"attempts,omitempty"`
	Trace          QueryTraceSnapshot `json:"trace"`
	Error          string             `json:"error,omitempty"`
}

// request bundles the per-request bookkeeping.
type request struct {
	sm    *machine
	sw    *timing.Stopwatch
	trace *QueryTrace

	class    ai.QuestionClass
	external bool
	attempts int
}

func (r *Router) begin() *request {
	trace := NewQueryTrace()
	var tracer Tracer = trace
	if r.tracer != nil {
		tracer = MultiTracer{trace, r.tracer}
	}
	return &request{sm: newMachine(tracer), sw: r.start(), trace: trace}
}

func (q *request) tracer() Tracer {
	return q.sm.tracer
}

// finish moves the request to its terminal state.
func (q *request) finish(op string, err error) {
	if err != nil {
		q.sm.fail()
		logger.Warn("[Query] Request failed", "op", op, "states", q.sm.states(), "err", err)
		return
	}
	if err := q.sm.to(StateReturned); err != nil {
		logger.Error("[Query] Request ended in an unexpected state", "op", op, "err", err)
		return
	}
	logger.Debug("[Query] Request served", "op", op, "class", q.class, "external", q.external)
}

func (q *request) diagnostics(err error) Diagnostics {
	d := Diagnostics{
		States:         q.sm.states(),
		Timings:        q.sw.Snapshot(),
		Class:          q.class,
		ExternalSearch: q.external,
		Attempts:       q.attempts,
		Trace:          q.trace.Snapshot(),
	}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}
