package query

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/menome/thelink/backend/internal/timing"
	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/ai/aitest"
	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/search"
	"github.com/menome/thelink/backend/pkg/store"
	"github.com/menome/thelink/backend/pkg/store/storetest"
)

const (
	docID   = "0b0e8c2a-6a4e-4d0e-9a53-6f4f3c7c1a01"
	pageID  = "0b0e8c2a-6a4e-4d0e-9a53-6f4f3c7c1a02"
	childID = "0b0e8c2a-6a4e-4d0e-9a53-6f4f3c7c1a03"
	sumID   = "0b0e8c2a-6a4e-4d0e-9a53-6f4f3c7c1a04"
)

type vectorEmbedder struct{ vec []float32 }

func (e vectorEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vec, nil
}

type fakeSearcher struct {
	mu      sync.Mutex
	calls   int
	results []search.Result
	err     error
}

func (s *fakeSearcher) Search(ctx context.Context, query string) ([]search.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.results, s.err
}

// policyGraph holds one document about log retention whose nodes all point
// along the x axis.
func policyGraph(t *testing.T) *storetest.Graph {
	t.Helper()
	g := storetest.New()
	ctx := context.Background()
	err := g.UpsertNodes(ctx,
		store.NodeUpsert{Label: store.LabelDocument, UUID: docID, Properties: map[string]any{"name": "Privacy Policy"}},
		store.NodeUpsert{Label: store.LabelPage, UUID: pageID, Properties: map[string]any{
			"name": "Page 1", "text": "Server logs are kept for 30 days.", "embedding": []float32{1, 0},
		}},
		store.NodeUpsert{Label: store.LabelChild, UUID: childID, Properties: map[string]any{
			"name": "1-1", "text": "Server logs are kept for 30 days.", "source": docID, "embedding": []float32{1, 0},
		}},
		store.NodeUpsert{Label: store.LabelSummary, UUID: sumID, Properties: map[string]any{
			"text": "The page describes log retention.", "embedding": []float32{0.9, 0.1},
		}},
	)
	if err != nil {
		t.Fatalf("UpsertNodes: %v", err)
	}
	err = g.UpsertEdges(ctx,
		store.EdgeUpsert{FromLabel: store.LabelDocument, From: docID, Type: store.RelHasPage, ToLabel: store.LabelPage, To: pageID},
		store.EdgeUpsert{FromLabel: store.LabelPage, From: pageID, Type: store.RelHasChild, ToLabel: store.LabelChild, To: childID},
		store.EdgeUpsert{FromLabel: store.LabelPage, From: pageID, Type: store.RelHasSummary, ToLabel: store.LabelSummary, To: sumID},
	)
	if err != nil {
		t.Fatalf("UpsertEdges: %v", err)
	}
	return g
}

func classifyAs(class ai.QuestionClass) *aitest.Client {
	return aitest.New().Reply("classify_question", `{"classification":"`+string(class)+`"}`)
}

func TestAnswerSpecificQuestionWithCoverageSkipsExternalSearch(t *testing.T) {
	g := policyGraph(t)
	client := classifyAs(ai.QuestionSpecific).OnCompletion(func(prompt string) (string, error) {
		if !strings.Contains(prompt, "[["+childID+"]]") {
			t.Errorf("prompt does not list the child source:\n%s", prompt)
		}
		return "Logs are kept for 30 days **[[" + childID + "]]**.", nil
	})
	searcher := &fakeSearcher{}
	router := NewRouter(NewRouterParams{
		AI: client, Store: g, Embedder: vectorEmbedder{vec: []float32{1, 0}}, Searcher: searcher,
	})

	answer, err := router.Answer(context.Background(), "How long are server logs kept?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if searcher.calls != 0 {
		t.Fatalf("expected zero external search calls, got %d", searcher.calls)
	}
	wantStates := []State{StateReceived, StateClassified, StateInternalSearch, StateComposed, StateReturned}
	if !reflect.DeepEqual(answer.Diagnostics.States, wantStates) {
		t.Fatalf("states = %v, want %v", answer.Diagnostics.States, wantStates)
	}
	if answer.Answer != "Logs are kept for 30 days [["+childID+"]]." {
		t.Fatalf("unexpected answer %q", answer.Answer)
	}
	if len(answer.Sources) != 1 || answer.Sources[0].ID != childID || answer.Sources[0].DocumentUUID != docID {
		t.Fatalf("unexpected sources %+v", answer.Sources)
	}
	if !reflect.DeepEqual(answer.Diagnostics.Trace.UsedSourceIDs, []string{childID}) {
		t.Fatalf("used ids = %v", answer.Diagnostics.Trace.UsedSourceIDs)
	}
	if answer.Diagnostics.Class != ai.QuestionSpecific || answer.Diagnostics.ExternalSearch {
		t.Fatalf("unexpected diagnostics %+v", answer.Diagnostics)
	}
	for _, stage := range []string{timing.StageSetup, timing.StageRetrieval, timing.StageCompose, timing.StageTotal} {
		if _, ok := answer.Diagnostics.Timings[stage]; !ok {
			t.Errorf("missing timing for stage %q", stage)
		}
	}
	if g.Searches(store.IndexChild) != 1 || g.Searches(store.IndexPage) != 0 {
		t.Fatalf("specific questions search children only")
	}
}

func TestAnswerGeneralQuestionSearchesPagesAndSummaries(t *testing.T) {
	g := policyGraph(t)
	client := classifyAs(ai.QuestionGeneral).OnCompletion(func(string) (string, error) {
		return "Retention is described [[" + sumID + "]].", nil
	})
	router := NewRouter(NewRouterParams{AI: client, Store: g, Embedder: vectorEmbedder{vec: []float32{1, 0}}})

	answer, err := router.Answer(context.Background(), "What does the policy say about data?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if g.Searches(store.IndexPage) != 1 || g.Searches(store.IndexSummary) != 1 || g.Searches(store.IndexChild) != 0 {
		t.Fatalf("general questions search pages and summaries")
	}
	if len(answer.Sources) != 2 || answer.Sources[0].ID != pageID {
		t.Fatalf("expected page then summary by score, got %+v", answer.Sources)
	}
}

func TestAnswerFallsBackToExternalSearchOnce(t *testing.T) {
	g := policyGraph(t)
	searcher := &fakeSearcher{results: []search.Result{
		{Title: "GDPR", URL: "https://example.com/gdpr", Snippet: "Article 5 limits storage."},
		{Title: "GDPR again", URL: "https://example.com/gdpr", Snippet: "duplicate"},
	}}
	var cited string
	client := classifyAs(ai.QuestionSpecific).OnCompletion(func(prompt string) (string, error) {
		start := strings.Index(prompt, "[[")
		end := strings.Index(prompt, "]]")
		cited = prompt[start+2 : end]
		return "Storage is limited [[" + cited + "]].", nil
	})
	router := NewRouter(NewRouterParams{
		AI: client, Store: g, Embedder: vectorEmbedder{vec: []float32{0, 1}}, Searcher: searcher,
	})

	answer, err := router.Answer(context.Background(), "What does Article 5 GDPR say?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if searcher.calls != 1 {
		t.Fatalf("expected exactly one external search, got %d", searcher.calls)
	}
	wantStates := []State{StateReceived, StateClassified, StateInternalSearch, StateExternalSearch, StateComposed, StateReturned}
	if !reflect.DeepEqual(answer.Diagnostics.States, wantStates) {
		t.Fatalf("states = %v, want %v", answer.Diagnostics.States, wantStates)
	}
	if len(answer.Sources) != 1 || answer.Sources[0].Kind != common.SourceKindExternal || answer.Sources[0].ID != cited {
		t.Fatalf("unexpected sources %+v", answer.Sources)
	}
	if !answer.Diagnostics.ExternalSearch {
		t.Fatal("expected external search to be reported")
	}
}

func TestAnswerFailsWhenEverySearchFails(t *testing.T) {
	g := policyGraph(t)
	g.BeforeSearch = func(store.VectorIndex) error {
		return apperr.Transient("storetest", errors.New("store down"))
	}
	searcher := &fakeSearcher{err: apperr.Transient("search", errors.New("rate limited"))}
	client := classifyAs(ai.QuestionSpecific)
	router := NewRouter(NewRouterParams{
		AI: client, Store: g, Embedder: vectorEmbedder{vec: []float32{1, 0}}, Searcher: searcher,
	})

	answer, err := router.Answer(context.Background(), "How long are logs kept?")
	if err == nil {
		t.Fatal("expected error")
	}
	states := answer.Diagnostics.States
	if states[len(states)-1] != StateFailed {
		t.Fatalf("expected failed terminal state, got %v", states)
	}
	if client.Calls("completion") != 0 {
		t.Fatal("no answer should be composed")
	}
	if answer.Diagnostics.Error == "" {
		t.Fatal("expected error in diagnostics")
	}
}

func TestAnswerWithoutSourcesReturnsNoDataAnswer(t *testing.T) {
	g := policyGraph(t)
	client := classifyAs(ai.QuestionSpecific)
	router := NewRouter(NewRouterParams{AI: client, Store: g, Embedder: vectorEmbedder{vec: []float32{0, 1}}})

	answer, err := router.Answer(context.Background(), "Who won the match?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answer.Answer != NoDataAnswer || client.Calls("completion") != 0 {
		t.Fatalf("expected canned answer without a model call, got %q", answer.Answer)
	}
}

func TestAnswerRejectsEmptyQuestion(t *testing.T) {
	router := NewRouter(NewRouterParams{AI: aitest.New(), Store: storetest.New(), Embedder: vectorEmbedder{}})
	answer, err := router.Answer(context.Background(), "   ")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !reflect.DeepEqual(answer.Diagnostics.States, []State{StateReceived, StateFailed}) {
		t.Fatalf("states = %v", answer.Diagnostics.States)
	}
}

func TestAnswerClassificationFailureFails(t *testing.T) {
	client := aitest.New().On("classify_question", func(string) (string, error) {
		return "", apperr.Permanent("aitest", errors.New("bad request"))
	})
	router := NewRouter(NewRouterParams{AI: client, Store: storetest.New(), Embedder: vectorEmbedder{}})
	answer, err := router.Answer(context.Background(), "Anything?")
	if !errors.Is(err, apperr.ErrPermanentProvider) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !reflect.DeepEqual(answer.Diagnostics.States, []State{StateReceived, StateFailed}) {
		t.Fatalf("states = %v", answer.Diagnostics.States)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateClassified, true},
		{StateReceived, StateInternalSearch, false},
		{StateClassified, StateStructuredQuery, true},
		{StateInternalSearch, StateExternalSearch, true},
		{StateStructuredQuery, StateExternalSearch, false},
		{StateExternalSearch, StateExternalSearch, false},
		{StateExternalSearch, StateComposed, true},
		{StateComposed, StateReturned, true},
		{StateComposed, StateFailed, true},
		{StateReturned, StateFailed, false},
		{StateFailed, StateReceived, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
