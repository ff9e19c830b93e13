package community

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/menome/thelink/backend/pkg/ai/aitest"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/store"
	"github.com/menome/thelink/backend/pkg/store/storetest"
)

// buildGraph writes documents whose children mention the given category
// names. mentions maps "doc/child" to category names.
func buildGraph(t *testing.T, mentions map[string][]string) *storetest.Graph {
	t.Helper()
	g := storetest.New()
	ctx := context.Background()
	for key, names := range mentions {
		doc, child, _ := strings.Cut(key, "/")
		page := doc + "-page"
		nodes := []store.NodeUpsert{
			{Label: store.LabelDocument, UUID: doc},
			{Label: store.LabelPage, UUID: page},
			{Label: store.LabelChild, UUID: child},
		}
		edges := []store.EdgeUpsert{
			{FromLabel: store.LabelDocument, From: doc, Type: store.RelHasPage, ToLabel: store.LabelPage, To: page},
			{FromLabel: store.LabelPage, From: page, Type: store.RelHasChild, ToLabel: store.LabelChild, To: child},
		}
		for _, n := range names {
			nodes = append(nodes, store.NodeUpsert{Label: store.LabelCategory, UUID: n, Properties: map[string]any{
				"name": n, "description": "about " + n,
			}})
			edges = append(edges, store.EdgeUpsert{
				FromLabel: store.LabelChild, From: child, Type: store.RelMentions, ToLabel: store.LabelCategory, To: n,
			})
		}
		if err := g.UpsertNodes(ctx, nodes...); err != nil {
			t.Fatalf("UpsertNodes: %v", err)
		}
		if err := g.UpsertEdges(ctx, edges...); err != nil {
			t.Fatalf("UpsertEdges: %v", err)
		}
	}
	return g
}

func fixture(t *testing.T) *storetest.Graph {
	return buildGraph(t, map[string][]string{
		"d1/c1": {"Cookies", "Tracking"},
		"d1/c2": {"Cookies", "Tracking", "Consent"},
		"d2/c3": {"Consent", "Cookies"},
		"d2/c4": {"Retention", "Deletion"},
		"d3/c5": {"Retention", "Deletion"},
		"d3/c6": {"Jurisdiction"},
	})
}

func membersOf(communities []common.Community) [][]string {
	out := make([][]string, len(communities))
	for i, c := range communities {
		out[i] = c.Members
	}
	return out
}

func TestGenerateClustersCoOccurrence(t *testing.T) {
	g := fixture(t)
	d := NewDetector(NewDetectorParams{Store: g})

	res, err := d.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := [][]string{
		{"Consent", "Cookies", "Tracking"},
		{"Deletion", "Retention"},
		{"Jurisdiction"},
	}
	if got := membersOf(res.Communities); !reflect.DeepEqual(got, want) {
		t.Fatalf("communities = %v, want %v", got, want)
	}
	ranks := []int{res.Communities[0].Rank, res.Communities[1].Rank, res.Communities[2].Rank}
	if !reflect.DeepEqual(ranks, []int{2, 2, 1}) {
		t.Fatalf("ranks = %v", ranks)
	}
	if res.Levels != 1 {
		t.Fatalf("disconnected clusters should stay at level 0, got %d levels", res.Levels)
	}
	if res.Stats.Count != 3 || res.Stats.Max != 3 || res.Stats.P50 != 2 {
		t.Fatalf("unexpected stats %+v", res.Stats)
	}
}

func TestGenerateLinksCategoriesOfOneDocument(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"d1/c1": {"Consent", "Cookies"},
		"d1/c2": {"Tracking"},
		"d2/c3": {"Retention"},
	})
	ctx := context.Background()
	var edges []store.EdgeUpsert
	for _, n := range []string{"Consent", "Cookies", "Tracking"} {
		edges = append(edges, store.EdgeUpsert{
			FromLabel: store.LabelDocument, From: "d1", Type: store.RelMentions, ToLabel: store.LabelCategory, To: n,
		})
	}
	if err := g.UpsertEdges(ctx, edges...); err != nil {
		t.Fatalf("UpsertEdges: %v", err)
	}

	links, err := g.CategoryLinks(ctx)
	if err != nil {
		t.Fatalf("CategoryLinks: %v", err)
	}
	wantLinks := []common.CategoryLink{
		{From: "Consent", To: "Cookies", Weight: store.ChildLinkWeight + store.DocumentLinkWeight},
		{From: "Consent", To: "Tracking", Weight: store.DocumentLinkWeight},
		{From: "Cookies", To: "Tracking", Weight: store.DocumentLinkWeight},
	}
	if !reflect.DeepEqual(links, wantLinks) {
		t.Fatalf("links = %v, want %v", links, wantLinks)
	}

	res, err := NewDetector(NewDetectorParams{Store: g}).Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := [][]string{{"Consent", "Cookies", "Tracking"}, {"Retention"}}
	if got := membersOf(res.Communities); !reflect.DeepEqual(got, want) {
		t.Fatalf("communities = %v, want %v", got, want)
	}
}

// bridged is two tight clusters joined by a single shared child.
func bridged(t *testing.T) *storetest.Graph {
	return buildGraph(t, map[string][]string{
		"d1/c1": {"a1", "a2", "a3"},
		"d1/c2": {"a1", "a2", "a3"},
		"d2/c3": {"a3", "b1"},
		"d3/c4": {"b1", "b2", "b3"},
		"d3/c5": {"b1", "b2", "b3"},
	})
}

func TestGenerateBuildsSecondLevel(t *testing.T) {
	g := bridged(t)
	ctx := context.Background()

	res, err := NewDetector(NewDetectorParams{Store: g}).Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Levels != 2 || len(res.Communities) != 3 {
		t.Fatalf("expected 2 levels and 3 communities, got %d and %v", res.Levels, res.Communities)
	}
	want := [][]string{
		{"a1", "a2", "a3"},
		{"b1", "b2", "b3"},
		{"a1", "a2", "a3", "b1", "b2", "b3"},
	}
	if got := membersOf(res.Communities); !reflect.DeepEqual(got, want) {
		t.Fatalf("communities = %v, want %v", got, want)
	}
	top := res.Communities[2]
	if top.ID != "community-1-0" || top.Level != 1 || top.Rank != 3 {
		t.Fatalf("unexpected level 1 community %+v", top)
	}
	if res.Stats.Count != 2 || res.Stats.Max != 3 {
		t.Fatalf("stats should describe level 0, got %+v", res.Stats)
	}

	stored, _ := g.ListCommunities(ctx)
	if len(stored) != 3 || stored[2].Level != 1 || len(stored[2].Members) != 6 {
		t.Fatalf("unexpected stored communities %+v", stored)
	}
}

func TestGenerateRespectsLevelCap(t *testing.T) {
	g := bridged(t)
	res, err := NewDetector(NewDetectorParams{Store: g, MaxLevels: 1}).Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Levels != 1 || len(res.Communities) != 2 {
		t.Fatalf("expected level 0 only, got %d levels and %v", res.Levels, res.Communities)
	}
}

func TestGenerateIsDeterministicAndReplaces(t *testing.T) {
	g := fixture(t)
	d := NewDetector(NewDetectorParams{Store: g})
	ctx := context.Background()

	first, err := d.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := d.Generate(ctx)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if !reflect.DeepEqual(first.Communities, again.Communities) {
			t.Fatalf("run %d differs:\n%v\n%v", i, first.Communities, again.Communities)
		}
	}
	stored, _ := g.ListCommunities(ctx)
	if len(stored) != len(first.Communities) {
		t.Fatalf("expected stored set to be replaced, got %d communities", len(stored))
	}
}

func TestSummarizeSkipsModelForSmallCommunities(t *testing.T) {
	g := fixture(t)
	client := aitest.New().Reply("summarize_community", `{"summary":"Cookie consent and tracking."}`)
	d := NewDetector(NewDetectorParams{Store: g, AI: client, MinSize: 3})
	ctx := context.Background()
	if _, err := d.Generate(ctx); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	summaries, err := d.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if client.Calls("summarize_community") != 1 {
		t.Fatalf("expected 1 model call, got %d", client.Calls("summarize_community"))
	}
	got := map[string]Summary{}
	for _, s := range summaries {
		got[s.CommunityID] = s
	}
	if s := got["community-0-0"]; !s.Generated || s.Text != "Cookie consent and tracking." {
		t.Fatalf("unexpected generated summary %+v", s)
	}
	if s := got["community-0-1"]; s.Generated || s.Text != "Deletion, Retention" {
		t.Fatalf("unexpected pass-through summary %+v", s)
	}
	if s := got["community-0-2"]; s.Text != "Jurisdiction: about Jurisdiction" {
		t.Fatalf("unexpected singleton summary %+v", s)
	}

	stored, _ := g.ListCommunities(ctx)
	for _, c := range stored {
		if c.Summary == "" {
			t.Fatalf("community %s has no stored summary", c.ID)
		}
	}
}

func TestSummarizeToleratesFailures(t *testing.T) {
	g := fixture(t)
	client := aitest.New().On("summarize_community", func(string) (string, error) {
		return "", errors.New("upstream down")
	})
	d := NewDetector(NewDetectorParams{Store: g, AI: client, MinSize: 2})
	ctx := context.Background()
	if _, err := d.Generate(ctx); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	summaries, err := d.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(summaries) != 1 || summaries[0].CommunityID != "community-0-2" {
		t.Fatalf("expected only the singleton summary, got %+v", summaries)
	}
}

func TestPropagateIsolatedNodes(t *testing.T) {
	label := propagate([]string{"b", "a", "c"}, []common.CategoryLink{{From: "a", To: "b", Weight: 1}}, 10)
	got := membersOf(group(label, 0))
	want := [][]string{{"a", "b"}, {"c"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPercentile(t *testing.T) {
	sizes := []int{1, 1, 1, 2, 2, 3, 5, 8, 13, 40}
	tests := []struct {
		p    int
		want int
	}{
		{25, 1}, {50, 2}, {75, 8}, {90, 13}, {99, 40},
	}
	for _, tt := range tests {
		if got := percentile(sizes, tt.p); got != tt.want {
			t.Errorf("percentile(%d) = %d, want %d", tt.p, got, tt.want)
		}
	}
}
