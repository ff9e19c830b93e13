package query

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/menome/thelink/backend/pkg/ai/aitest"
	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/store"
	"github.com/menome/thelink/backend/pkg/store/storetest"
)

func cypherReplies(queries ...string) (*aitest.Client, *[]string) {
	var prompts []string
	n := 0
	client := aitest.New().On("generate_cypher", func(prompt string) (string, error) {
		prompts = append(prompts, prompt)
		q := queries[min(n, len(queries)-1)]
		n++
		return `{"cypher": "` + q + `"}`, nil
	})
	return client, &prompts
}

func TestFindRegeneratesRejectedQuery(t *testing.T) {
	client, prompts := cypherReplies(
		"MATCH (n) DETACH DELETE n",
		"MATCH (d:Document) WHERE toLower(d.name) CONTAINS 'privacy' RETURN d",
	)
	g := storetest.New()
	var ran string
	g.QueryFunc = func(cypher string, params map[string]any) ([]store.Row, error) {
		ran = cypher
		return []store.Row{{
			"d": store.NodeValue{Labels: []string{store.LabelDocument}, Properties: map[string]any{
				"uuid": docID, "name": "Privacy Policy", "url": "https://example.com/privacy", "embedding": []float64{1, 0},
			}},
		}}, nil
	}
	router := NewRouter(NewRouterParams{AI: client, Store: g})

	res, err := router.Find(context.Background(), "Which documents are about privacy?")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if res.Diagnostics.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Diagnostics.Attempts)
	}
	if !strings.Contains((*prompts)[1], "DETACH") {
		t.Fatalf("regeneration prompt does not show the rejected query:\n%s", (*prompts)[1])
	}
	if !strings.HasSuffix(ran, "LIMIT 25") || res.Cypher != ran {
		t.Fatalf("expected a limited query, ran %q", ran)
	}
	if len(res.Sources) != 1 || res.Sources[0].ID != docID || res.Sources[0].DocumentName != "Privacy Policy" {
		t.Fatalf("unexpected sources %+v", res.Sources)
	}
	node := res.Rows[0]["d"].(store.NodeValue)
	if _, ok := node.Properties["embedding"]; ok {
		t.Fatal("embeddings must not be returned")
	}
	wantStates := []State{StateReceived, StateClassified, StateStructuredQuery, StateComposed, StateReturned}
	if !reflect.DeepEqual(res.Diagnostics.States, wantStates) {
		t.Fatalf("states = %v, want %v", res.Diagnostics.States, wantStates)
	}
	if !reflect.DeepEqual(res.Diagnostics.Trace.QueriedLabels, []string{store.LabelDocument}) {
		t.Fatalf("labels = %v", res.Diagnostics.Trace.QueriedLabels)
	}
}

func TestFindGivesUpWithEmptyResult(t *testing.T) {
	client, _ := cypherReplies("MATCH (d:Documnt) RETURN d LIMIT 5")
	g := storetest.New()
	g.QueryFunc = func(cypher string, params map[string]any) ([]store.Row, error) {
		return nil, apperr.QueryGeneration("storetest", errors.New("Neo.ClientError.Statement.SyntaxError"))
	}
	router := NewRouter(NewRouterParams{AI: client, Store: g, MaxRegenerations: 2})

	res, err := router.Find(context.Background(), "Anything")
	if err != nil {
		t.Fatalf("expected graceful empty result, got %v", err)
	}
	if client.Calls("generate_cypher") != 3 {
		t.Fatalf("expected 1 attempt plus 2 regenerations, got %d", client.Calls("generate_cypher"))
	}
	if len(res.Rows) != 0 || len(res.Sources) != 0 || res.Rows == nil {
		t.Fatalf("expected empty non-nil result, got %+v", res)
	}
	if last := res.Diagnostics.States[len(res.Diagnostics.States)-1]; last != StateReturned {
		t.Fatalf("expected returned, got %s", last)
	}
}

func TestFindStoreFailureFails(t *testing.T) {
	client, _ := cypherReplies("MATCH (d:Document) RETURN d")
	g := storetest.New()
	g.QueryFunc = func(cypher string, params map[string]any) ([]store.Row, error) {
		return nil, apperr.Transient("storetest", errors.New("connection refused"))
	}
	router := NewRouter(NewRouterParams{AI: client, Store: g})

	res, err := router.Find(context.Background(), "Anything")
	if !errors.Is(err, apperr.ErrTransientProvider) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if client.Calls("generate_cypher") != 1 {
		t.Fatal("store failures are not regenerated")
	}
	if last := res.Diagnostics.States[len(res.Diagnostics.States)-1]; last != StateFailed {
		t.Fatalf("expected failed, got %s", last)
	}
}

func TestPrepareCypher(t *testing.T) {
	r := NewRouter(NewRouterParams{ResultLimit: 10})
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "MATCH (d:Document) RETURN d;", want: "MATCH (d:Document) RETURN d LIMIT 10"},
		{in: "MATCH (d:Document) RETURN d LIMIT 3", want: "MATCH (d:Document) RETURN d LIMIT 3"},
		{in: "MATCH (c:Category) WHERE c.name = 'Set up; Create' RETURN c", want: "MATCH (c:Category) WHERE c.name = 'Set up; Create' RETURN c LIMIT 10"},
		{in: "MATCH (p:Page) RETURN p ORDER BY p.name SKIP 5 LIMIT 5", want: "MATCH (p:Page) RETURN p ORDER BY p.name SKIP 5 LIMIT 5"},
		{in: "MATCH (n) SET n.x = 1 RETURN n", wantErr: true},
		{in: "CREATE (n:Document) RETURN n", wantErr: true},
		{in: "MATCH (n) RETURN n; MATCH (m) DELETE m", wantErr: true},
		{in: "CALL db.labels()", wantErr: true},
		{in: "LOAD CSV FROM 'file:///x' AS row RETURN row", wantErr: true},
		{in: "MATCH (n)", wantErr: true},
		{in: "MATCH (n) RETURN n LIMIT 5 UNION MATCH (m) RETURN m", wantErr: true},
		{in: "  ", wantErr: true},
		{
			in:   "MATCH (d:Document)-[:HAS_PAGE]->(:Page)-[r:HAS_CHILD*1..2]->(c:Child) RETURN c",
			want: "MATCH (d:Document)-[:HAS_PAGE]->(:Page)-[r:HAS_CHILD*1..2]->(c:Child) RETURN c LIMIT 10",
		},
		{in: "MATCH (c:Category {name: 'Foo:Bar'}) RETURN count(c)", want: "MATCH (c:Category {name: 'Foo:Bar'}) RETURN count(c) LIMIT 10"},
		{in: "MATCH (u:User) RETURN u", wantErr: true},
		{in: "MATCH (d:Document:Secret) RETURN d", wantErr: true},
		{in: "MATCH (n:`Secret`) RETURN n", wantErr: true},
		{in: "MATCH (d:Document)-[:OWNS]->(p) RETURN p", wantErr: true},
		{in: "MATCH (d:Document)-[:HAS_PAGE|HAS_SECRET]->(p) RETURN p", wantErr: true},
	}
	for _, tt := range tests {
		got, err := r.prepareCypher(tt.in)
		if tt.wantErr {
			if !errors.Is(err, apperr.ErrQueryGeneration) {
				t.Errorf("prepareCypher(%q) error = %v, want query generation error", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("prepareCypher(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("prepareCypher(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
