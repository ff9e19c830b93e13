// Package storetest provides an in-memory store.GraphStorage for tests.
// It follows the MERGE semantics of the Neo4j backend: node upserts are
// keyed by uuid, edge upserts never duplicate and silently skip missing
// endpoints.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/store"
)

type Node struct {
	Label     string
	UUID      string
	Props     map[string]any
	CreatedAt time.Time
}

type Edge struct {
	From string
	Type string
	To   string
}

// Graph is safe for concurrent use.
type Graph struct {
	mu          sync.Mutex
	nodes       map[string]*Node
	edges       []Edge
	communities []common.Community
	clock       time.Time

	// QueryFunc answers Query calls. Without it Query fails with a
	// query generation error.
	QueryFunc func(cypher string, params map[string]any) ([]store.Row, error)

	// Hooks run before the matching call and may inject failures.
	BeforeUpsertNodes func(nodes []store.NodeUpsert) error
	BeforeSearch      func(index store.VectorIndex) error

	searches map[store.VectorIndex]int
}

var _ store.GraphStorage = (*Graph)(nil)

func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		searches: make(map[store.VectorIndex]int),
	}
}

// tick returns strictly increasing creation times so ordering by created_at
// is deterministic.
func (g *Graph) tick() time.Time {
	g.clock = g.clock.Add(time.Millisecond)
	return g.clock
}

func (g *Graph) UpsertNodes(ctx context.Context, nodes ...store.NodeUpsert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.BeforeUpsertNodes != nil {
		if err := g.BeforeUpsertNodes(nodes); err != nil {
			return err
		}
	}
	for _, n := range nodes {
		if !store.ValidIdentifier(n.Label) || n.UUID == "" {
			return apperr.Validation("storetest.UpsertNodes", "bad node %s/%q", n.Label, n.UUID)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range nodes {
		if !n.MustExist {
			continue
		}
		if existing, ok := g.nodes[n.UUID]; !ok || existing.Label != n.Label {
			return apperr.NotFound("storetest.UpsertNodes", fmt.Errorf("%s %s", n.Label, n.UUID))
		}
	}
	for _, n := range nodes {
		existing, ok := g.nodes[n.UUID]
		if !ok {
			existing = &Node{Label: n.Label, UUID: n.UUID, Props: map[string]any{}, CreatedAt: g.tick()}
			g.nodes[n.UUID] = existing
		}
		for k, v := range n.Properties {
			if v == nil {
				continue
			}
			if vec, ok := v.([]float32); ok && vec == nil {
				continue
			}
			existing.Props[k] = v
		}
	}
	return nil
}

func (g *Graph) UpsertEdges(ctx context.Context, edges ...store.EdgeUpsert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, e := range edges {
		if err := e.Validate(); err != nil {
			return apperr.Validation("storetest.UpsertEdges", "%v", err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range edges {
		from, okFrom := g.nodes[e.From]
		to, okTo := g.nodes[e.To]
		if !okFrom || !okTo || from.Label != e.FromLabel || to.Label != e.ToLabel {
			continue
		}
		edge := Edge{From: e.From, Type: e.Type, To: e.To}
		if !g.hasEdge(edge) {
			g.edges = append(g.edges, edge)
		}
	}
	return nil
}

func (g *Graph) hasEdge(e Edge) bool {
	for _, x := range g.edges {
		if x == e {
			return true
		}
	}
	return false
}

var ownership = map[string]bool{
	store.RelHasPage:     true,
	store.RelHasChild:    true,
	store.RelHasSummary:  true,
	store.RelHasQuestion: true,
}

func (g *Graph) HasNode(ctx context.Context, label, uuid string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[uuid]
	return ok && n.Label == label, nil
}

func (g *Graph) DeleteSubtree(ctx context.Context, label, rootUUID string) (int, error) {
	if rootUUID == "" {
		return 0, apperr.Validation("storetest.DeleteSubtree", "root uuid required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if root, ok := g.nodes[rootUUID]; !ok || root.Label != label {
		return 0, nil
	}

	doomed := map[string]bool{rootUUID: true}
	frontier := []string{rootUUID}
	for depth := 0; depth < 3 && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, e := range g.edges {
				if e.From == id && ownership[e.Type] && !doomed[e.To] {
					doomed[e.To] = true
					next = append(next, e.To)
				}
			}
		}
		frontier = next
	}
	g.deleteNodes(doomed)
	return len(doomed), nil
}

func (g *Graph) deleteNodes(ids map[string]bool) {
	for id := range ids {
		delete(g.nodes, id)
	}
	kept := g.edges[:0]
	for _, e := range g.edges {
		if !ids[e.From] && !ids[e.To] {
			kept = append(kept, e)
		}
	}
	g.edges = kept
}

func (g *Graph) Query(ctx context.Context, cypher string, params map[string]any) ([]store.Row, error) {
	if g.QueryFunc == nil {
		return nil, apperr.QueryGeneration("storetest.Query", errors.New("no query handler"))
	}
	return g.QueryFunc(cypher, params)
}

var indexLabels = map[store.VectorIndex]string{
	store.IndexPage:     store.LabelPage,
	store.IndexChild:    store.LabelChild,
	store.IndexSummary:  store.LabelSummary,
	store.IndexQuestion: store.LabelQuestion,
}

var indexKinds = map[store.VectorIndex]common.SourceKind{
	store.IndexPage:     common.SourceKindPage,
	store.IndexChild:    common.SourceKindChild,
	store.IndexSummary:  common.SourceKindSummary,
	store.IndexQuestion: common.SourceKindQuestion,
}

func (g *Graph) SearchSimilar(ctx context.Context, index store.VectorIndex, embedding []float32, k int, minScore float64) ([]common.Source, error) {
	if g.BeforeSearch != nil {
		if err := g.BeforeSearch(index); err != nil {
			return nil, err
		}
	}
	label, ok := indexLabels[index]
	if !ok {
		return nil, apperr.Validation("storetest.SearchSimilar", "unknown index %q", index)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.searches[index]++

	var out []common.Source
	for _, n := range g.nodes {
		if n.Label != label {
			continue
		}
		vec, _ := n.Props["embedding"].([]float32)
		if len(vec) == 0 {
			continue
		}
		score := Cosine(embedding, vec)
		if score < minScore {
			continue
		}
		src := common.Source{
			ID:    n.UUID,
			Kind:  indexKinds[index],
			Name:  str(n.Props["name"]),
			Text:  str(n.Props["text"]),
			Score: score,
		}
		if doc := g.owningDocument(n.UUID); doc != nil {
			src.DocumentUUID = doc.UUID
			src.DocumentName = str(doc.Props["name"])
			src.URL = str(doc.Props["url"])
		}
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Searches reports how often SearchSimilar ran against index.
func (g *Graph) Searches(index store.VectorIndex) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.searches[index]
}

func (g *Graph) owningDocument(id string) *Node {
	current := id
	for range 3 {
		parent := ""
		for _, e := range g.edges {
			if e.To == current && ownership[e.Type] {
				parent = e.From
				break
			}
		}
		if parent == "" {
			return nil
		}
		if n := g.nodes[parent]; n != nil && n.Label == store.LabelDocument {
			return n
		}
		current = parent
	}
	return nil
}

func (g *Graph) ListCategories(ctx context.Context) ([]common.Category, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []common.Category
	for _, n := range g.nodes {
		if n.Label != store.LabelCategory {
			continue
		}
		c := common.Category{
			UUID:        n.UUID,
			Name:        str(n.Props["name"]),
			Description: str(n.Props["description"]),
			CreatedAt:   n.CreatedAt,
		}
		c.Embedding, _ = n.Props["embedding"].([]float32)
		c.Aliases, _ = n.Props["aliases"].([]string)
		for _, e := range g.edges {
			if e.To == n.UUID && e.Type == store.RelMentions {
				c.Mentions++
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UUID < out[j].UUID
	})
	return out, nil
}

func (g *Graph) MergeCategories(ctx context.Context, merges []store.CategoryMerge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, m := range merges {
		for _, a := range m.Absorbed {
			if a == m.Survivor {
				return apperr.Validation("storetest.MergeCategories", "category %s cannot absorb itself", a)
			}
		}
	}
	for _, m := range merges {
		absorbed := make(map[string]bool, len(m.Absorbed))
		for _, a := range m.Absorbed {
			absorbed[a] = true
		}
		var repointed []Edge
		for _, e := range g.edges {
			if e.Type == store.RelMentions && absorbed[e.To] && e.From != m.Survivor {
				repointed = append(repointed, Edge{From: e.From, Type: e.Type, To: m.Survivor})
			}
		}
		g.deleteNodes(absorbed)
		for _, e := range repointed {
			if !g.hasEdge(e) {
				g.edges = append(g.edges, e)
			}
		}
		if s, ok := g.nodes[m.Survivor]; ok {
			s.Props["aliases"] = store.DedupeStrings(m.Aliases)
		}
	}
	return nil
}

func (g *Graph) DeleteCategories(ctx context.Context, uuids []string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	doomed := make(map[string]bool)
	for _, id := range uuids {
		if n, ok := g.nodes[id]; ok && n.Label == store.LabelCategory {
			doomed[id] = true
		}
	}
	g.deleteNodes(doomed)
	return len(doomed), nil
}

func (g *Graph) DeleteOrphanCategories(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	mentioned := make(map[string]bool)
	for _, e := range g.edges {
		if e.Type == store.RelMentions {
			mentioned[e.To] = true
		}
	}
	doomed := make(map[string]bool)
	for id, n := range g.nodes {
		if n.Label == store.LabelCategory && !mentioned[id] {
			doomed[id] = true
		}
	}
	g.deleteNodes(doomed)
	return len(doomed), nil
}

func (g *Graph) CleanupMentions(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[Edge]bool)
	kept := g.edges[:0]
	removed := 0
	for _, e := range g.edges {
		if e.Type == store.RelMentions && (e.From == e.To || seen[e]) {
			removed++
			continue
		}
		seen[e] = true
		kept = append(kept, e)
	}
	g.edges = kept
	return removed, nil
}

// AddRawEdge appends an edge without the MERGE check, for setting up
// duplicate or self-loop edges.
func (g *Graph) AddRawEdge(from, typ, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = append(g.edges, Edge{From: from, Type: typ, To: to})
}

func (g *Graph) CategoryLinks(ctx context.Context) ([]common.CategoryLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	perSource := make(map[string][]string)
	for _, e := range g.edges {
		if e.Type != store.RelMentions {
			continue
		}
		src, dst := g.nodes[e.From], g.nodes[e.To]
		if src == nil || dst == nil || dst.Label != store.LabelCategory {
			continue
		}
		if src.Label != store.LabelChild && src.Label != store.LabelDocument {
			continue
		}
		perSource[e.From] = append(perSource[e.From], e.To)
	}

	weights := make(map[[2]string]int)
	for src, cats := range perSource {
		w := store.ChildLinkWeight
		if g.nodes[src].Label == store.LabelDocument {
			w = store.DocumentLinkWeight
		}
		cats = store.DedupeStrings(cats)
		for i := range cats {
			for j := range cats {
				if cats[i] < cats[j] {
					weights[[2]string{cats[i], cats[j]}] += w
				}
			}
		}
	}
	out := make([]common.CategoryLink, 0, len(weights))
	for k, w := range weights {
		out = append(out, common.CategoryLink{From: k[0], To: k[1], Weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out, nil
}

func (g *Graph) CategoryDocuments(ctx context.Context) (map[string][]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string][]string)
	for _, e := range g.edges {
		if e.Type != store.RelMentions {
			continue
		}
		src := g.nodes[e.From]
		if src == nil {
			continue
		}
		doc := src
		if src.Label != store.LabelDocument {
			doc = g.owningDocument(src.UUID)
		}
		if doc == nil {
			continue
		}
		out[e.To] = append(out[e.To], doc.UUID)
	}
	for k, v := range out {
		v = store.DedupeStrings(v)
		sort.Strings(v)
		out[k] = v
	}
	return out, nil
}

func (g *Graph) ReplaceCommunities(ctx context.Context, communities []common.Community) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.communities = make([]common.Community, len(communities))
	for i, c := range communities {
		c.Members = append([]string(nil), c.Members...)
		sort.Strings(c.Members)
		g.communities[i] = c
	}
	return nil
}

func (g *Graph) ListCommunities(ctx context.Context) ([]common.Community, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]common.Community, len(g.communities))
	copy(out, g.communities)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		if out[i].Rank != out[j].Rank {
			return out[i].Rank > out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (g *Graph) SetCommunitySummaries(ctx context.Context, summaries map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.communities {
		if s, ok := summaries[g.communities[i].ID]; ok {
			g.communities[i].Summary = s
		}
	}
	return nil
}

func (g *Graph) EnsureSchema(ctx context.Context, dimension int) error { return nil }

func (g *Graph) Close(ctx context.Context) error { return nil }

// Nodes returns the nodes with label ordered by creation.
func (g *Graph) Nodes(label string) []Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Node
	for _, n := range g.nodes {
		if n.Label == label {
			cp := *n
			cp.Props = make(map[string]any, len(n.Props))
			for k, v := range n.Props {
				cp.Props[k] = v
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (g *Graph) Count(label string) int {
	return len(g.Nodes(label))
}

// Names returns the name property of every node with label, sorted.
func (g *Graph) Names(label string) []string {
	var out []string
	for _, n := range g.Nodes(label) {
		out = append(out, str(n.Props["name"]))
	}
	sort.Strings(out)
	return out
}

func (g *Graph) Edges(typ string) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Edge
	for _, e := range g.edges {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Cosine is the cosine similarity of a and b, or 0 when either is empty or
// their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func str(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(v)
	}
}
