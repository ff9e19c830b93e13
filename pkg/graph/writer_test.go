package graph

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/store"
	"github.com/menome/thelink/backend/pkg/store/storetest"
)

func writeTree(t *testing.T, w *Writer, docID string) {
	t.Helper()
	ctx := context.Background()
	if err := w.WriteDocument(ctx, common.Document{UUID: docID, Name: "Terms", Type: common.DocumentTypeDocument}); err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	layout := []int{4, 3}
	for p, children := range layout {
		pageIndex := p + 1
		if _, err := w.WritePage(ctx, docID, common.Page{Index: pageIndex, Name: "Page", Text: "page text"}); err != nil {
			t.Fatalf("WritePage: %v", err)
		}
		for c := 1; c <= children; c++ {
			if _, err := w.WriteChild(ctx, docID, pageIndex, common.Child{Index: c, Name: QuestionName(pageIndex, c), Text: "child"}); err != nil {
				t.Fatalf("WriteChild: %v", err)
			}
		}
	}
}

func writeDocument(t *testing.T, w *Writer, docID string) {
	t.Helper()
	if err := w.WriteDocument(context.Background(), common.Document{UUID: docID, Name: "Terms"}); err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
}

func TestWriterIsIdempotent(t *testing.T) {
	g := storetest.New()
	w := NewWriter(NewWriterParams{Store: g})

	writeTree(t, w, "doc-1")
	writeTree(t, w, "doc-1")

	if got := g.Count(store.LabelDocument); got != 1 {
		t.Fatalf("expected 1 document, got %d", got)
	}
	if got := g.Count(store.LabelPage); got != 2 {
		t.Fatalf("expected 2 pages, got %d", got)
	}
	if got := g.Count(store.LabelChild); got != 7 {
		t.Fatalf("expected 7 children, got %d", got)
	}
	if got := len(g.Edges(store.RelHasChild)); got != 7 {
		t.Fatalf("expected 7 HAS_CHILD edges, got %d", got)
	}
	if got := len(g.Edges(store.RelHasPage)); got != 2 {
		t.Fatalf("expected 2 HAS_PAGE edges, got %d", got)
	}
}

func TestWriteChildBeforePage(t *testing.T) {
	g := storetest.New()
	w := NewWriter(NewWriterParams{Store: g})
	ctx := context.Background()
	writeDocument(t, w, "doc")

	child, err := w.WriteChild(ctx, "doc", 1, common.Child{Index: 1, Name: "1-1", Text: "a"})
	if err != nil {
		t.Fatalf("WriteChild: %v", err)
	}
	if child.Source != "doc" || child.UUID != ChildID("doc", 1, 1) {
		t.Fatalf("unexpected child %+v", child)
	}
	page, err := w.WritePage(ctx, "doc", common.Page{Index: 1, Name: "Page 1", Text: "a"})
	if err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	if got := g.Count(store.LabelPage); got != 1 {
		t.Fatalf("expected the stub page to be reused, got %d pages", got)
	}
	edges := g.Edges(store.RelHasChild)
	if len(edges) != 1 || edges[0].From != page.UUID {
		t.Fatalf("child not attached to page: %+v", edges)
	}
	if g.Names(store.LabelPage)[0] != "Page 1" {
		t.Fatalf("page properties were not applied to the stub")
	}
}

func TestWriteQuestionsNamesByPosition(t *testing.T) {
	g := storetest.New()
	w := NewWriter(NewWriterParams{Store: g})
	ctx := context.Background()
	writeDocument(t, w, "doc")
	if _, err := w.WritePage(ctx, "doc", common.Page{Index: 1, Name: "Page 1"}); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	qs, err := w.WriteQuestions(ctx, "doc", 1, []common.Question{
		{Text: "What is collected?"},
		{Text: "  "},
		{Text: "Who can see it?"},
	})
	if err != nil {
		t.Fatalf("WriteQuestions: %v", err)
	}
	var names []string
	for _, q := range qs {
		names = append(names, q.Name)
	}
	if !reflect.DeepEqual(names, []string{"1-1", "1-2"}) {
		t.Fatalf("unexpected names %v", names)
	}
	if got := len(g.Edges(store.RelHasQuestion)); got != 2 {
		t.Fatalf("expected 2 HAS_QUESTION edges, got %d", got)
	}

	if _, err := w.WriteQuestions(ctx, "doc", 1, qs); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if got := g.Count(store.LabelQuestion); got != 2 {
		t.Fatalf("rewrite duplicated questions: %d", got)
	}
}

func TestWriteSummaryReplaces(t *testing.T) {
	g := storetest.New()
	fixed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	w := NewWriter(NewWriterParams{Store: g, Now: func() time.Time { return fixed }})
	ctx := context.Background()
	pageID := PageID("doc", 1)
	writeDocument(t, w, "doc")
	if _, err := w.WritePage(ctx, "doc", common.Page{Index: 1, Name: "Page 1"}); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	first, err := w.WriteSummary(ctx, pageID, common.Summary{Text: "first"})
	if err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	if !first.DateCreated.Equal(fixed) {
		t.Fatalf("expected datecreated %s, got %s", fixed, first.DateCreated)
	}
	if _, err := w.WriteSummary(ctx, pageID, common.Summary{Text: "second"}); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	nodes := g.Nodes(store.LabelSummary)
	if len(nodes) != 1 || nodes[0].Props["text"] != "second" {
		t.Fatalf("expected one replaced summary, got %+v", nodes)
	}

	if _, err := w.WriteSummary(ctx, pageID, common.Summary{Text: " "}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWriteCategoriesFiltersNoise(t *testing.T) {
	g := storetest.New()
	w := NewWriter(NewWriterParams{Store: g})
	ctx := context.Background()
	writeDocument(t, w, "doc")
	if _, err := w.WriteChild(ctx, "doc", 1, common.Child{Index: 1, Name: "1-1", Text: "x"}); err != nil {
		t.Fatalf("WriteChild: %v", err)
	}

	written, err := w.WriteCategories(ctx, "doc", 1, 1, []common.Category{
		{Name: "Privacy  Policy", Description: "how data is handled"},
		{Name: "privacy policy"},
		{Name: "2024"},
		{Name: "#tag"},
		{Name: "%percent"},
		{Name: "Cookie Statement"},
	})
	if err != nil {
		t.Fatalf("WriteCategories: %v", err)
	}
	if len(written) != 2 {
		t.Fatalf("expected 2 categories, got %+v", written)
	}
	if got := g.Names(store.LabelCategory); !reflect.DeepEqual(got, []string{"Cookie Statement", "Privacy Policy"}) {
		t.Fatalf("unexpected names %v", got)
	}
	// one edge from the child and one from the document per category
	if got := len(g.Edges(store.RelMentions)); got != 4 {
		t.Fatalf("expected 4 MENTIONS edges, got %d", got)
	}
}

func TestDeterministicIDs(t *testing.T) {
	if PageID("a", 1) != PageID("a", 1) {
		t.Fatal("PageID not stable")
	}
	if PageID("a", 1) == PageID("a", 2) || PageID("a", 1) == PageID("b", 1) {
		t.Fatal("PageID collides")
	}
	if ChildID("a", 1, 12) == ChildID("a", 11, 2) {
		t.Fatal("ChildID collides across page/child boundaries")
	}
}

func TestDeleteDocument(t *testing.T) {
	g := storetest.New()
	w := NewWriter(NewWriterParams{Store: g})
	writeTree(t, w, "doc-1")
	ctx := context.Background()
	if _, err := w.WriteSummary(ctx, PageID("doc-1", 1), common.Summary{Text: "s"}); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	if _, err := w.WriteCategories(ctx, "doc-1", 1, 1, []common.Category{{Name: "Data Retention"}}); err != nil {
		t.Fatalf("WriteCategories: %v", err)
	}

	n, err := w.DeleteDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if n != 11 {
		t.Fatalf("expected 11 deleted nodes (1+2+7+1), got %d", n)
	}
	if g.Count(store.LabelCategory) != 1 {
		t.Fatal("categories must survive document deletion")
	}
	if len(g.Edges(store.RelMentions)) != 0 {
		t.Fatal("mentions from deleted nodes should be gone")
	}
}

func TestWritesNeverRecreateDeletedParents(t *testing.T) {
	g := storetest.New()
	w := NewWriter(NewWriterParams{Store: g})
	ctx := context.Background()
	writeTree(t, w, "doc-1")
	if _, err := w.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	writes := map[string]func() error{
		"page": func() error {
			_, err := w.WritePage(ctx, "doc-1", common.Page{Index: 1, Name: "Page 1"})
			return err
		},
		"child": func() error {
			_, err := w.WriteChild(ctx, "doc-1", 1, common.Child{Index: 1, Name: "1-1"})
			return err
		},
		"summary": func() error {
			_, err := w.WriteSummary(ctx, PageID("doc-1", 1), common.Summary{Text: "s"})
			return err
		},
		"questions": func() error {
			_, err := w.WriteQuestions(ctx, "doc-1", 1, []common.Question{{Text: "Why?"}})
			return err
		},
		"categories": func() error {
			_, err := w.WriteCategories(ctx, "doc-1", 1, 1, []common.Category{{Name: "Data Retention"}})
			return err
		},
	}
	for name, write := range writes {
		if err := write(); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("%s: expected not found, got %v", name, err)
		}
	}
	for _, label := range []string{store.LabelDocument, store.LabelPage, store.LabelChild, store.LabelSummary, store.LabelQuestion, store.LabelCategory} {
		if n := g.Count(label); n != 0 {
			t.Errorf("%d %s nodes written after delete", n, label)
		}
	}
	if ok, _ := w.DocumentExists(ctx, "doc-1"); ok {
		t.Fatal("document still reported as existing")
	}
}
